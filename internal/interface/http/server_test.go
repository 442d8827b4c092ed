package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulhub/schulsync/internal/application/refresh"
	"github.com/schulhub/schulsync/internal/application/render"
	"github.com/schulhub/schulsync/internal/domain/exams"
	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/homework"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/snapshot"
	"github.com/schulhub/schulsync/internal/domain/student"
	"github.com/schulhub/schulsync/internal/infrastructure/persistence/memory"
)

// ══════════════════════════════════════════════════════════════════════════════
// TEST RIG
// ══════════════════════════════════════════════════════════════════════════════

var serverNow = time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)

// fakeRefresher satisfies Refresher with canned state.
type fakeRefresher struct {
	accounts   []string
	triggerErr error
	triggered  []string
	remaining  time.Duration
}

func (f *fakeRefresher) TriggerManualRefresh(_ context.Context, accountID string) error {
	f.triggered = append(f.triggered, accountID)
	return f.triggerErr
}

func (f *fakeRefresher) Status() []refresh.AccountStatus {
	out := make([]refresh.AccountStatus, 0, len(f.accounts))
	for _, id := range f.accounts {
		st, _ := f.StatusFor(id)
		out = append(out, st)
	}
	return out
}

func (f *fakeRefresher) StatusFor(accountID string) (refresh.AccountStatus, error) {
	for _, id := range f.accounts {
		if id == accountID {
			return refresh.AccountStatus{
				AccountID:         accountID,
				Login:             accountID + "@example.org",
				Students:          1,
				Available:         true,
				CooldownSeconds:   300,
				CooldownRemaining: f.remaining,
			}, nil
		}
	}
	return refresh.AccountStatus{}, shared.ErrAccountNotFound
}

func (f *fakeRefresher) Options(string) (student.SyncOptions, error) {
	return student.DefaultSyncOptions(), nil
}

func (f *fakeRefresher) AccountIDs() []string { return f.accounts }

func newTestStudent(t *testing.T, id int64, firstName, lastName string) *student.Student {
	t.Helper()
	st, err := student.NewStudent(student.NewStudentParams{
		ID:        id,
		SchoolID:  382,
		ClassID:   7,
		FirstName: firstName,
		LastName:  lastName,
	})
	require.NoError(t, err)
	return st
}

// seedStore publishes one account with a fully filled student snapshot.
func seedStore(t *testing.T) *memory.SnapshotStore {
	t.Helper()
	store := memory.NewSnapshotStore()

	snap := snapshot.NewAccountSnapshot("fam-mueller", "cycle-1", serverNow)
	ss := snapshot.NewStudentSnapshot(newTestStudent(t, 4711, "Jonas", "Müller"), serverNow)
	ss.Lessons = []schedule.LessonSlot{
		{Date: "2026-09-01", Hour: shared.NewHourNumber(1), Subject: "Deutsch", Kind: schedule.KindRegular, Room: "101"},
		{Date: "2026-09-01", Hour: shared.NewHourNumber(3), Subject: "Mathematik", Kind: schedule.KindSubstitution, Room: "204", Teacher: "Jan Weber"},
		{Date: "2026-09-02", Hour: shared.NewHourNumber(2), Subject: "Sport", Kind: schedule.KindCancelled},
	}
	ss.Homework = []homework.Item{
		{ID: 1, Subject: "Mathematik", DueDate: "2000-01-01", Text: "S. 12", Done: false},
		{ID: 2, Subject: "Deutsch", DueDate: "2099-06-01", Text: "Aufsatz", Done: true},
	}
	ss.Exams = []exams.Exam{
		{ID: 9, Subject: "Latein", Date: "2099-06-10", StartHour: shared.NewHourNumber(3), EndHour: shared.NewHourNumber(4), Comment: "Klassenarbeit: Lektion 12"},
	}
	ss.Report = grades.Report{
		Grades: []grades.Grade{
			{SubjectID: 7, SubjectName: "Mathe GK", Category: "Klassenarbeit", RawValue: "2+", Value: 2, Tendency: grades.TendencyPlus, Date: "2026-08-28"},
		},
		Subjects: []grades.Subject{{ID: 7, Name: "Mathematik", Abbreviation: "M"}},
	}
	snap.Add(ss)
	store.Publish(snap)

	return store
}

func newTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 0
	return NewServer(cfg, deps)
}

func doRequest(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) JSONResponse {
	t.Helper()
	var envelope struct {
		Success   bool            `json:"success"`
		Data      json.RawMessage `json:"data"`
		Error     *APIError       `json:"error"`
		Meta      *ResponseMeta   `json:"meta"`
		RequestID string          `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	if data != nil && len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, data))
	}
	return JSONResponse{
		Success:   envelope.Success,
		Error:     envelope.Error,
		Meta:      envelope.Meta,
		RequestID: envelope.RequestID,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT READ ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

func TestServer_ListStudents(t *testing.T) {
	store := seedStore(t)

	second := snapshot.NewAccountSnapshot("fam-schmidt", "cycle-2", serverNow)
	second.Add(snapshot.NewStudentSnapshot(newTestStudent(t, 4801, "Anna", "Schmidt"), serverNow))
	store.Publish(second)

	s := newTestServer(t, Dependencies{Store: store})
	rec := doRequest(t, s, http.MethodGet, "/students")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Students []studentRef `json:"students"`
	}
	envelope := decodeEnvelope(t, rec, &data)
	assert.True(t, envelope.Success)
	require.Len(t, data.Students, 2)
	assert.Equal(t, "anna_schmidt", data.Students[0].Slug)
	assert.Equal(t, "jonas_mueller", data.Students[1].Slug)
	assert.Equal(t, "fam-mueller", data.Students[1].AccountID)
	assert.Equal(t, 2, envelope.Meta.TotalCount)
}

func TestServer_GetStudent(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/students/jonas_mueller")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail studentDetail
	decodeEnvelope(t, rec, &detail)
	assert.Equal(t, "Jonas Müller", detail.Name)
	assert.Equal(t, int64(382), detail.SchoolID)
	assert.Equal(t, 3, detail.Lessons)
	assert.Equal(t, 2, detail.Homework)
	assert.Equal(t, 1, detail.Exams)
	assert.Equal(t, 1, detail.Grades)
	assert.Equal(t, 1, detail.Subjects)
}

func TestServer_GetStudent_NotFound(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/students/unbekannt")
	require.Equal(t, http.StatusNotFound, rec.Code)

	envelope := decodeEnvelope(t, rec, nil)
	assert.False(t, envelope.Success)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "not_found", envelope.Error.Code)
}

func TestServer_GetLessons_RendersDay(t *testing.T) {
	s := newTestServer(t, Dependencies{
		Store:     seedStore(t),
		Refresher: &fakeRefresher{accounts: []string{"fam-mueller"}},
		Renderer:  render.NewRenderer("de", nil),
	})
	rec := doRequest(t, s, http.MethodGet, "/students/jonas_mueller/lessons?day=2026-09-01")
	require.Equal(t, http.StatusOK, rec.Code)

	var day dayView
	decodeEnvelope(t, rec, &day)
	assert.Equal(t, "2026-09-01", day.Date)
	assert.Equal(t, "Abweichung", day.Status)
	require.Len(t, day.Lines, 2)
	assert.Equal(t, "1. Std: Deutsch – 101", day.Lines[0])
	assert.Contains(t, day.Lines[1], "🔁 Mathematik")
	require.Len(t, day.Slots, 2)
	assert.Equal(t, "substitution", day.Slots[1].Kind)
}

func TestServer_GetLessons_InvalidDay(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/students/jonas_mueller/lessons?day=gestern")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeEnvelope(t, rec, nil)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "invalid_request", envelope.Error.Code)
}

func TestServer_GetHomework(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/students/jonas_mueller/homework")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Homework []homeworkView `json:"homework"`
		Open     int            `json:"open"`
	}
	decodeEnvelope(t, rec, &data)
	require.Len(t, data.Homework, 2)
	assert.True(t, data.Homework[0].Overdue)
	assert.False(t, data.Homework[1].Overdue)
	assert.Equal(t, 1, data.Open)
}

func TestServer_GetGrades(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/students/jonas_mueller/grades")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		OverallAverage float64              `json:"overall_average"`
		Subjects       []subjectAverageView `json:"subjects"`
		Grades         []gradeView          `json:"grades"`
	}
	decodeEnvelope(t, rec, &data)
	assert.Equal(t, 2.0, data.OverallAverage)
	require.Len(t, data.Grades, 1)
	// The catalog name wins over the name recorded on the entry.
	assert.Equal(t, "Mathematik", data.Grades[0].Subject)
	assert.Equal(t, "2+", data.Grades[0].Value)
}

func TestServer_GetExams(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/students/jonas_mueller/exams")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Exams         []examView `json:"exams"`
		DaysUntilNext *int       `json:"days_until_next"`
	}
	decodeEnvelope(t, rec, &data)
	require.Len(t, data.Exams, 1)
	assert.Equal(t, "Latein", data.Exams[0].Subject)
	assert.True(t, data.Exams[0].Upcoming)
	require.NotNil(t, data.DaysUntilNext)
	assert.Greater(t, *data.DaysUntilNext, 0)
}

func TestServer_Calendar(t *testing.T) {
	s := newTestServer(t, Dependencies{
		Store:     seedStore(t),
		Refresher: &fakeRefresher{accounts: []string{"fam-mueller"}},
	})
	rec := doRequest(t, s, http.MethodGet, "/students/jonas_mueller/calendar.ics")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "UID:lesson-382-4711-2026-09-01-1@schulsync")
	assert.Contains(t, body, "SUMMARY:Klassenarbeit Latein")
	// Default options highlight changes, so cancellations stay visible.
	assert.Contains(t, body, "2. Std Sport (Ausfall)")
}

func TestServer_Changes(t *testing.T) {
	store := seedStore(t)
	snap, ok := store.Latest("fam-mueller")
	require.True(t, ok)
	snap.Summaries = map[string][]string{"schedule": {"Heute (1 Änderung):"}}
	snap.Changes = &snapshot.ChangeSet{
		AccountID:   "fam-mueller",
		GeneratedAt: serverNow,
		PerStudent: map[string]*snapshot.StudentChanges{
			"382:4711": {
				StudentKey:  shared.StudentKey{SchoolID: 382, StudentID: 4711},
				NewHomework: []homework.Item{{Subject: "Physik", DueDate: "2099-09-10", Text: "Versuch"}},
				SlotChanges: []snapshot.SlotChange{{
					Key:      schedule.SlotKey{Date: "2026-09-01", Hour: shared.NewHourNumber(3)},
					FromKind: schedule.KindRegular,
					ToKind:   schedule.KindSubstitution,
					Subject:  "Mathematik",
				}},
			},
		},
	}
	store.Publish(snap)

	s := newTestServer(t, Dependencies{Store: store})
	rec := doRequest(t, s, http.MethodGet, "/changes")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Accounts []changeFeedView `json:"accounts"`
	}
	decodeEnvelope(t, rec, &data)
	require.Len(t, data.Accounts, 1)
	feed := data.Accounts[0]
	assert.Equal(t, "fam-mueller", feed.AccountID)
	assert.Equal(t, []string{"Heute (1 Änderung):"}, feed.Summaries["schedule"])
	require.Len(t, feed.Students, 1)
	assert.Equal(t, "382:4711", feed.Students[0].StudentKey)
	require.Len(t, feed.Students[0].SlotChanges, 1)
	assert.Equal(t, "substitution", feed.Students[0].SlotChanges[0].To)
}

func TestServer_Changes_UnknownAccount(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/changes?account=fam-unbekannt")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & REFRESH TRIGGER
// ══════════════════════════════════════════════════════════════════════════════

func TestServer_Status(t *testing.T) {
	s := newTestServer(t, Dependencies{
		Store:     seedStore(t),
		Refresher: &fakeRefresher{accounts: []string{"fam-mueller"}},
	})
	rec := doRequest(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Accounts []refresh.AccountStatus `json:"accounts"`
	}
	envelope := decodeEnvelope(t, rec, &data)
	require.Len(t, data.Accounts, 1)
	assert.Equal(t, "fam-mueller", data.Accounts[0].AccountID)
	assert.True(t, data.Accounts[0].Available)
	assert.Equal(t, 1, envelope.Meta.TotalCount)
}

func TestServer_TriggerRefresh_DefaultsToSingleAccount(t *testing.T) {
	refresher := &fakeRefresher{accounts: []string{"fam-mueller"}}
	s := newTestServer(t, Dependencies{Store: seedStore(t), Refresher: refresher})

	rec := doRequest(t, s, http.MethodPost, "/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"fam-mueller"}, refresher.triggered)
}

func TestServer_TriggerRefresh_MultipleAccountsNeedParam(t *testing.T) {
	refresher := &fakeRefresher{accounts: []string{"a", "b"}}
	s := newTestServer(t, Dependencies{Store: seedStore(t), Refresher: refresher})

	rec := doRequest(t, s, http.MethodPost, "/refresh")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, refresher.triggered)

	rec = doRequest(t, s, http.MethodPost, "/refresh?account=b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"b"}, refresher.triggered)
}

func TestServer_TriggerRefresh_Conflict(t *testing.T) {
	refresher := &fakeRefresher{
		accounts:   []string{"fam-mueller"},
		triggerErr: fmt.Errorf("refresh: fam-mueller: %w", shared.ErrRefreshInProgress),
	}
	s := newTestServer(t, Dependencies{Store: seedStore(t), Refresher: refresher})

	rec := doRequest(t, s, http.MethodPost, "/refresh")
	require.Equal(t, http.StatusConflict, rec.Code)

	envelope := decodeEnvelope(t, rec, nil)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "refresh_in_progress", envelope.Error.Code)
}

func TestServer_TriggerRefresh_CooldownSetsRetryAfter(t *testing.T) {
	refresher := &fakeRefresher{
		accounts:   []string{"fam-mueller"},
		triggerErr: fmt.Errorf("refresh: fam-mueller: %w", shared.ErrCooldownActive),
		remaining:  90 * time.Second,
	}
	s := newTestServer(t, Dependencies{Store: seedStore(t), Refresher: refresher})

	rec := doRequest(t, s, http.MethodPost, "/refresh")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))

	envelope := decodeEnvelope(t, rec, nil)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "cooldown_active", envelope.Error.Code)
}

func TestServer_TriggerRefresh_BodyAccount(t *testing.T) {
	refresher := &fakeRefresher{accounts: []string{"a", "b"}}
	s := newTestServer(t, Dependencies{Store: seedStore(t), Refresher: refresher})

	req := httptest.NewRequest(http.MethodPost, "/refresh", strings.NewReader(`{"account_id":"a"}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a"}, refresher.triggered)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

func TestServer_Healthz(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var data map[string]interface{}
	decodeEnvelope(t, rec, &data)
	assert.Equal(t, "healthy", data["status"])
}

func TestServer_RequestIDHeader(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})
	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServer_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 2
	s := NewServer(cfg, Dependencies{Store: seedStore(t)})

	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, http.MethodGet, "/healthz")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, Dependencies{Store: seedStore(t)})

	req := httptest.NewRequest(http.MethodOptions, "/students", nil)
	req.Header.Set("Origin", "http://localhost:4000")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:4000", rec.Header().Get("Access-Control-Allow-Origin"))
}
