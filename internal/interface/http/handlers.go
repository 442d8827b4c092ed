package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/schulhub/schulsync/internal/application/render"
	"github.com/schulhub/schulsync/internal/domain/exams"
	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/homework"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/snapshot"
	"github.com/schulhub/schulsync/internal/domain/student"
	"github.com/schulhub/schulsync/internal/interface/ics"
	"github.com/schulhub/schulsync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE VIEWS
// ══════════════════════════════════════════════════════════════════════════════

// studentRef identifies a student in list responses.
type studentRef struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	SchoolID  int64     `json:"school_id"`
	StudentID int64     `json:"student_id"`
	ClassID   int64     `json:"class_id,omitempty"`
	AccountID string    `json:"account_id"`
	FetchedAt time.Time `json:"fetched_at"`
}

func newStudentRef(st *snapshot.StudentSnapshot, accountID string) studentRef {
	return studentRef{
		Slug:      st.Slug,
		Name:      st.Student.FullName(),
		SchoolID:  st.Student.SchoolID.Int64(),
		StudentID: st.Student.ID.Int64(),
		ClassID:   st.Student.ClassID.Int64(),
		AccountID: accountID,
		FetchedAt: st.FetchedAt,
	}
}

// studentDetail adds snapshot counts to the reference.
type studentDetail struct {
	studentRef
	Lessons        int               `json:"lessons"`
	Events         int               `json:"events"`
	Homework       int               `json:"homework"`
	Exams          int               `json:"exams"`
	Grades         int               `json:"grades"`
	Subjects       int               `json:"subjects"`
	CategoryErrors map[string]string `json:"category_errors,omitempty"`
}

// slotView is one timetable slot.
type slotView struct {
	Date            string `json:"date"`
	Hour            int    `json:"hour,omitempty"`
	Subject         string `json:"subject"`
	Teacher         string `json:"teacher,omitempty"`
	Room            string `json:"room,omitempty"`
	Kind            string `json:"kind"`
	Comment         string `json:"comment,omitempty"`
	OriginalSubject string `json:"original_subject,omitempty"`
	OriginalTeacher string `json:"original_teacher,omitempty"`
	OriginalRoom    string `json:"original_room,omitempty"`
}

func newSlotView(slot *schedule.LessonSlot) slotView {
	v := slotView{
		Date:            slot.Date.String(),
		Subject:         slot.Subject,
		Teacher:         slot.Teacher,
		Room:            slot.Room,
		Kind:            string(slot.Kind),
		Comment:         slot.Comment,
		OriginalSubject: slot.OriginalSubject,
		OriginalTeacher: slot.OriginalTeacher,
		OriginalRoom:    slot.OriginalRoom,
	}
	if !slot.Hour.IsUnknown() {
		v.Hour = slot.Hour.Int()
	}
	return v
}

// dayView is one rendered timetable day.
type dayView struct {
	Date   string     `json:"date"`
	Status string     `json:"status"`
	Lines  []string   `json:"lines,omitempty"`
	Slots  []slotView `json:"slots"`
}

// homeworkView is one homework item.
type homeworkView struct {
	Subject string `json:"subject"`
	Due     string `json:"due"`
	Text    string `json:"text,omitempty"`
	Done    bool   `json:"done"`
	Overdue bool   `json:"overdue"`
}

func newHomeworkView(item *homework.Item, now time.Time, loc *time.Location) homeworkView {
	return homeworkView{
		Subject: item.Subject,
		Due:     item.DueDate.String(),
		Text:    item.Text,
		Done:    item.Done,
		Overdue: item.IsOverdue(now, loc),
	}
}

// gradeView is one grade entry.
type gradeView struct {
	Subject  string  `json:"subject"`
	Category string  `json:"category"`
	Value    string  `json:"value"`
	Numeric  float64 `json:"numeric"`
	Date     string  `json:"date,omitempty"`
	Topic    string  `json:"topic,omitempty"`
}

func newGradeView(g *grades.Grade, subjectName string) gradeView {
	return gradeView{
		Subject:  subjectName,
		Category: g.Category,
		Value:    g.RawValue,
		Numeric:  g.Value,
		Date:     g.Date.String(),
		Topic:    g.Topic,
	}
}

// subjectAverageView is the per-subject aggregate.
type subjectAverageView struct {
	SubjectID int64   `json:"subject_id"`
	Subject   string  `json:"subject"`
	Average   float64 `json:"average"`
	Count     int     `json:"count"`
}

// examView is one scheduled exam.
type examView struct {
	Subject   string `json:"subject"`
	Date      string `json:"date"`
	StartHour int    `json:"start_hour,omitempty"`
	EndHour   int    `json:"end_hour,omitempty"`
	Comment   string `json:"comment,omitempty"`
	Upcoming  bool   `json:"upcoming"`
}

func newExamView(e *exams.Exam, now time.Time, loc *time.Location) examView {
	v := examView{
		Subject:  e.Subject,
		Date:     e.Date.String(),
		Comment:  e.Comment,
		Upcoming: e.IsUpcoming(now, loc),
	}
	if !e.StartHour.IsUnknown() {
		v.StartHour = e.StartHour.Int()
	}
	if !e.EndHour.IsUnknown() {
		v.EndHour = e.EndHour.Int()
	}
	return v
}

// slotChangeView is one timetable transition from the diff.
type slotChangeView struct {
	Date    string `json:"date"`
	Hour    int    `json:"hour,omitempty"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// studentChangesView collects one student's detections.
type studentChangesView struct {
	StudentKey  string           `json:"student_key"`
	NewHomework []homeworkView   `json:"new_homework,omitempty"`
	NewGrades   []gradeView      `json:"new_grades,omitempty"`
	SlotChanges []slotChangeView `json:"slot_changes,omitempty"`
}

// changeFeedView is the change feed of one account's latest cycle.
type changeFeedView struct {
	AccountID    string               `json:"account_id"`
	CycleID      string               `json:"cycle_id"`
	CreatedAt    time.Time            `json:"created_at"`
	FirstRefresh bool                 `json:"first_refresh"`
	GeneratedAt  *time.Time           `json:"generated_at,omitempty"`
	Summaries    map[string][]string  `json:"summaries,omitempty"`
	Students     []studentChangesView `json:"students,omitempty"`
}

func newChangeFeedView(snap *snapshot.AccountSnapshot) changeFeedView {
	view := changeFeedView{
		AccountID: snap.AccountID,
		CycleID:   snap.CycleID,
		CreatedAt: snap.CreatedAt,
		Summaries: snap.Summaries,
	}

	cs := snap.Changes
	if cs == nil {
		return view
	}
	view.FirstRefresh = cs.FirstRefresh
	generatedAt := cs.GeneratedAt
	view.GeneratedAt = &generatedAt

	keys := make([]string, 0, len(cs.PerStudent))
	for k := range cs.PerStudent {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now()
	loc := timeutil.BerlinTZ()
	for _, k := range keys {
		sc := cs.PerStudent[k]
		if sc.Empty() {
			continue
		}
		scv := studentChangesView{StudentKey: k}
		for i := range sc.NewHomework {
			scv.NewHomework = append(scv.NewHomework, newHomeworkView(&sc.NewHomework[i], now, loc))
		}
		for i := range sc.NewGrades {
			g := &sc.NewGrades[i]
			scv.NewGrades = append(scv.NewGrades, newGradeView(g, g.SubjectName))
		}
		for _, ch := range sc.SlotChanges {
			cv := slotChangeView{
				Date:    ch.Key.Date.String(),
				Subject: ch.Subject,
				From:    string(ch.FromKind),
				To:      string(ch.ToKind),
			}
			if !ch.Key.Hour.IsUnknown() {
				cv.Hour = ch.Key.Hour.Int()
			}
			scv.SlotChanges = append(scv.SlotChanges, cv)
		}
		view.Students = append(view.Students, scv)
	}
	return view
}

// databaseHealthView mirrors the pool health for JSON output.
type databaseHealthView struct {
	Healthy         bool   `json:"healthy"`
	Error           string `json:"error,omitempty"`
	PingLatencyMS   int64  `json:"ping_latency_ms"`
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	JournaledCycles int64  `json:"journaled_cycles"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":        "schulsync API",
		"version":     apiVersion,
		"description": "Read surface of the Schulmanager sync engine",
		"endpoints": map[string]string{
			"health":   "/healthz",
			"status":   "/status",
			"students": "/students",
			"lessons":  "/students/{slug}/lessons?day=YYYY-MM-DD",
			"calendar": "/students/{slug}/calendar.ics",
			"changes":  "/changes",
			"refresh":  "POST /refresh",
		},
	}

	writeJSON(w, http.StatusOK, info)
}

// handleHealthz handles the health check endpoint.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "healthy",
		"uptime":  s.Uptime().String(),
		"version": apiVersion,
	}
	status := http.StatusOK

	if s.deps.Database != nil {
		db, err := s.deps.Database.Health(r.Context())
		if err != nil {
			health["status"] = "degraded"
			health["database"] = databaseHealthView{Error: err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			health["database"] = databaseHealthView{
				Healthy:         db.Healthy,
				Error:           db.Error,
				PingLatencyMS:   db.PingLatency.Milliseconds(),
				TotalConns:      db.TotalConns,
				IdleConns:       db.IdleConns,
				AcquiredConns:   db.AcquiredConns,
				MaxConns:        db.MaxConns,
				JournaledCycles: db.JournaledCycles,
			}
			if !db.Healthy {
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
	}

	writeJSON(w, status, health)
}

// handleStatus handles GET /status with per-account refresh state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresher == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Refresh coordinator not configured")
		return
	}

	statuses := s.deps.Refresher.Status()
	writeJSONWithMeta(w, r, http.StatusOK,
		map[string]interface{}{"accounts": statuses},
		&ResponseMeta{TotalCount: len(statuses)})
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// findStudent resolves the slug path parameter against the published
// snapshots. Writes the error response itself when the lookup fails.
func (s *Server) findStudent(w http.ResponseWriter, r *http.Request) (*snapshot.StudentSnapshot, string, bool) {
	if s.deps.Store == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Snapshot store not configured")
		return nil, "", false
	}

	slug := chi.URLParam(r, "slug")
	if slug == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Student slug is required")
		return nil, "", false
	}

	snap, accountID, ok := s.deps.Store.FindStudent(slug)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "Student not found")
		return nil, "", false
	}
	return snap, accountID, true
}

// syncOptions returns the account's sync options, falling back to defaults
// when no coordinator is wired.
func (s *Server) syncOptions(accountID string) student.SyncOptions {
	if s.deps.Refresher == nil {
		return student.DefaultSyncOptions()
	}
	opts, err := s.deps.Refresher.Options(accountID)
	if err != nil {
		return student.DefaultSyncOptions()
	}
	return opts
}

// handleListStudents handles GET /students across all accounts.
func (s *Server) handleListStudents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Snapshot store not configured")
		return
	}

	var list []studentRef
	for _, accountID := range s.deps.Store.Accounts() {
		snap, ok := s.deps.Store.Latest(accountID)
		if !ok {
			continue
		}
		for _, st := range snap.Sorted() {
			list = append(list, newStudentRef(st, accountID))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Slug < list[j].Slug })

	writeJSONWithMeta(w, r, http.StatusOK,
		map[string]interface{}{"students": list},
		&ResponseMeta{TotalCount: len(list)})
}

// handleGetStudent handles GET /students/{slug}.
func (s *Server) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	snap, accountID, ok := s.findStudent(w, r)
	if !ok {
		return
	}

	detail := studentDetail{
		studentRef: newStudentRef(snap, accountID),
		Lessons:    len(snap.Lessons),
		Events:     len(snap.Events),
		Homework:   len(snap.Homework),
		Exams:      len(snap.Exams),
		Grades:     len(snap.Report.Grades),
		Subjects:   len(snap.Report.Subjects),
	}
	if len(snap.CategoryErrors) > 0 {
		detail.CategoryErrors = make(map[string]string, len(snap.CategoryErrors))
		for cat, msg := range snap.CategoryErrors {
			detail.CategoryErrors[string(cat)] = msg
		}
	}

	writeJSON(w, http.StatusOK, detail)
}

// handleGetLessons handles GET /students/{slug}/lessons?day=YYYY-MM-DD.
// Without a day parameter the current Berlin day is rendered.
func (s *Server) handleGetLessons(w http.ResponseWriter, r *http.Request) {
	snap, accountID, ok := s.findStudent(w, r)
	if !ok {
		return
	}

	loc := timeutil.BerlinTZ()
	var date shared.ISODate
	if day := getQueryParam(r, "day", ""); day == "" {
		date = shared.DateOf(time.Now().In(loc))
	} else {
		t, err := time.ParseInLocation("2006-01-02", day, loc)
		if err != nil {
			writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_request",
				"day must be an ISO date (YYYY-MM-DD)", err.Error())
			return
		}
		date = shared.DateOf(t)
	}

	slots := schedule.SlotsForDate(snap.Lessons, date)
	dayStatus := schedule.DayStatusFor(date, slots, loc)
	view := dayView{
		Date:   date.String(),
		Status: string(dayStatus),
		Slots:  make([]slotView, 0, len(slots)),
	}
	for i := range slots {
		view.Slots = append(view.Slots, newSlotView(&slots[i]))
	}

	if s.deps.Renderer != nil {
		opts := s.syncOptions(accountID)
		view.Status = s.deps.Renderer.DayStatusLabel(dayStatus)
		view.Lines = s.deps.Renderer.DayLines(slots, render.LineOptions{
			Highlight:     opts.HighlightChanges,
			HideCancelled: opts.HideCancelled,
		})
	}

	writeJSON(w, http.StatusOK, view)
}

// handleGetHomework handles GET /students/{slug}/homework.
func (s *Server) handleGetHomework(w http.ResponseWriter, r *http.Request) {
	snap, _, ok := s.findStudent(w, r)
	if !ok {
		return
	}

	now := time.Now()
	loc := timeutil.BerlinTZ()
	views := make([]homeworkView, 0, len(snap.Homework))
	for i := range snap.Homework {
		views = append(views, newHomeworkView(&snap.Homework[i], now, loc))
	}

	writeJSONWithMeta(w, r, http.StatusOK, map[string]interface{}{
		"slug":     snap.Slug,
		"homework": views,
		"open":     len(homework.Open(snap.Homework)),
	}, &ResponseMeta{TotalCount: len(views)})
}

// handleGetGrades handles GET /students/{slug}/grades.
func (s *Server) handleGetGrades(w http.ResponseWriter, r *http.Request) {
	snap, _, ok := s.findStudent(w, r)
	if !ok {
		return
	}

	report := &snap.Report
	averages := report.SubjectAverages()
	subjectViews := make([]subjectAverageView, 0, len(averages))
	for _, avg := range averages {
		subjectViews = append(subjectViews, subjectAverageView{
			SubjectID: avg.SubjectID,
			Subject:   avg.SubjectName,
			Average:   avg.Average,
			Count:     avg.Count,
		})
	}

	gradeViews := make([]gradeView, 0, len(report.Grades))
	for i := range report.Grades {
		g := &report.Grades[i]
		name := g.SubjectName
		if resolved := report.SubjectName(g.SubjectID); resolved != "" {
			name = resolved
		}
		gradeViews = append(gradeViews, newGradeView(g, name))
	}

	writeJSONWithMeta(w, r, http.StatusOK, map[string]interface{}{
		"slug":            snap.Slug,
		"overall_average": report.OverallAverage(),
		"subjects":        subjectViews,
		"grades":          gradeViews,
	}, &ResponseMeta{TotalCount: len(gradeViews)})
}

// handleGetExams handles GET /students/{slug}/exams.
func (s *Server) handleGetExams(w http.ResponseWriter, r *http.Request) {
	snap, _, ok := s.findStudent(w, r)
	if !ok {
		return
	}

	now := time.Now()
	loc := timeutil.BerlinTZ()
	views := make([]examView, 0, len(snap.Exams))
	for i := range snap.Exams {
		views = append(views, newExamView(&snap.Exams[i], now, loc))
	}

	data := map[string]interface{}{
		"slug":  snap.Slug,
		"exams": views,
	}
	if days, ok := exams.DaysUntilNext(snap.Exams, now, loc); ok {
		data["days_until_next"] = days
	}

	writeJSONWithMeta(w, r, http.StatusOK, data, &ResponseMeta{TotalCount: len(views)})
}

// ══════════════════════════════════════════════════════════════════════════════
// CALENDAR & CHANGE FEED HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleCalendar handles GET /students/{slug}/calendar.ics.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	snap, accountID, ok := s.findStudent(w, r)
	if !ok {
		return
	}

	opts := s.syncOptions(accountID)
	body, err := ics.Build(snap, ics.Options{
		// Cancelled slots stay visible whenever highlighting marks them.
		HideCancelled: opts.HideCancelled && !opts.HighlightChanges,
	})
	if err != nil {
		s.logger.Error("calendar build failed", "slug", snap.Slug, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Failed to build calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", snap.Slug+".ics"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleGetChanges handles GET /changes with an optional account filter.
func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Snapshot store not configured")
		return
	}

	accounts := s.deps.Store.Accounts()
	filtered := getQueryParam(r, "account", "")
	if filtered != "" {
		accounts = []string{filtered}
	}

	feeds := make([]changeFeedView, 0, len(accounts))
	for _, accountID := range accounts {
		snap, ok := s.deps.Store.Latest(accountID)
		if !ok {
			if filtered != "" {
				writeJSONError(w, http.StatusNotFound, "not_found", "No snapshot published for account")
				return
			}
			continue
		}
		feeds = append(feeds, newChangeFeedView(snap))
	}

	writeJSONWithMeta(w, r, http.StatusOK,
		map[string]interface{}{"accounts": feeds},
		&ResponseMeta{TotalCount: len(feeds)})
}

// ══════════════════════════════════════════════════════════════════════════════
// REFRESH TRIGGER
// ══════════════════════════════════════════════════════════════════════════════

// handleTriggerRefresh handles POST /refresh. The account comes from the
// "account" query parameter or a JSON body; with a single registered
// account it may be omitted. The cycle runs synchronously.
func (s *Server) handleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresher == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Refresh coordinator not configured")
		return
	}

	accountID := getQueryParam(r, "account", "")
	if accountID == "" {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err == nil && len(raw) > 0 {
			var body struct {
				AccountID string `json:"account_id"`
			}
			if err := json.Unmarshal(raw, &body); err != nil {
				writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload", err.Error())
				return
			}
			accountID = body.AccountID
		}
	}

	if accountID == "" {
		ids := s.deps.Refresher.AccountIDs()
		switch len(ids) {
		case 1:
			accountID = ids[0]
		case 0:
			writeJSONError(w, http.StatusNotFound, "account_not_found", "No accounts registered")
			return
		default:
			writeJSONError(w, http.StatusBadRequest, "invalid_request",
				"Multiple accounts registered, pass ?account= or a JSON body with account_id")
			return
		}
	}

	if err := s.deps.Refresher.TriggerManualRefresh(r.Context(), accountID); err != nil {
		s.writeRefreshError(w, accountID, err)
		return
	}

	status, err := s.deps.Refresher.StatusFor(accountID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": accountID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": accountID, "status": status})
}

// writeRefreshError maps refresh gate errors onto HTTP statuses.
func (s *Server) writeRefreshError(w http.ResponseWriter, accountID string, err error) {
	switch {
	case errors.Is(err, shared.ErrRefreshInProgress):
		writeJSONError(w, http.StatusConflict, "refresh_in_progress", "A refresh for this account is already running")

	case errors.Is(err, shared.ErrCooldownActive):
		retry := 60
		if status, serr := s.deps.Refresher.StatusFor(accountID); serr == nil {
			if secs := int(status.CooldownRemaining.Round(time.Second).Seconds()); secs > 0 {
				retry = secs
			}
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSONErrorWithDetails(w, http.StatusTooManyRequests, "cooldown_active",
			"Manual refresh is cooling down", fmt.Sprintf("retry in %ds", retry))

	case errors.Is(err, shared.ErrAccountNotFound):
		writeJSONError(w, http.StatusNotFound, "account_not_found", "Account not registered")

	default:
		s.logger.Error("manual refresh failed", "account_id", accountID, "error", err)
		writeJSONErrorWithDetails(w, http.StatusBadGateway, "refresh_failed", "Refresh cycle failed", err.Error())
	}
}
