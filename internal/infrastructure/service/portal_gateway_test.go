package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulhub/schulsync/internal/application/refresh"
	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/student"
	"github.com/schulhub/schulsync/internal/infrastructure/external/schulmanager"
)

// fakePortal answers /api/calls with canned data per module/endpoint pair
// and counts how often each pair was hit.
type fakePortal struct {
	server *httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	data   map[string]string
	status map[string]int
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	p := &fakePortal{
		hits:   make(map[string]int),
		data:   make(map[string]string),
		status: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><script src="/assets/app.js"></script></head></html>`)
	})
	mux.HandleFunc("/assets/app.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `var config={bundleVersion:"feedc0de42"};`)
	})
	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		var envelope schulmanager.CallEnvelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil || len(envelope.Requests) == 0 {
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}
		key := envelope.Requests[0].ModuleName + "/" + envelope.Requests[0].EndpointName

		p.mu.Lock()
		p.hits[key]++
		payload, ok := p.data[key]
		status := p.status[key]
		p.mu.Unlock()

		if status != 0 {
			fmt.Fprintf(w, `{"results":[{"status":%d}]}`, status)
			return
		}
		if !ok {
			fmt.Fprint(w, `{"results":[{"status":200,"data":[]}]}`)
			return
		}
		fmt.Fprintf(w, `{"results":[{"status":200,"data":%s}]}`, payload)
	})

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePortal) respond(module, endpoint, dataJSON string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[module+"/"+endpoint] = dataJSON
}

func (p *fakePortal) fail(module, endpoint string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[module+"/"+endpoint] = status
}

func (p *fakePortal) count(module, endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[module+"/"+endpoint]
}

// fakeSubjectCache is an in-memory SubjectCache with call counters.
type fakeSubjectCache struct {
	mu          sync.Mutex
	catalog     map[string][]grades.Subject
	sets        int
	invalidates int
}

func newFakeSubjectCache() *fakeSubjectCache {
	return &fakeSubjectCache{catalog: make(map[string][]grades.Subject)}
}

func (c *fakeSubjectCache) Get(_ context.Context, key shared.StudentKey) ([]grades.Subject, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subjects, ok := c.catalog[key.String()]
	return subjects, ok
}

func (c *fakeSubjectCache) Set(_ context.Context, key shared.StudentKey, subjects []grades.Subject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog[key.String()] = subjects
	c.sets++
}

func (c *fakeSubjectCache) Invalidate(_ context.Context, key shared.StudentKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.catalog, key.String())
	c.invalidates++
}

func newPortalClient(p *fakePortal) *schulmanager.Client {
	config := schulmanager.DefaultClientConfig(p.server.URL)
	config.RetryConfig = schulmanager.RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	config.RateLimiterConfig = schulmanager.RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstSize:         100,
		MinInterval:       0,
		WaitTimeout:       time.Second,
		RetryAfter:        time.Millisecond,
	}
	return schulmanager.NewClient(config)
}

type gatewayRig struct {
	portal  *fakePortal
	cache   *fakeSubjectCache
	gateway *PortalGatewayAdapter
	student *student.Student
}

func newGatewayRig(t *testing.T, dumps *DumpWriter) *gatewayRig {
	t.Helper()

	portal := newFakePortal(t)
	cache := newFakeSubjectCache()

	st, err := student.NewStudent(student.NewStudentParams{
		ID:        4711,
		SchoolID:  382,
		ClassID:   7,
		FirstName: "Jonas",
		LastName:  "Müller",
	})
	require.NoError(t, err)

	gateway := NewPortalGatewayAdapter(newPortalClient(portal), schulmanager.NewMapper(), cache, dumps, nil)
	return &gatewayRig{portal: portal, cache: cache, gateway: gateway, student: st}
}

func (r *gatewayRig) request() refresh.FetchRequest {
	return refresh.FetchRequest{
		Token:   "tok-1",
		Student: r.student,
		Weeks:   2,
		Now:     time.Date(2026, 8, 31, 7, 0, 0, 0, time.UTC),
	}
}

const gatewayLessonsJSON = `[
	{
		"type": "regularLesson",
		"date": "2026-08-31",
		"classHour": {"number": 1},
		"actualLesson": {
			"subject": {"id": 5, "name": "Mathematik", "abbreviation": "M"},
			"room": {"name": "204"},
			"teachers": [{"abbreviation": "KRA"}]
		}
	},
	{"type": "event", "date": "2026-09-02", "comment": "Projekttag"}
]`

const gatewayGradingJSON = `{
	"courses": [{"id": 301, "subjectId": 7, "name": "Mathe GK"}],
	"typePresets": [{"gradeType": {"id": 1, "name": "Klassenarbeit"}}],
	"gradingEvents": [
		{"courseId": 301, "gradeTypeId": 1, "date": "2026-08-20", "topic": "Terme", "grades": [{"value": "2+"}]}
	]
}`

const gatewaySubjectsJSON = `[{"id": 7, "name": "Mathematik", "abbreviation": "M"}]`

func TestPortalGateway_LoadSchedule(t *testing.T) {
	rig := newGatewayRig(t, nil)
	rig.portal.respond("schedules", "get-actual-lessons", gatewayLessonsJSON)

	slots, events, err := rig.gateway.LoadSchedule(context.Background(), rig.request())

	require.NoError(t, err)
	require.Len(t, slots, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "Mathematik", slots[0].Subject)
	assert.Equal(t, 1, slots[0].Hour.Int())
	assert.Equal(t, "Projekttag", events[0].Title)
}

func TestPortalGateway_LoadHomework_SortsByDueDate(t *testing.T) {
	rig := newGatewayRig(t, nil)
	rig.portal.respond("classbook", "get-homework", `[
		{"id": 2, "date": "2026-09-10", "subject": "Englisch", "homework": "Vokabeln"},
		{"id": 1, "date": "2026-09-03", "subject": "Deutsch", "homework": "Aufsatz"}
	]`)

	items, err := rig.gateway.LoadHomework(context.Background(), rig.request())

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Deutsch", items[0].Subject)
	assert.Equal(t, "Englisch", items[1].Subject)
}

func TestPortalGateway_LoadExams_SortsByDate(t *testing.T) {
	rig := newGatewayRig(t, nil)
	rig.portal.respond("exams", "get-exams", `[
		{"id": 32, "date": "2026-10-01", "subject": {"name": "Physik"}},
		{"id": 31, "date": "2026-09-10", "subject": {"name": "Englisch"}}
	]`)

	list, err := rig.gateway.LoadExams(context.Background(), rig.request())

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Englisch", list[0].Subject)
	assert.Equal(t, "Physik", list[1].Subject)
}

func TestPortalGateway_LoadGrades_FetchesCatalogOnceAndCaches(t *testing.T) {
	rig := newGatewayRig(t, nil)
	rig.portal.respond("grades", "get-grading-information-for-student", gatewayGradingJSON)
	rig.portal.respond("grades", "poqa", gatewaySubjectsJSON)

	report, err := rig.gateway.LoadGrades(context.Background(), rig.request())

	require.NoError(t, err)
	require.Len(t, report.Grades, 1)
	assert.Equal(t, "Mathematik", report.Grades[0].SubjectName)
	assert.Equal(t, 1, rig.portal.count("grades", "poqa"))
	assert.Equal(t, 1, rig.cache.sets)

	// Second load joins against the cached catalog, no second subject fetch.
	report, err = rig.gateway.LoadGrades(context.Background(), rig.request())

	require.NoError(t, err)
	assert.Equal(t, "Mathematik", report.Grades[0].SubjectName)
	assert.Equal(t, 1, rig.portal.count("grades", "poqa"))
	assert.Equal(t, 1, rig.cache.sets, "cache hit must not rewrite the catalog")
}

func TestPortalGateway_LoadGrades_StaleCatalogRefetched(t *testing.T) {
	rig := newGatewayRig(t, nil)
	rig.portal.respond("grades", "get-grading-information-for-student", gatewayGradingJSON)
	rig.portal.respond("grades", "poqa", gatewaySubjectsJSON)

	// Cached catalog knows nothing about subject 7, so the report's course
	// cannot be joined against it.
	stale, err := grades.NewSubject(99, "Altes Fach", "AF")
	require.NoError(t, err)
	rig.cache.Set(context.Background(), rig.student.Key(), []grades.Subject{*stale})

	report, err := rig.gateway.LoadGrades(context.Background(), rig.request())

	require.NoError(t, err)
	assert.Equal(t, "Mathematik", report.Grades[0].SubjectName)
	assert.Equal(t, 1, rig.cache.invalidates)
	assert.Equal(t, 1, rig.portal.count("grades", "poqa"))

	cached, ok := rig.cache.Get(context.Background(), rig.student.Key())
	require.True(t, ok)
	require.Len(t, cached, 1)
	assert.Equal(t, int64(7), cached[0].ID)
}

func TestPortalGateway_SessionExpiryPassesThrough(t *testing.T) {
	rig := newGatewayRig(t, nil)
	rig.portal.fail("schedules", "get-actual-lessons", http.StatusUnauthorized)

	_, _, err := rig.gateway.LoadSchedule(context.Background(), rig.request())

	require.Error(t, err)
	assert.True(t, shared.IsSessionExpired(err))
}

func TestPortalGateway_WritesDumpsOnRequest(t *testing.T) {
	dir := t.TempDir()
	rig := newGatewayRig(t, NewDumpWriter(dir, nil))
	rig.portal.respond("schedules", "get-actual-lessons", gatewayLessonsJSON)
	rig.portal.respond("grades", "get-grading-information-for-student", gatewayGradingJSON)
	rig.portal.respond("grades", "poqa", gatewaySubjectsJSON)

	req := rig.request()
	req.Dump = true

	_, _, err := rig.gateway.LoadSchedule(context.Background(), req)
	require.NoError(t, err)
	_, err = rig.gateway.LoadGrades(context.Background(), req)
	require.NoError(t, err)

	for _, name := range []string{
		"lessons_response_jonas_mueller.json",
		"grades_response_jonas_mueller.json",
		"subjects_response_jonas_mueller.json",
	} {
		_, statErr := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, statErr, name)
	}
}

func TestPortalGateway_NoDumpsWithoutRequest(t *testing.T) {
	dir := t.TempDir()
	rig := newGatewayRig(t, NewDumpWriter(dir, nil))
	rig.portal.respond("schedules", "get-actual-lessons", gatewayLessonsJSON)

	_, _, err := rig.gateway.LoadSchedule(context.Background(), rig.request())
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
