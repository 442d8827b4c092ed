package refresh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

// fakeSessions issues tokens for the test school without talking to a portal.
type fakeSessions struct {
	mu       sync.Mutex
	calls    int
	err      error
	students []*student.Student
	tokens   int
}

func (f *fakeSessions) EnsureAuthenticated(_ context.Context, acc *student.Account, _ string) ([]shared.SchoolID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	now := time.Now()
	if len(acc.Memberships) == 0 {
		f.tokens++
		acc.UpsertMembership(student.SchoolMembership{
			SchoolID:    shared.SchoolID(382),
			Label:       "Gymnasium Musterstadt",
			Students:    f.students,
			Token:       fmt.Sprintf("tok-%d", f.tokens),
			TokenExpiry: now.Add(time.Hour),
			LoggedInAt:  now,
		})
		return []shared.SchoolID{shared.SchoolID(382)}, nil
	}

	var renewed []shared.SchoolID
	for i := range acc.Memberships {
		m := &acc.Memberships[i]
		if m.HasToken(now) {
			continue
		}
		f.tokens++
		m.Token = fmt.Sprintf("tok-%d", f.tokens)
		m.TokenExpiry = now.Add(time.Hour)
		renewed = append(renewed, m.SchoolID)
	}
	return renewed, nil
}

func (f *fakeSessions) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeGateway serves canned domain data and counts fetches per category.
type fakeGateway struct {
	mu        sync.Mutex
	calls     map[snapshot.Category]int
	errs      map[snapshot.Category]error
	lastWeeks int

	// expiredToken makes any fetch with this token fail like a 401.
	// expireAlways rejects every token, fresh ones included.
	expiredToken string
	expireAlways bool

	lessons  []schedule.LessonSlot
	events   []schedule.SchoolEvent
	exams    []exams.Exam
	homework []homework.Item
	report   *grades.Report

	// block, when set, parks LoadSchedule until released or the context
	// ends; started is closed as soon as the first fetch begins.
	block     chan struct{}
	started   chan struct{}
	startOnce sync.Once
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls: make(map[snapshot.Category]int),
		errs:  make(map[snapshot.Category]error),
	}
}

func (f *fakeGateway) record(c snapshot.Category, token string) error {
	f.mu.Lock()
	f.calls[c]++
	err := f.errs[c]
	expired := f.expireAlways || (f.expiredToken != "" && token == f.expiredToken)
	f.mu.Unlock()

	if expired {
		return shared.ErrSessionExpired
	}
	return err
}

func (f *fakeGateway) count(c snapshot.Category) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[c]
}

func (f *fakeGateway) setErr(c snapshot.Category, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, c)
	} else {
		f.errs[c] = err
	}
}

func (f *fakeGateway) LoadSchedule(ctx context.Context, req FetchRequest) ([]schedule.LessonSlot, []schedule.SchoolEvent, error) {
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.lastWeeks = req.Weeks
	f.mu.Unlock()

	if err := f.record(snapshot.CategorySchedule, req.Token); err != nil {
		return nil, nil, err
	}
	return f.lessons, f.events, nil
}

func (f *fakeGateway) LoadExams(_ context.Context, req FetchRequest) ([]exams.Exam, error) {
	if err := f.record(snapshot.CategoryExams, req.Token); err != nil {
		return nil, err
	}
	return f.exams, nil
}

func (f *fakeGateway) LoadHomework(_ context.Context, req FetchRequest) ([]homework.Item, error) {
	if err := f.record(snapshot.CategoryHomework, req.Token); err != nil {
		return nil, err
	}
	return f.homework, nil
}

func (f *fakeGateway) LoadGrades(_ context.Context, req FetchRequest) (*grades.Report, error) {
	if err := f.record(snapshot.CategoryGrades, req.Token); err != nil {
		return nil, err
	}
	return f.report, nil
}

// captureBus records published events in order, synchronously.
type captureBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func (b *captureBus) Publish(ev shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *captureBus) Subscribe(shared.EventType, shared.EventHandler) error { return nil }
func (b *captureBus) SubscribeAll(shared.EventHandler) error                { return nil }

func (b *captureBus) byType(t shared.EventType) []shared.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []shared.Event
	for _, ev := range b.events {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

func (b *captureBus) indexOf(t shared.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ev := range b.events {
		if ev.EventType() == t {
			return i
		}
	}
	return -1
}

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

func fixtureStudent(t *testing.T) *student.Student {
	t.Helper()
	s, err := student.NewStudent(student.NewStudentParams{
		ID: 4711, SchoolID: 382, ClassID: 7,
		FirstName: "Jonas", LastName: "Müller",
	})
	require.NoError(t, err)
	return s
}

func fixtureLesson(t *testing.T, date string, hour int, subject string, kind schedule.Kind) schedule.LessonSlot {
	t.Helper()
	slot, err := schedule.NewLessonSlot(shared.ISODate(date), shared.NewHourNumber(hour), subject, kind)
	require.NoError(t, err)
	return *slot
}

func fixtureHomework(t *testing.T, id int64, subject, due, text string) homework.Item {
	t.Helper()
	item, err := homework.NewItem(id, subject, shared.ISODate(due), text, false)
	require.NoError(t, err)
	return *item
}

func fixtureGrade(t *testing.T, raw string) grades.Grade {
	t.Helper()
	g, err := grades.NewGrade(801, "Deutsch", "Klassenarbeit", raw, shared.ISODate("2026-08-20"), "Aufsatz")
	require.NoError(t, err)
	return *g
}

func fixtureExam(t *testing.T) exams.Exam {
	t.Helper()
	e, err := exams.NewExam(31, "Englisch", shared.ISODate("2026-09-10"),
		shared.NewHourNumber(3), shared.NewHourNumber(4), "Unit 1 Vokabeln")
	require.NoError(t, err)
	return *e
}

type testRig struct {
	coordinator *Coordinator
	sessions    *fakeSessions
	gateway     *fakeGateway
	store       *memory.SnapshotStore
	bus         *captureBus
	account     *student.Account
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	st := fixtureStudent(t)
	sessions := &fakeSessions{students: []*student.Student{st}}

	gateway := newFakeGateway()
	gateway.lessons = []schedule.LessonSlot{
		fixtureLesson(t, "2026-09-03", 1, "Mathematik", schedule.KindRegular),
		fixtureLesson(t, "2026-09-03", 2, "Deutsch", schedule.KindRegular),
	}
	gateway.homework = []homework.Item{
		fixtureHomework(t, 1201, "Mathematik", "2026-09-04", "S. 42 Nr. 3-7"),
	}
	gateway.report = &grades.Report{Grades: []grades.Grade{fixtureGrade(t, "2")}}
	gateway.exams = []exams.Exam{fixtureExam(t)}

	store := memory.NewSnapshotStore()
	bus := &captureBus{}

	acc, err := student.NewAccount("fam-mueller", "eltern@example.de")
	require.NoError(t, err)

	c := NewCoordinator(sessions, gateway, store, bus, nil, nil, DefaultCoordinatorConfig())
	require.NoError(t, c.Register(acc, "geheim"))

	return &testRig{coordinator: c, sessions: sessions, gateway: gateway, store: store, bus: bus, account: acc}
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestCoordinator_FirstCycleSeedsBaseline(t *testing.T) {
	rig := newTestRig(t)

	err := rig.coordinator.RunScheduledRefresh(context.Background(), "fam-mueller")
	require.NoError(t, err)

	snap, ok := rig.store.Latest("fam-mueller")
	require.True(t, ok)
	require.Len(t, snap.Students, 1)

	ss, ok := snap.Student(shared.StudentKey{SchoolID: 382, StudentID: 4711})
	require.True(t, ok)
	assert.Len(t, ss.Lessons, 2)
	assert.Len(t, ss.Homework, 1)
	assert.Len(t, ss.Report.Grades, 1)
	assert.Len(t, ss.Exams, 1)

	require.NotNil(t, snap.Changes)
	assert.True(t, snap.Changes.FirstRefresh)

	// Baseline cycles report nothing as new.
	assert.Empty(t, rig.bus.byType(shared.EventHomeworkDetected))
	assert.Empty(t, rig.bus.byType(shared.EventGradeDetected))

	require.Len(t, rig.bus.byType(shared.EventRefreshCompleted), 1)
	completed := rig.bus.byType(shared.EventRefreshCompleted)[0].(shared.RefreshCompletedEvent)
	assert.Equal(t, snap.CycleID, completed.CycleID)
	assert.Zero(t, completed.NewHomework)
	assert.Equal(t, 1, completed.Students)

	// First contact logs the school in.
	assert.Len(t, rig.bus.byType(shared.EventSessionRenewed), 1)

	status, err := rig.coordinator.StatusFor("fam-mueller")
	require.NoError(t, err)
	assert.True(t, status.Available)
	assert.False(t, status.InFlight)
	assert.Equal(t, snap.CycleID, status.LastCycleID)
	assert.Empty(t, status.LastError)
}

func TestCoordinator_SecondCycleDetectsChanges(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"))

	// A new homework item and a cancellation appear.
	rig.gateway.mu.Lock()
	rig.gateway.homework = append(rig.gateway.homework,
		fixtureHomework(t, 1202, "Deutsch", "2026-09-05", "Gedicht auswendig lernen"))
	rig.gateway.lessons = []schedule.LessonSlot{
		fixtureLesson(t, "2026-09-03", 1, "Mathematik", schedule.KindCancelled),
		fixtureLesson(t, "2026-09-03", 2, "Deutsch", schedule.KindRegular),
	}
	rig.gateway.mu.Unlock()

	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"))

	snap, ok := rig.store.Latest("fam-mueller")
	require.True(t, ok)
	assert.False(t, snap.Changes.FirstRefresh)

	hwEvents := rig.bus.byType(shared.EventHomeworkDetected)
	require.Len(t, hwEvents, 1)
	hw := hwEvents[0].(shared.HomeworkDetectedEvent)
	assert.Equal(t, "Deutsch", hw.Subject)
	assert.Equal(t, snap.CycleID, hw.CorrelationID, "change events carry the cycle id")

	slotEvents := rig.bus.byType(shared.EventScheduleChanged)
	require.Len(t, slotEvents, 1)
	slot := slotEvents[0].(shared.ScheduleChangedEvent)
	assert.Equal(t, "regular", slot.FromKind)
	assert.Equal(t, "cancelled", slot.ToKind)
	assert.Equal(t, 1, slot.HourNumber)

	// Change events flush after the snapshot publishes, before the
	// completion event.
	assert.Less(t, rig.bus.indexOf(shared.EventHomeworkDetected),
		rig.bus.indexOf(shared.EventRefreshCompleted))

	completed := rig.bus.byType(shared.EventRefreshCompleted)[1].(shared.RefreshCompletedEvent)
	assert.Equal(t, 1, completed.NewHomework)
	assert.Equal(t, 1, completed.SlotChanges)
	assert.Zero(t, completed.NewGrades)
}

func TestCoordinator_ManualCooldownGate(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.coordinator.TriggerManualRefresh(ctx, "fam-mueller"))
	assert.Equal(t, 1, rig.gateway.count(snapshot.CategorySchedule))

	err := rig.coordinator.TriggerManualRefresh(ctx, "fam-mueller")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrCooldownActive)
	assert.True(t, shared.IsRejectedTrigger(err))

	// The rejected trigger fetched nothing.
	assert.Equal(t, 1, rig.gateway.count(snapshot.CategorySchedule))
	assert.Equal(t, 1, rig.gateway.count(snapshot.CategoryGrades))

	// Scheduled cycles ignore the cooldown.
	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"))
	assert.Equal(t, 2, rig.gateway.count(snapshot.CategorySchedule))

	status, err := rig.coordinator.StatusFor("fam-mueller")
	require.NoError(t, err)
	assert.Greater(t, status.CooldownRemaining, time.Duration(0))
}

func TestCoordinator_ConcurrentTriggerRejected(t *testing.T) {
	rig := newTestRig(t)
	rig.gateway.block = make(chan struct{})
	rig.gateway.started = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- rig.coordinator.RunScheduledRefresh(context.Background(), "fam-mueller")
	}()

	<-rig.gateway.started

	err := rig.coordinator.TriggerManualRefresh(context.Background(), "fam-mueller")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrRefreshInProgress)

	close(rig.gateway.block)
	require.NoError(t, <-done)

	status, err := rig.coordinator.StatusFor("fam-mueller")
	require.NoError(t, err)
	assert.False(t, status.InFlight)
}

func TestCoordinator_CategoryFailureCarriesOver(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"))

	rig.gateway.setErr(snapshot.CategoryGrades, shared.ErrPortalUnreachable)
	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"),
		"one broken category must not fail the cycle")

	snap, ok := rig.store.Latest("fam-mueller")
	require.True(t, ok)
	ss, ok := snap.Student(shared.StudentKey{SchoolID: 382, StudentID: 4711})
	require.True(t, ok)

	assert.True(t, ss.HasCategoryError(snapshot.CategoryGrades))
	assert.Len(t, ss.Report.Grades, 1, "failed category keeps the previous data")
	assert.Len(t, ss.Lessons, 2, "healthy categories refreshed normally")

	completed := rig.bus.byType(shared.EventRefreshCompleted)[1].(shared.RefreshCompletedEvent)
	require.Len(t, completed.FailedReports, 1)
	assert.Contains(t, completed.FailedReports[0], "grades")

	status, err := rig.coordinator.StatusFor("fam-mueller")
	require.NoError(t, err)
	assert.True(t, status.Available)
}

func TestCoordinator_AllFetchesFailedKeepsLastKnownGood(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"))
	first, ok := rig.store.Latest("fam-mueller")
	require.True(t, ok)

	for _, c := range snapshot.AllCategories() {
		rig.gateway.setErr(c, shared.ErrPortalUnreachable)
	}

	err := rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller")
	require.Error(t, err)

	current, ok := rig.store.Latest("fam-mueller")
	require.True(t, ok)
	assert.Equal(t, first.CycleID, current.CycleID, "last known good stays published")

	status, serr := rig.coordinator.StatusFor("fam-mueller")
	require.NoError(t, serr)
	assert.False(t, status.Available)
	assert.NotEmpty(t, status.LastError)

	require.Len(t, rig.bus.byType(shared.EventRefreshFailed), 1)
}

func TestCoordinator_SessionExpiredEarnsOneRelogin(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"))
	require.Equal(t, 1, rig.sessions.callCount(),
		"discovery happens inside the single cycle-start call")

	// The portal rejects the current token; the fresh one works.
	rig.gateway.mu.Lock()
	rig.gateway.expiredToken = rig.account.Memberships[0].Token
	rig.gateway.mu.Unlock()

	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"))

	// One extra session call at the cycle start, one for the re-login.
	assert.Equal(t, 3, rig.sessions.callCount())

	snap, ok := rig.store.Latest("fam-mueller")
	require.True(t, ok)
	ss, ok := snap.Student(shared.StudentKey{SchoolID: 382, StudentID: 4711})
	require.True(t, ok)
	assert.Len(t, ss.Lessons, 2, "fetch replayed with the fresh token")
	assert.False(t, ss.HasCategoryError(snapshot.CategorySchedule))
}

func TestCoordinator_FreshSessionRejectedAbortsCycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.gateway.mu.Lock()
	rig.gateway.expireAlways = true
	rig.gateway.mu.Unlock()

	err := rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller")
	require.Error(t, err)
	assert.True(t, shared.IsAuthentication(err))

	_, ok := rig.store.Latest("fam-mueller")
	assert.False(t, ok, "nothing published")
	require.Len(t, rig.bus.byType(shared.EventRefreshFailed), 1)
}

func TestCoordinator_AuthFailureFailsCycle(t *testing.T) {
	rig := newTestRig(t)
	rig.sessions.err = shared.ErrAuthenticationFailed

	err := rig.coordinator.RunScheduledRefresh(context.Background(), "fam-mueller")
	require.Error(t, err)
	assert.True(t, shared.IsAuthentication(err))

	status, serr := rig.coordinator.StatusFor("fam-mueller")
	require.NoError(t, serr)
	assert.False(t, status.Available)

	assert.Zero(t, rig.gateway.count(snapshot.CategorySchedule))
}

func TestCoordinator_UnknownAccount(t *testing.T) {
	rig := newTestRig(t)

	err := rig.coordinator.TriggerManualRefresh(context.Background(), "unbekannt")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrAccountNotFound)
}

func TestCoordinator_RegisterRejectsDuplicates(t *testing.T) {
	rig := newTestRig(t)

	acc, err := student.NewAccount("fam-mueller", "nochmal@example.de")
	require.NoError(t, err)
	require.Error(t, rig.coordinator.Register(acc, "pw"))

	assert.Equal(t, []string{"fam-mueller"}, rig.coordinator.AccountIDs())
}

func TestCoordinator_UpdateOptions(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	bad := student.DefaultSyncOptions()
	bad.WeeksAhead = 9
	err := rig.coordinator.UpdateOptions("fam-mueller", bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, student.ErrInvalidOptions)

	good := student.DefaultSyncOptions()
	good.WeeksAhead = 3
	good.CooldownMinutes = 10
	good.FetchGrades = false
	require.NoError(t, rig.coordinator.UpdateOptions("fam-mueller", good))

	require.NoError(t, rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller"))

	rig.gateway.mu.Lock()
	weeks := rig.gateway.lastWeeks
	rig.gateway.mu.Unlock()
	assert.Equal(t, 3, weeks)
	assert.Zero(t, rig.gateway.count(snapshot.CategoryGrades), "disabled category never fetched")

	status, err := rig.coordinator.StatusFor("fam-mueller")
	require.NoError(t, err)
	assert.Equal(t, 600, status.CooldownSeconds)
}

func TestCoordinator_AbandonedCycleNeverPublishes(t *testing.T) {
	rig := newTestRig(t)
	rig.gateway.block = make(chan struct{})
	rig.gateway.started = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rig.coordinator.RunScheduledRefresh(ctx, "fam-mueller")
	}()

	<-rig.gateway.started
	cancel()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := rig.store.Latest("fam-mueller")
	assert.False(t, ok)
	assert.Empty(t, rig.bus.byType(shared.EventHomeworkDetected))
}

func TestCoordinator_StartRunsInitialPass(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.coordinator.Start(context.Background()))

	_, ok := rig.store.Latest("fam-mueller")
	assert.True(t, ok)
}

func TestCoordinator_StartToleratesFailingAccount(t *testing.T) {
	rig := newTestRig(t)
	rig.sessions.err = shared.ErrAuthenticationFailed

	require.NoError(t, rig.coordinator.Start(context.Background()),
		"a broken account must not abort startup")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rig.coordinator.Start(ctx), context.Canceled)
}
