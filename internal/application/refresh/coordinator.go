// Package refresh contains the coordinator that drives sync cycles: one
// state machine per account, the cycle pipeline from session to published
// snapshot, and the gates that keep manual triggers honest.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schulhub/schulsync/internal/domain/exams"
	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/homework"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/snapshot"
	"github.com/schulhub/schulsync/internal/domain/student"
	"github.com/schulhub/schulsync/internal/infrastructure/messaging"
)

// ══════════════════════════════════════════════════════════════════════════════
// REFRESH COORDINATOR
// Runs the cycle: ensure session -> fetch per student and category -> merge ->
// diff -> publish snapshot -> flush change events. Cycles of one account never
// overlap; cycles of different accounts are independent.
// ══════════════════════════════════════════════════════════════════════════════

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES (Interfaces)
// ══════════════════════════════════════════════════════════════════════════════

// SessionManager brings an account's school memberships to valid tokens.
// Implemented by schulmanager.Authenticator.
type SessionManager interface {
	// EnsureAuthenticated logs in where needed and returns the IDs of the
	// schools that were freshly logged in during this call.
	EnsureAuthenticated(ctx context.Context, acc *student.Account, password string) ([]shared.SchoolID, error)
}

// FetchRequest carries the parameters of one category fetch.
type FetchRequest struct {
	// Token is the session token of the student's school membership.
	Token string

	// Student whose data is fetched.
	Student *student.Student

	// Weeks is the timetable lookahead; only LoadSchedule reads it.
	Weeks int

	// Now anchors the fetch windows.
	Now time.Time

	// Dump requests a redacted payload dump for debugging.
	Dump bool
}

// PortalGateway fetches one category and returns it normalized to domain
// entities. Implementations adapt the portal client and mapper; records the
// mapper rejects are skipped there, a category error here means the whole
// fetch failed.
type PortalGateway interface {
	LoadSchedule(ctx context.Context, req FetchRequest) ([]schedule.LessonSlot, []schedule.SchoolEvent, error)
	LoadExams(ctx context.Context, req FetchRequest) ([]exams.Exam, error)
	LoadHomework(ctx context.Context, req FetchRequest) ([]homework.Item, error)
	LoadGrades(ctx context.Context, req FetchRequest) (*grades.Report, error)
}

// Summarizer renders the localized per-category change summaries that are
// stored alongside a published snapshot. It runs after the diff has been
// attached, so both the fresh data and the ChangeSet are visible. Optional;
// without one the snapshot carries the structured ChangeSet only.
type Summarizer interface {
	Summarize(snap *snapshot.AccountSnapshot) map[string][]string
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// CoordinatorConfig contains configuration for the coordinator.
type CoordinatorConfig struct {
	// CycleTimeout caps the duration of a single refresh cycle.
	CycleTimeout time.Duration
}

// DefaultCoordinatorConfig returns sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CycleTimeout: 5 * time.Minute,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ACCOUNT STATUS
// ══════════════════════════════════════════════════════════════════════════════

// AccountStatus is the reportable state of one account, served on /status.
type AccountStatus struct {
	AccountID         string        `json:"account_id"`
	Login             string        `json:"login"`
	Students          int           `json:"students"`
	Available         bool          `json:"available"`
	InFlight          bool          `json:"in_flight"`
	LastAutoRefresh   time.Time     `json:"last_auto_refresh"`
	LastManualRefresh time.Time     `json:"last_manual_refresh"`
	CooldownSeconds   int           `json:"cooldown_seconds"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	LastCycleID       string        `json:"last_cycle_id,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
}

// accountRuntime is the mutable per-account state. The mutex guards the
// refresh state and the account's options; it is held only at the gate and
// the finalize step, never across the cycle body. Memberships are touched
// exclusively by the cycle itself, and cycles of one account never overlap.
type accountRuntime struct {
	mu       sync.Mutex
	account  *student.Account
	password string
	state    snapshot.RefreshState

	lastCycleID string
}

// ══════════════════════════════════════════════════════════════════════════════
// COORDINATOR
// ══════════════════════════════════════════════════════════════════════════════

// Coordinator owns the per-account refresh state machines.
type Coordinator struct {
	mu       sync.RWMutex
	accounts map[string]*accountRuntime
	order    []string

	sessions   SessionManager
	portal     PortalGateway
	store      snapshot.Store
	bus        shared.EventBus
	summarizer Summarizer
	logger     *slog.Logger
	config     CoordinatorConfig
}

// NewCoordinator creates a coordinator. The summarizer may be nil.
func NewCoordinator(
	sessions SessionManager,
	portal PortalGateway,
	store snapshot.Store,
	bus shared.EventBus,
	summarizer Summarizer,
	logger *slog.Logger,
	config CoordinatorConfig,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = DefaultCoordinatorConfig().CycleTimeout
	}

	return &Coordinator{
		accounts:   make(map[string]*accountRuntime),
		sessions:   sessions,
		portal:     portal,
		store:      store,
		bus:        bus,
		summarizer: summarizer,
		logger:     logger.With("component", "coordinator"),
		config:     config,
	}
}

// Register adds a configured account. The password stays inside the
// coordinator; it is needed again whenever a session token expires.
func (c *Coordinator) Register(acc *student.Account, password string) error {
	if acc == nil {
		return fmt.Errorf("refresh: register nil account")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.accounts[acc.ID]; exists {
		return fmt.Errorf("refresh: account %q already registered", acc.ID)
	}

	c.accounts[acc.ID] = &accountRuntime{
		account:  acc,
		password: password,
		state: snapshot.RefreshState{
			CooldownSeconds: acc.Options.CooldownMinutes * 60,
		},
	}
	c.order = append(c.order, acc.ID)

	c.logger.Info("account registered", "account_id", acc.ID, "login", acc.Login)
	return nil
}

// AccountIDs lists the registered accounts in registration order.
func (c *Coordinator) AccountIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Start runs the initial refresh pass so that data is available shortly
// after boot. Accounts are refreshed sequentially: they all share the
// portal's rate budget. Individual failures are logged, not fatal; the
// scheduler retries on its interval anyway.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, id := range c.AccountIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.RunScheduledRefresh(ctx, id); err != nil {
			c.logger.Warn("initial refresh failed", "account_id", id, "error", err)
		}
	}
	return nil
}

// RunScheduledRefresh executes one scheduled cycle. The cooldown gate does
// not apply; an in-flight cycle is rejected with ErrRefreshInProgress.
func (c *Coordinator) RunScheduledRefresh(ctx context.Context, accountID string) error {
	return c.refresh(ctx, accountID, false)
}

// TriggerManualRefresh executes one user-requested cycle, synchronously.
// Rejected with ErrCooldownActive or ErrRefreshInProgress without any side
// effect on published state.
func (c *Coordinator) TriggerManualRefresh(ctx context.Context, accountID string) error {
	return c.refresh(ctx, accountID, true)
}

// UpdateOptions applies new sync options to an account. Takes effect with
// the next cycle; a running cycle keeps the options it started with.
func (c *Coordinator) UpdateOptions(accountID string, opts student.SyncOptions) error {
	rt, err := c.runtime(accountID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.account.ApplyOptions(opts); err != nil {
		return fmt.Errorf("refresh: options for %s: %w", accountID, err)
	}
	rt.state.CooldownSeconds = opts.CooldownMinutes * 60

	c.logger.Info("sync options updated",
		"account_id", accountID,
		"weeks_ahead", opts.WeeksAhead,
		"cooldown_minutes", opts.CooldownMinutes,
	)
	return nil
}

// Options returns a copy of the account's current sync options.
func (c *Coordinator) Options(accountID string) (student.SyncOptions, error) {
	rt, err := c.runtime(accountID)
	if err != nil {
		return student.SyncOptions{}, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.account.Options, nil
}

// Status reports the state of every account in registration order.
func (c *Coordinator) Status() []AccountStatus {
	ids := c.AccountIDs()
	out := make([]AccountStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := c.StatusFor(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// StatusFor reports the state of one account.
func (c *Coordinator) StatusFor(accountID string) (AccountStatus, error) {
	rt, err := c.runtime(accountID)
	if err != nil {
		return AccountStatus{}, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	return AccountStatus{
		AccountID:         rt.account.ID,
		Login:             rt.account.Login,
		Students:          len(rt.account.AllStudents()),
		Available:         rt.state.Available,
		InFlight:          rt.state.InFlight,
		LastAutoRefresh:   rt.state.LastAutoRefresh,
		LastManualRefresh: rt.state.LastManualRefresh,
		CooldownSeconds:   rt.state.CooldownSeconds,
		CooldownRemaining: rt.state.CooldownRemaining(time.Now()),
		LastCycleID:       rt.lastCycleID,
		LastError:         rt.state.LastError,
	}, nil
}

func (c *Coordinator) runtime(accountID string) (*accountRuntime, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rt, ok := c.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("refresh: %q: %w", accountID, shared.ErrAccountNotFound)
	}
	return rt, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CYCLE
// ══════════════════════════════════════════════════════════════════════════════

// refresh runs one cycle end to end: gate, pipeline, finalize.
func (c *Coordinator) refresh(ctx context.Context, accountID string, manual bool) error {
	rt, err := c.runtime(accountID)
	if err != nil {
		return err
	}

	// Gate. A manual trigger burns its cooldown at the gate, not at
	// completion: a failing portal must not invite hammering.
	rt.mu.Lock()
	if rt.state.InFlight {
		rt.mu.Unlock()
		return fmt.Errorf("refresh: %s: %w", accountID, shared.ErrRefreshInProgress)
	}
	if manual {
		if remaining := rt.state.CooldownRemaining(time.Now()); remaining > 0 {
			rt.mu.Unlock()
			return fmt.Errorf("refresh: %s: retry in %s: %w",
				accountID, remaining.Round(time.Second), shared.ErrCooldownActive)
		}
		rt.state.LastManualRefresh = time.Now()
	}
	rt.state.InFlight = true
	opts := rt.account.Options
	rt.mu.Unlock()

	if c.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CycleTimeout)
		defer cancel()
	}

	cycleID := uuid.NewString()
	started := time.Now()

	c.logger.Info("refresh cycle started",
		"account_id", accountID, "cycle_id", cycleID, "manual", manual)
	c.publish(shared.NewRefreshStartedEvent(accountID, cycleID, manual))

	// Change events are staged per cycle and only reach consumers once the
	// snapshot they describe is actually visible.
	staged := messaging.NewStagedEventBus(c.bus)

	cycleErr := c.runCycle(ctx, rt, staged, cycleID, manual, opts, started)

	rt.mu.Lock()
	rt.state.InFlight = false
	if cycleErr != nil {
		rt.state.Available = false
		rt.state.LastError = cycleErr.Error()
	} else {
		rt.state.Available = true
		rt.state.LastError = ""
		rt.lastCycleID = cycleID
		if !manual {
			rt.state.LastAutoRefresh = time.Now()
		}
	}
	rt.mu.Unlock()

	if cycleErr != nil {
		if n := staged.Discard(); n > 0 {
			c.logger.Debug("staged change events discarded",
				"account_id", accountID, "cycle_id", cycleID, "count", n)
		}
		c.publish(shared.NewRefreshFailedEvent(
			accountID, cycleID, manual, time.Since(started), cycleErr.Error()))
		c.logger.Warn("refresh cycle failed",
			"account_id", accountID, "cycle_id", cycleID, "error", cycleErr)
		return fmt.Errorf("refresh cycle for %s: %w", accountID, cycleErr)
	}

	return nil
}

// runCycle is the pipeline between the gate and the finalize step.
func (c *Coordinator) runCycle(
	ctx context.Context,
	rt *accountRuntime,
	staged *messaging.StagedEventBus,
	cycleID string,
	manual bool,
	opts student.SyncOptions,
	started time.Time,
) error {
	accountID := rt.account.ID

	renewed, err := c.sessions.EnsureAuthenticated(ctx, rt.account, rt.password)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	for _, schoolID := range renewed {
		c.publish(shared.NewSessionRenewedEvent(accountID, schoolID.Int64()))
	}

	now := time.Now()
	next := snapshot.NewAccountSnapshot(accountID, cycleID, now)
	prev, ok := c.store.Latest(accountID)
	if !ok {
		prev = nil
	}

	var (
		failedReports []string
		succeeded     int
		failed        int
		reauthSpent   bool
	)

	for mi := range rt.account.Memberships {
		m := &rt.account.Memberships[mi]

		for _, st := range m.Students {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("cycle abandoned: %w", err)
			}

			var prevStudent *snapshot.StudentSnapshot
			if prev != nil {
				prevStudent, _ = prev.Student(st.Key())
			}

			snap := snapshot.NewStudentSnapshot(st, now)
			req := FetchRequest{
				Student: st,
				Weeks:   opts.WeeksAhead,
				Now:     now,
				Dump:    opts.WriteDebugDumps,
			}

			type categoryFetch struct {
				category snapshot.Category
				enabled  bool
				fetch    func(token string) error
			}

			fetches := []categoryFetch{
				{snapshot.CategorySchedule, opts.FetchSchedule, func(token string) error {
					r := req
					r.Token = token
					slots, events, err := c.portal.LoadSchedule(ctx, r)
					if err != nil {
						return err
					}
					snap.Lessons = schedule.Merge(slots)
					snap.Events = events
					return nil
				}},
				{snapshot.CategoryExams, opts.FetchExams, func(token string) error {
					r := req
					r.Token = token
					list, err := c.portal.LoadExams(ctx, r)
					if err != nil {
						return err
					}
					snap.Exams = list
					return nil
				}},
				{snapshot.CategoryHomework, opts.FetchHomework, func(token string) error {
					r := req
					r.Token = token
					items, err := c.portal.LoadHomework(ctx, r)
					if err != nil {
						return err
					}
					snap.Homework = items
					return nil
				}},
				{snapshot.CategoryGrades, opts.FetchGrades, func(token string) error {
					r := req
					r.Token = token
					report, err := c.portal.LoadGrades(ctx, r)
					if err != nil {
						return err
					}
					if report != nil {
						snap.Report = *report
					}
					return nil
				}},
			}

			for _, f := range fetches {
				if !f.enabled {
					continue
				}

				fatal, err := c.fetchCategory(ctx, rt, m, &reauthSpent, f.fetch)
				if fatal {
					return err
				}
				if err != nil {
					snap.CarryOver(prevStudent, f.category, err.Error())
					failedReports = append(failedReports,
						fmt.Sprintf("%s/%s: %v", snap.Slug, f.category, err))
					failed++
					c.logger.Warn("category fetch failed",
						"account_id", accountID,
						"student", snap.Slug,
						"category", string(f.category),
						"error", err,
					)
					continue
				}
				succeeded++
			}

			next.Add(snap)
		}
	}

	// A cycle in which every single fetch failed produced nothing worth
	// publishing; the last known good snapshot stays up.
	if succeeded == 0 && failed > 0 {
		return fmt.Errorf("all %d fetches failed: %s", failed, strings.Join(failedReports, "; "))
	}

	changes := snapshot.Diff(prev, next)
	next.Changes = changes
	if c.summarizer != nil {
		next.Summaries = c.summarizer.Summarize(next)
	}
	c.stageChangeEvents(staged, cycleID, changes)

	// Last gate before visibility: an abandoned cycle never publishes.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle abandoned: %w", err)
	}

	c.store.Publish(next)

	if err := staged.Flush(); err != nil {
		// The snapshot is out; undelivered change events are a consumer
		// problem, not a cycle failure.
		c.logger.Warn("change event delivery incomplete",
			"account_id", accountID, "cycle_id", cycleID, "error", err)
	}

	newHomework, newGrades, slotChanges := changes.Counts()
	completed := shared.NewRefreshCompletedEvent(
		accountID, cycleID, manual, len(next.Students), time.Since(started)).
		WithChangeCounts(newHomework, newGrades, slotChanges).
		WithFailedReports(failedReports)
	c.publish(completed)

	c.logger.Info("refresh cycle completed",
		"account_id", accountID,
		"cycle_id", cycleID,
		"students", len(next.Students),
		"duration", time.Since(started).String(),
		"new_homework", newHomework,
		"new_grades", newGrades,
		"slot_changes", slotChanges,
		"failed_fetches", failed,
	)

	return nil
}

// fetchCategory runs one category fetch with the session-expiry protocol:
// a 401 invalidates the token and earns one silent re-login per cycle, then
// the fetch is replayed. A second 401 means fresh tokens are being rejected,
// which no retry will fix; the cycle aborts.
func (c *Coordinator) fetchCategory(
	ctx context.Context,
	rt *accountRuntime,
	m *student.SchoolMembership,
	reauthSpent *bool,
	fetch func(token string) error,
) (fatal bool, err error) {
	err = fetch(m.Token)
	if err == nil || !shared.IsSessionExpired(err) || ctx.Err() != nil {
		return false, err
	}

	m.InvalidateToken()

	if *reauthSpent {
		return true, shared.WrapError("refresh", "Cycle", shared.ErrUnauthorized,
			"session rejected again after re-login", err)
	}
	*reauthSpent = true

	c.logger.Info("session expired mid-cycle, re-authenticating",
		"account_id", rt.account.ID, "school_id", m.SchoolID.Int64())

	if _, authErr := c.sessions.EnsureAuthenticated(ctx, rt.account, rt.password); authErr != nil {
		return true, fmt.Errorf("re-login after expired session: %w", authErr)
	}

	err = fetch(m.Token)
	if shared.IsSessionExpired(err) {
		return true, shared.WrapError("refresh", "Cycle", shared.ErrUnauthorized,
			"fresh session rejected by the portal", err)
	}
	return false, err
}

// stageChangeEvents turns the diff into change events carrying the cycle ID
// as correlation ID. Diff already suppressed homework and grades on baseline
// cycles, so whatever arrives here is reportable.
func (c *Coordinator) stageChangeEvents(staged *messaging.StagedEventBus, cycleID string, changes *snapshot.ChangeSet) {
	for _, sc := range changes.PerStudent {
		key := sc.StudentKey

		for i := range sc.NewHomework {
			item := &sc.NewHomework[i]
			ev := shared.NewHomeworkDetectedEvent(
				key, item.Subject, item.DueDate.String(), item.Text, item.Key())
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(cycleID)
			_ = staged.Publish(ev)
		}

		for i := range sc.NewGrades {
			g := &sc.NewGrades[i]
			ev := shared.NewGradeDetectedEvent(
				key, g.SubjectID, g.SubjectName, g.RawValue, g.Value, string(g.Tendency))
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(cycleID)
			_ = staged.Publish(ev)
		}

		for _, ch := range sc.SlotChanges {
			ev := shared.NewScheduleChangedEvent(
				key, ch.Key.Date.String(), ch.Key.Hour.Int(),
				string(ch.FromKind), string(ch.ToKind), ch.Subject)
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(cycleID)
			_ = staged.Publish(ev)
		}
	}
}

// publish sends a lifecycle event on the shared bus, best effort.
func (c *Coordinator) publish(ev shared.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ev); err != nil {
		c.logger.Warn("event publish failed", "type", string(ev.EventType()), "error", err)
	}
}
