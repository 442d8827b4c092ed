package snapshot

import "time"

// ═══════════════════════════════════════════════════════════════════════════
// REFRESH STATE
// ═══════════════════════════════════════════════════════════════════════════

// RefreshState is the per-account refresh bookkeeping. It lives in memory
// only and is rebuilt from scratch after a restart; following a restart the
// first manual trigger is therefore never blocked by a stale cooldown.
type RefreshState struct {
	LastAutoRefresh   time.Time
	LastManualRefresh time.Time
	CooldownSeconds   int
	InFlight          bool

	// Available is false while the engine has not managed to publish any
	// snapshot for the account, or authentication failed permanently.
	Available bool

	// LastError is the failure note of the most recent unsuccessful cycle.
	LastError string
}

// CooldownRemaining returns how long a manual trigger stays blocked.
// Zero means the cooldown is over.
func (s RefreshState) CooldownRemaining(now time.Time) time.Duration {
	if s.LastManualRefresh.IsZero() || s.CooldownSeconds <= 0 {
		return 0
	}
	until := s.LastManualRefresh.Add(time.Duration(s.CooldownSeconds) * time.Second)
	if now.After(until) {
		return 0
	}
	return until.Sub(now)
}

// ═══════════════════════════════════════════════════════════════════════════
// STORE INTERFACE
// ═══════════════════════════════════════════════════════════════════════════

// Store publishes and serves account snapshots. The implementation lives in
// infrastructure/persistence; the contract requires Publish to be atomic so
// that readers always observe either the previous or the new snapshot,
// never a mix.
type Store interface {
	// Publish atomically replaces the account's current snapshot.
	Publish(snap *AccountSnapshot)

	// Latest returns the account's current snapshot.
	Latest(accountID string) (*AccountSnapshot, bool)

	// Accounts lists the IDs of all accounts that have published snapshots.
	Accounts() []string

	// FindStudent resolves a student slug across all accounts. Returns the
	// snapshot and the owning account's ID.
	FindStudent(slug string) (*StudentSnapshot, string, bool)
}
