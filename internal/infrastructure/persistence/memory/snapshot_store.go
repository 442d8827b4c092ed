// Package memory holds the in-process snapshot store. This is the canonical
// published state of the engine, not a cache: external stores only journal
// or accelerate what lives here.
package memory

import (
	"sort"
	"sync"

	"github.com/schulhub/schulsync/internal/domain/snapshot"
)

// SnapshotStore keeps the latest published snapshot per account. Publish
// swaps the account's pointer under the write lock, so a reader always
// observes either the previous snapshot or the new one, never a mix.
// Snapshots are treated as immutable after publication.
type SnapshotStore struct {
	mu       sync.RWMutex
	accounts map[string]*snapshot.AccountSnapshot
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		accounts: make(map[string]*snapshot.AccountSnapshot),
	}
}

// Publish atomically replaces the account's current snapshot.
func (s *SnapshotStore) Publish(snap *snapshot.AccountSnapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[snap.AccountID] = snap
}

// Latest returns the account's current snapshot.
func (s *SnapshotStore) Latest(accountID string) (*snapshot.AccountSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.accounts[accountID]
	return snap, ok
}

// Accounts lists the IDs of all accounts that have published snapshots,
// sorted for stable output.
func (s *SnapshotStore) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedIDs()
}

// FindStudent resolves a student slug across all accounts. Accounts are
// scanned in ID order so a duplicate slug resolves deterministically.
func (s *SnapshotStore) FindStudent(slug string) (*snapshot.StudentSnapshot, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.sortedIDs() {
		if st, ok := s.accounts[id].BySlug(slug); ok {
			return st, id, true
		}
	}
	return nil, "", false
}

func (s *SnapshotStore) sortedIDs() []string {
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
