package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulhub/schulsync/internal/domain/snapshot"
	"github.com/schulhub/schulsync/internal/domain/student"
)

func testStudent(t *testing.T, id int64, first, last string) *student.Student {
	t.Helper()
	s, err := student.NewStudent(student.NewStudentParams{
		ID:        id,
		SchoolID:  382,
		FirstName: first,
		LastName:  last,
	})
	require.NoError(t, err)
	return s
}

func testSnapshot(t *testing.T, accountID string, students ...*student.Student) *snapshot.AccountSnapshot {
	t.Helper()
	acc := snapshot.NewAccountSnapshot(accountID, "cycle-"+accountID, time.Now())
	for _, s := range students {
		acc.Add(snapshot.NewStudentSnapshot(s, acc.CreatedAt))
	}
	return acc
}

func TestSnapshotStore_LatestReturnsPublished(t *testing.T) {
	store := NewSnapshotStore()

	_, ok := store.Latest("fam-maier")
	assert.False(t, ok)

	snap := testSnapshot(t, "fam-maier", testStudent(t, 4711, "Jonas", "Müller"))
	store.Publish(snap)

	got, ok := store.Latest("fam-maier")
	require.True(t, ok)
	assert.Same(t, snap, got)
}

func TestSnapshotStore_PublishReplacesWholeSnapshot(t *testing.T) {
	store := NewSnapshotStore()

	v1 := testSnapshot(t, "fam-maier", testStudent(t, 4711, "Jonas", "Müller"))
	store.Publish(v1)

	// A reader that grabbed v1 keeps a complete, unchanged snapshot even
	// after the next cycle publishes.
	held, ok := store.Latest("fam-maier")
	require.True(t, ok)

	v2 := testSnapshot(t, "fam-maier",
		testStudent(t, 4711, "Jonas", "Müller"),
		testStudent(t, 4712, "Lena", "Müller"),
	)
	store.Publish(v2)

	assert.Len(t, held.Students, 1)

	got, ok := store.Latest("fam-maier")
	require.True(t, ok)
	assert.Same(t, v2, got)
	assert.Len(t, got.Students, 2)
}

func TestSnapshotStore_PublishIgnoresNil(t *testing.T) {
	store := NewSnapshotStore()
	store.Publish(nil)
	assert.Empty(t, store.Accounts())
}

func TestSnapshotStore_FindStudentAcrossAccounts(t *testing.T) {
	store := NewSnapshotStore()
	store.Publish(testSnapshot(t, "fam-maier", testStudent(t, 4711, "Jonas", "Müller")))
	store.Publish(testSnapshot(t, "fam-schulz", testStudent(t, 5880, "Emma", "Schulz")))

	st, accountID, ok := store.FindStudent("emma_schulz")
	require.True(t, ok)
	assert.Equal(t, "fam-schulz", accountID)
	assert.Equal(t, "Emma", st.Student.FirstName)

	_, _, ok = store.FindStudent("unbekannt")
	assert.False(t, ok)
}

func TestSnapshotStore_DuplicateSlugResolvesDeterministically(t *testing.T) {
	store := NewSnapshotStore()

	// Same name in two accounts. Insertion order is schulz first, but
	// resolution follows sorted account IDs.
	store.Publish(testSnapshot(t, "fam-schulz", testStudent(t, 5880, "Jonas", "Müller")))
	store.Publish(testSnapshot(t, "fam-maier", testStudent(t, 4711, "Jonas", "Müller")))

	_, accountID, ok := store.FindStudent("jonas_mueller")
	require.True(t, ok)
	assert.Equal(t, "fam-maier", accountID)
}

func TestSnapshotStore_AccountsSorted(t *testing.T) {
	store := NewSnapshotStore()
	store.Publish(testSnapshot(t, "fam-weber", testStudent(t, 6001, "Paul", "Weber")))
	store.Publish(testSnapshot(t, "fam-maier", testStudent(t, 4711, "Jonas", "Müller")))
	store.Publish(testSnapshot(t, "fam-schulz", testStudent(t, 5880, "Emma", "Schulz")))

	assert.Equal(t, []string{"fam-maier", "fam-schulz", "fam-weber"}, store.Accounts())
}

func TestSnapshotStore_ConcurrentPublishAndRead(t *testing.T) {
	store := NewSnapshotStore()
	store.Publish(testSnapshot(t, "fam-maier", testStudent(t, 4711, "Jonas", "Müller")))

	// Snapshots are built up front; the goroutines only publish and read.
	snaps := make([]*snapshot.AccountSnapshot, 8)
	for i := range snaps {
		snaps[i] = testSnapshot(t, fmt.Sprintf("fam-%02d", i), testStudent(t, int64(5000+i), "Kind", "Beispiel"))
	}

	var wg sync.WaitGroup
	for _, snap := range snaps {
		wg.Add(2)
		go func(s *snapshot.AccountSnapshot) {
			defer wg.Done()
			store.Publish(s)
		}(snap)
		go func() {
			defer wg.Done()
			if snap, ok := store.Latest("fam-maier"); ok {
				_ = snap.Sorted()
			}
			_ = store.Accounts()
		}()
	}
	wg.Wait()

	assert.Len(t, store.Accounts(), 9)
	snap, ok := store.Latest("fam-maier")
	require.True(t, ok)
	assert.Len(t, snap.Students, 1)
}
