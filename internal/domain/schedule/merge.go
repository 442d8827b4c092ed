package schedule

import "sort"

// Merge collapses raw portal records into a clean timetable with at most one
// slot per (date, hour). A cancellation that shares its slot with a
// replacement lesson disappears into the replacement's struck-through fields;
// a cancellation without replacement stays visible as a cancelled slot.
//
// The function is pure and idempotent: the input slice is never modified, and
// merging an already merged timetable returns it unchanged apart from order.
func Merge(slots []LessonSlot) []LessonSlot {
	if len(slots) == 0 {
		return nil
	}

	groups := make(map[SlotKey][]LessonSlot, len(slots))
	for i := range slots {
		key := slots[i].Key()
		groups[key] = append(groups[key], slots[i])
	}

	merged := make([]LessonSlot, 0, len(groups))
	for _, group := range groups {
		merged = append(merged, collapse(group))
	}

	SortSlots(merged)
	return merged
}

// collapse reduces all records of one (date, hour) position to a single slot.
func collapse(group []LessonSlot) LessonSlot {
	if len(group) == 1 {
		return group[0]
	}

	// Deterministic winner selection: highest kind priority first, then
	// lexical tie-breaks so that repeated merges agree.
	ordered := make([]LessonSlot, len(group))
	copy(ordered, group)
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := ordered[i].Kind.priority(), ordered[j].Kind.priority()
		if pi != pj {
			return pi > pj
		}
		if ordered[i].Subject != ordered[j].Subject {
			return ordered[i].Subject < ordered[j].Subject
		}
		return ordered[i].Teacher < ordered[j].Teacher
	})

	winner := ordered[0]
	if winner.Kind == KindCancelled {
		// Only cancellations in this slot. Keep the first as the visible one.
		return winner
	}

	if winner.Kind.IsReplacement() && !winner.HasStruckContent() {
		for i := 1; i < len(ordered); i++ {
			if ordered[i].Kind != KindCancelled {
				continue
			}
			winner.OriginalSubject = ordered[i].Subject
			winner.OriginalTeacher = ordered[i].Teacher
			winner.OriginalRoom = ordered[i].Room
			if winner.Comment == "" {
				winner.Comment = ordered[i].Comment
			}
			break
		}
	}

	return winner
}

// SortSlots orders slots ascending by date, then by hour. The unknown-hour
// sentinel is numerically largest, so slots without a resolvable period land
// at the end of their day.
func SortSlots(slots []LessonSlot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Date != slots[j].Date {
			return slots[i].Date.Before(slots[j].Date)
		}
		if slots[i].Hour != slots[j].Hour {
			return slots[i].Hour < slots[j].Hour
		}
		return slots[i].Subject < slots[j].Subject
	})
}
