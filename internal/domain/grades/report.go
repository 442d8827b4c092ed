package grades

import "sort"

// ═══════════════════════════════════════════════════════════════════════════
// Averages
// ═══════════════════════════════════════════════════════════════════════════

// SubjectAverage is the aggregated standing in one subject.
type SubjectAverage struct {
	SubjectID   int64
	SubjectName string
	Average     float64
	Count       int
}

// Report bundles all grades of one student together with the school's
// subject catalog.
type Report struct {
	Grades   []Grade
	Subjects []Subject
}

// SubjectName resolves a subject ID against the catalog, falling back to the
// name recorded on the grades themselves.
func (r *Report) SubjectName(subjectID int64) string {
	for i := range r.Subjects {
		if r.Subjects[i].ID == subjectID {
			return r.Subjects[i].Name
		}
	}
	for i := range r.Grades {
		if r.Grades[i].SubjectID == subjectID {
			return r.Grades[i].SubjectName
		}
	}
	return ""
}

// SubjectAverages computes the per-subject mean of the normalized values,
// rounded to two decimals and sorted by subject name. Tendencies are display
// shading and never enter the arithmetic: 3+, 3, and 3- all count as 3.0.
func (r *Report) SubjectAverages() []SubjectAverage {
	type accumulator struct {
		sum   float64
		count int
	}
	bySubject := make(map[int64]*accumulator)
	for i := range r.Grades {
		g := &r.Grades[i]
		acc, ok := bySubject[g.SubjectID]
		if !ok {
			acc = &accumulator{}
			bySubject[g.SubjectID] = acc
		}
		acc.sum += g.Value
		acc.count++
	}

	averages := make([]SubjectAverage, 0, len(bySubject))
	for subjectID, acc := range bySubject {
		averages = append(averages, SubjectAverage{
			SubjectID:   subjectID,
			SubjectName: r.SubjectName(subjectID),
			Average:     Round2(acc.sum / float64(acc.count)),
			Count:       acc.count,
		})
	}

	sort.Slice(averages, func(i, j int) bool {
		if averages[i].SubjectName != averages[j].SubjectName {
			return averages[i].SubjectName < averages[j].SubjectName
		}
		return averages[i].SubjectID < averages[j].SubjectID
	})
	return averages
}

// OverallAverage is the mean of the subject averages, rounded to two
// decimals. Each subject weighs the same regardless of how many grades it
// has. Returns 0 when there are no grades at all.
func (r *Report) OverallAverage() float64 {
	averages := r.SubjectAverages()
	if len(averages) == 0 {
		return 0
	}
	sum := 0.0
	for _, a := range averages {
		sum += a.Average
	}
	return Round2(sum / float64(len(averages)))
}

// GradesForSubject filters the report down to one subject, preserving order.
func (r *Report) GradesForSubject(subjectID int64) []Grade {
	var out []Grade
	for i := range r.Grades {
		if r.Grades[i].SubjectID == subjectID {
			out = append(out, r.Grades[i])
		}
	}
	return out
}
