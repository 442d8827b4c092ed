package grades

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

func TestParseValue_PlainForms(t *testing.T) {
	value, tendency, err := ParseValue("2")
	assert.NoError(t, err)
	assert.Equal(t, 2.0, value)
	assert.Equal(t, TendencyNone, tendency)

	value, tendency, err = ParseValue("2+")
	assert.NoError(t, err)
	assert.Equal(t, 2.0, value)
	assert.Equal(t, TendencyPlus, tendency)

	value, tendency, err = ParseValue("2-")
	assert.NoError(t, err)
	assert.Equal(t, 2.0, value)
	assert.Equal(t, TendencyMinus, tendency)
}

func TestParseValue_PrefixedForms(t *testing.T) {
	value, tendency, err := ParseValue("0~3")
	assert.NoError(t, err)
	assert.Equal(t, 3.0, value)
	assert.Equal(t, TendencyNone, tendency)

	value, tendency, err = ParseValue("0~3+")
	assert.NoError(t, err)
	assert.Equal(t, 3.0, value)
	assert.Equal(t, TendencyPlus, tendency)

	value, tendency, err = ParseValue("15~3-")
	assert.NoError(t, err)
	assert.Equal(t, 3.0, value)
	assert.Equal(t, TendencyMinus, tendency)
}

func TestParseValue_Decimals(t *testing.T) {
	value, _, err := ParseValue("2.5")
	assert.NoError(t, err)
	assert.Equal(t, 2.5, value)

	// German decimal comma.
	value, _, err = ParseValue("1,75")
	assert.NoError(t, err)
	assert.Equal(t, 1.75, value)
}

func TestParseValue_Rejections(t *testing.T) {
	_, _, err := ParseValue("")
	assert.ErrorIs(t, err, ErrUnparsableValue)

	_, _, err = ParseValue("sehr gut")
	assert.ErrorIs(t, err, ErrUnparsableValue)

	_, _, err = ParseValue("0.5")
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, _, err = ParseValue("7")
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReport_TendencyNeverShiftsAverage(t *testing.T) {
	report := &Report{
		Grades: []Grade{
			mustGrade(t, 1, "Mathematik", "Klassenarbeit", "3+", "2026-02-10", ""),
			mustGrade(t, 1, "Mathematik", "Klassenarbeit", "3", "2026-03-12", ""),
			mustGrade(t, 1, "Mathematik", "mündlich", "3-", "2026-04-02", ""),
		},
	}

	averages := report.SubjectAverages()
	assert.Len(t, averages, 1)
	assert.Equal(t, 3.0, averages[0].Average)
	assert.Equal(t, 3, averages[0].Count)
}

func TestReport_OverallIsMeanOfSubjectAverages(t *testing.T) {
	report := &Report{
		Grades: []Grade{
			mustGrade(t, 1, "Mathematik", "Klassenarbeit", "1", "2026-02-10", ""),
			mustGrade(t, 1, "Mathematik", "Klassenarbeit", "2", "2026-03-12", ""),
			mustGrade(t, 2, "Deutsch", "Aufsatz", "4", "2026-02-20", ""),
		},
	}

	// Mathematik averages 1.5, Deutsch 4.0. The overall mean weighs both
	// subjects equally even though Mathematik has more grades.
	assert.Equal(t, 2.75, report.OverallAverage())
}

func TestReport_RoundsToTwoDecimals(t *testing.T) {
	report := &Report{
		Grades: []Grade{
			mustGrade(t, 1, "Physik", "Test", "1", "2026-02-10", ""),
			mustGrade(t, 1, "Physik", "Test", "2", "2026-02-17", ""),
			mustGrade(t, 1, "Physik", "Test", "2", "2026-02-24", ""),
		},
	}

	averages := report.SubjectAverages()
	assert.Len(t, averages, 1)
	assert.Equal(t, 1.67, averages[0].Average)
}

func TestReport_SubjectNameFallsBackToCatalog(t *testing.T) {
	report := &Report{
		Grades:   []Grade{mustGrade(t, 7, "", "Test", "2", "2026-02-10", "")},
		Subjects: []Subject{{ID: 7, Name: "Biologie", Abbreviation: "Bio"}},
	}

	averages := report.SubjectAverages()
	assert.Len(t, averages, 1)
	assert.Equal(t, "Biologie", averages[0].SubjectName)
}

func TestGrade_KeyAndDisplay(t *testing.T) {
	grade := mustGrade(t, 12, "Englisch", "Vokabeltest", "2+", "2026-05-04", "Unit 4")

	assert.Equal(t, "12:Vokabeltest:2026-05-04:2+:Unit 4", grade.Key())
	assert.Equal(t, "2+", grade.Display())
}

func mustGrade(t *testing.T, subjectID int64, subjectName, category, raw, date, topic string) Grade {
	t.Helper()
	grade, err := NewGrade(subjectID, subjectName, category, raw, shared.ISODate(date), topic)
	assert.NoError(t, err)
	return *grade
}
