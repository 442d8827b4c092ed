package schulmanager

import (
	"fmt"
	"strings"

	"github.com/schulhub/schulsync/internal/domain/exams"
	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/homework"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAPPER - DTO to Domain Entity transformations
// ══════════════════════════════════════════════════════════════════════════════

// Mapper converts portal DTOs into domain entities. It is the boundary that
// keeps portal field renames and shape drift out of the domain packages:
// batch mappings skip the records they cannot use and report them as errors
// instead of failing a whole refresh category.
type Mapper struct{}

// NewMapper creates a new Mapper instance.
func NewMapper() *Mapper {
	return &Mapper{}
}

// ErrNilDTO is returned when trying to map a nil DTO.
var ErrNilDTO = &MappingError{Message: "cannot map nil DTO"}

// MappingError represents an error during DTO to domain mapping.
type MappingError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *MappingError) Error() string {
	if e.Field != "" {
		return "mapping error for field " + e.Field + ": " + e.Message
	}
	return "mapping error: " + e.Message
}

// Unwrap returns the underlying error.
func (e *MappingError) Unwrap() error {
	return e.Cause
}

// parseDTODate accepts the portal's date variants: bare ISO dates and
// timestamps with a time part.
func parseDTODate(s string) (shared.ISODate, error) {
	s = strings.TrimSpace(s)
	if len(s) > 10 {
		s = s[:10]
	}
	return shared.ParseISODate(s)
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// lessonKinds maps the portal's type discriminators onto domain kinds.
// A changed teacher is a substitution from the student's point of view.
var lessonKinds = map[string]schedule.Kind{
	"regularLesson":   schedule.KindRegular,
	"cancelledLesson": schedule.KindCancelled,
	"substitution":    schedule.KindSubstitution,
	"specialLesson":   schedule.KindSpecial,
	"roomChange":      schedule.KindRoomChange,
	"teacherChange":   schedule.KindSubstitution,
	"irregularLesson": schedule.KindIrregular,
	"exam":            schedule.KindExam,
}

// LessonsFromDTOs converts a raw lesson list into timetable slots and
// school events. Records of type "event" have no timetable position and go
// into the event list; unusable records are skipped and reported.
func (m *Mapper) LessonsFromDTOs(dtos []LessonDTO) ([]schedule.LessonSlot, []schedule.SchoolEvent, []error) {
	slots := make([]schedule.LessonSlot, 0, len(dtos))
	var events []schedule.SchoolEvent
	var errs []error

	for i := range dtos {
		dto := &dtos[i]

		if dto.Type == "event" {
			event, err := m.eventFromDTO(dto)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, *event)
			continue
		}

		slot, err := m.lessonFromDTO(dto)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slots = append(slots, *slot)
	}

	return slots, events, errs
}

func (m *Mapper) lessonFromDTO(dto *LessonDTO) (*schedule.LessonSlot, error) {
	if dto == nil {
		return nil, ErrNilDTO
	}

	kind, ok := lessonKinds[dto.Type]
	if !ok {
		return nil, &MappingError{
			Field:   "type",
			Message: fmt.Sprintf("unknown lesson type %q", dto.Type),
			Cause:   shared.ErrUnknownLessonKind,
		}
	}

	date, err := parseDTODate(dto.DateKey())
	if err != nil {
		return nil, &MappingError{
			Field:   "date",
			Message: "lesson record has no usable date",
			Cause:   shared.ErrMissingLessonDate,
		}
	}

	primary := m.primaryDetail(dto)
	original := m.originalDetail(dto)

	// A bare cancellation carries its content only in the displaced lesson
	if primary == nil && kind == schedule.KindCancelled {
		primary, original = original, nil
	}
	if primary == nil {
		primary = original
		original = nil
	}

	var subject string
	if primary != nil {
		subject = primary.Subject.DisplayName()
	}
	if subject == "" {
		return nil, &MappingError{
			Field:   "subject",
			Message: fmt.Sprintf("%s record on %s has no subject", dto.Type, date),
			Cause:   shared.ErrMissingSubject,
		}
	}

	slot, err := schedule.NewLessonSlot(date, m.resolveHour(dto), subject, kind)
	if err != nil {
		return nil, &MappingError{Field: "lesson", Message: err.Error(), Cause: err}
	}

	slot.Teacher = TeacherNames(primary.Teachers)
	slot.Room = roomName(primary.Room)
	slot.Comment = joinNonEmpty(" / ", dto.Comment, dto.SubstitutionText)

	if original != nil {
		slot.OriginalSubject = original.Subject.DisplayName()
		slot.OriginalTeacher = TeacherNames(original.Teachers)
		slot.OriginalRoom = roomName(original.Room)
	}

	return slot, nil
}

func (m *Mapper) eventFromDTO(dto *LessonDTO) (*schedule.SchoolEvent, error) {
	date, err := parseDTODate(dto.DateKey())
	if err != nil {
		return nil, &MappingError{
			Field:   "date",
			Message: "event record has no usable date",
			Cause:   shared.ErrMissingLessonDate,
		}
	}

	var title string
	if detail := m.primaryDetail(dto); detail != nil {
		title = detail.Subject.DisplayName()
	}
	if title == "" {
		title = strings.TrimSpace(dto.Comment)
	}
	if title == "" {
		title = strings.TrimSpace(dto.SubstitutionText)
	}
	if title == "" {
		title = "Schulveranstaltung"
	}

	event, err := schedule.NewSchoolEvent(date, title)
	if err != nil {
		return nil, &MappingError{Field: "event", Message: err.Error(), Cause: err}
	}

	// Events pinned to a period are not all-day
	if hour := m.resolveHour(dto); !hour.IsUnknown() {
		event.Hour = hour
		event.AllDay = false
	}
	if comment := strings.TrimSpace(dto.Comment); comment != "" && comment != title {
		event.Comment = comment
	}

	return event, nil
}

// primaryDetail picks the lesson content as it will take place: the nested
// actual lesson, then the plain lesson, then inline fields.
func (m *Mapper) primaryDetail(dto *LessonDTO) *LessonDetailDTO {
	if dto.ActualLesson != nil {
		return dto.ActualLesson
	}
	if dto.Lesson != nil {
		return dto.Lesson
	}
	if dto.Subject != nil || dto.Room != nil || len(dto.Teachers) > 0 {
		return &LessonDetailDTO{
			Subject:  dto.Subject,
			Room:     dto.Room,
			Teachers: dto.Teachers,
		}
	}
	return nil
}

// originalDetail picks the displaced lesson of a substitution or
// cancellation.
func (m *Mapper) originalDetail(dto *LessonDTO) *LessonDetailDTO {
	if dto.OriginalLesson != nil {
		return dto.OriginalLesson
	}
	if len(dto.OriginalLessons) > 0 {
		return &dto.OriginalLessons[0]
	}
	return nil
}

// resolveHour walks the known hour variants. Records that cannot be placed
// get the unknown-hour sentinel and sort after all placed slots.
func (m *Mapper) resolveHour(dto *LessonDTO) shared.HourNumber {
	if dto.ClassHour != nil && dto.ClassHour.Number.Int() > 0 {
		return shared.NewHourNumber(dto.ClassHour.Number.Int())
	}

	for _, v := range []HourValue{dto.Hour, dto.LessonHour, dto.LessonNumber, dto.HourNumber} {
		if v.Int() > 0 {
			return shared.NewHourNumber(v.Int())
		}
	}

	if dto.OriginalLesson != nil && dto.OriginalLesson.ClassHour != nil && dto.OriginalLesson.ClassHour.Number.Int() > 0 {
		return shared.NewHourNumber(dto.OriginalLesson.ClassHour.Number.Int())
	}
	for i := range dto.OriginalLessons {
		if ch := dto.OriginalLessons[i].ClassHour; ch != nil && ch.Number.Int() > 0 {
			return shared.NewHourNumber(ch.Number.Int())
		}
	}

	return shared.NewHourNumber(0)
}

func roomName(room *RoomDTO) string {
	if room == nil {
		return ""
	}
	return room.Name
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

// ══════════════════════════════════════════════════════════════════════════════
// HOMEWORK MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// HomeworkFromDTO converts one homework record.
func (m *Mapper) HomeworkFromDTO(dto *HomeworkDTO) (*homework.Item, error) {
	if dto == nil {
		return nil, ErrNilDTO
	}

	date, err := parseDTODate(dto.Date)
	if err != nil {
		return nil, &MappingError{
			Field:   "date",
			Message: "homework record has no usable due date",
			Cause:   shared.ErrHomeworkIncomplete,
		}
	}

	item, err := homework.NewItem(dto.ID, strings.TrimSpace(dto.Subject), date, strings.TrimSpace(dto.Homework), dto.Completed)
	if err != nil {
		return nil, &MappingError{Field: "homework", Message: err.Error(), Cause: err}
	}
	return item, nil
}

// HomeworkFromDTOs converts a homework list, skipping unusable records.
func (m *Mapper) HomeworkFromDTOs(dtos []HomeworkDTO) ([]homework.Item, []error) {
	items := make([]homework.Item, 0, len(dtos))
	var errs []error

	for i := range dtos {
		item, err := m.HomeworkFromDTO(&dtos[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, *item)
	}

	return items, errs
}

// ══════════════════════════════════════════════════════════════════════════════
// EXAM MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// ExamFromDTO converts one exam record. The exam category has no field of
// its own in the domain entity; the type name rides in front of the comment.
func (m *Mapper) ExamFromDTO(dto *ExamDTO) (*exams.Exam, error) {
	if dto == nil {
		return nil, ErrNilDTO
	}

	date, err := parseDTODate(dto.Date)
	if err != nil {
		return nil, &MappingError{
			Field:   "date",
			Message: "exam record has no usable date",
			Cause:   err,
		}
	}

	typeName := "Prüfung"
	if dto.Type != nil && strings.TrimSpace(dto.Type.Name) != "" {
		typeName = strings.TrimSpace(dto.Type.Name)
	}
	comment := typeName
	if c := strings.TrimSpace(dto.Comment); c != "" {
		comment = typeName + ": " + c
	}

	exam, err := exams.NewExam(
		dto.ID,
		dto.Subject.DisplayName(),
		date,
		hourFromClassHour(dto.StartClassHour),
		hourFromClassHour(dto.EndClassHour),
		comment,
	)
	if err != nil {
		return nil, &MappingError{Field: "exam", Message: err.Error(), Cause: err}
	}
	return exam, nil
}

// ExamsFromDTOs converts an exam list, skipping unusable records.
func (m *Mapper) ExamsFromDTOs(dtos []ExamDTO) ([]exams.Exam, []error) {
	out := make([]exams.Exam, 0, len(dtos))
	var errs []error

	for i := range dtos {
		exam, err := m.ExamFromDTO(&dtos[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, *exam)
	}

	return out, errs
}

func hourFromClassHour(ch *ClassHourDTO) shared.HourNumber {
	if ch == nil {
		return shared.NewHourNumber(0)
	}
	return shared.NewHourNumber(ch.Number.Int())
}

// ══════════════════════════════════════════════════════════════════════════════
// GRADES MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// ReportFromDTO joins grading events with their courses and the subject
// catalog into a grade report. Grades the parser rejects are skipped and
// reported; one exotic notation must not hide a whole report.
func (m *Mapper) ReportFromDTO(dto *GradingInformationDTO, subjects []SubjectDTO) (*grades.Report, []error) {
	if dto == nil {
		return &grades.Report{}, []error{ErrNilDTO}
	}

	var errs []error

	courses := make(map[int64]*CourseDTO, len(dto.Courses))
	for i := range dto.Courses {
		courses[dto.Courses[i].ID] = &dto.Courses[i]
	}

	typeNames := make(map[int64]string, len(dto.TypePresets))
	for _, preset := range dto.TypePresets {
		if preset.GradeType != nil && preset.GradeType.Name != "" {
			typeNames[preset.GradeType.ID] = preset.GradeType.Name
		}
	}

	catalog := make(map[int64]*SubjectDTO, len(subjects))
	subjectEntities := make([]grades.Subject, 0, len(subjects))
	for i := range subjects {
		s := &subjects[i]
		catalog[s.ID] = s

		name := s.Name
		if name == "" {
			name = fmt.Sprintf("Fach %d", s.ID)
		}
		subj, err := grades.NewSubject(s.ID, name, s.Abbreviation)
		if err != nil {
			errs = append(errs, &MappingError{Field: "subject", Message: err.Error(), Cause: err})
			continue
		}
		subjectEntities = append(subjectEntities, *subj)
	}

	var gradeList []grades.Grade
	for _, event := range dto.GradingEvents {
		course, ok := courses[event.CourseID]
		if !ok {
			errs = append(errs, &MappingError{
				Field:   "courseId",
				Message: fmt.Sprintf("grading event references unknown course %d", event.CourseID),
			})
			continue
		}

		subjectName := ""
		if cat := catalog[course.SubjectID]; cat != nil {
			subjectName = cat.Name
			if subjectName == "" {
				subjectName = cat.Abbreviation
			}
		}
		if subjectName == "" {
			subjectName = course.Name
		}
		if subjectName == "" {
			subjectName = fmt.Sprintf("Fach %d", course.SubjectID)
		}

		category := typeNames[event.GradeTypeID]
		if category == "" {
			category = "Sonstige"
		}

		// Grades occasionally arrive without a date; keep them anyway
		date, _ := parseDTODate(event.Date)

		for _, entry := range event.Grades {
			raw := strings.TrimSpace(entry.Value.String())
			if raw == "" {
				continue
			}

			g, err := grades.NewGrade(course.SubjectID, subjectName, category, raw, date, event.Topic)
			if err != nil {
				errs = append(errs, &MappingError{
					Field:   "value",
					Message: fmt.Sprintf("grade %q in %s", raw, subjectName),
					Cause:   err,
				})
				continue
			}
			gradeList = append(gradeList, *g)
		}
	}

	return &grades.Report{Grades: gradeList, Subjects: subjectEntities}, errs
}
