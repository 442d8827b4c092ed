// Package schulmanager implements the Schulmanager Online portal client.
package schulmanager

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// CALL ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// CallRequest is one entry of the /api/calls batch envelope.
type CallRequest struct {
	// ModuleName is the portal module, e.g. "schedules" or "classbook"
	ModuleName string `json:"moduleName"`

	// EndpointName is the endpoint within the module, e.g. "get-actual-lessons"
	EndpointName string `json:"endpointName"`

	// Parameters is the endpoint-specific parameter object
	Parameters any `json:"parameters"`
}

// CallEnvelope is the request body of POST /api/calls.
type CallEnvelope struct {
	// BundleVersion is the frontend build marker scraped from the portal
	// index page. The field is omitted while no version is known; the portal
	// rejects envelopes carrying a version it no longer serves.
	BundleVersion string `json:"bundleVersion,omitempty"`

	// Requests is the call batch; the engine always sends exactly one
	Requests []CallRequest `json:"requests"`
}

// CallResponse is the response body of POST /api/calls.
type CallResponse struct {
	Results []CallResult `json:"results"`
}

// CallResult is the per-request outcome inside a CallResponse. Status is
// independent of the HTTP status: the envelope can come back 200 while the
// request inside it failed.
type CallResult struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
	ID     json.RawMessage `json:"id,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// FLEXIBLE SCALARS
//
// The portal is a browser API without a published schema. Several fields
// change shape between schools: numbers arrive as numeric strings, objects
// as plain text. These scalars absorb the variants so the mappers see one
// consistent type.
// ══════════════════════════════════════════════════════════════════════════════

// HourValue decodes timetable hour fields that arrive as JSON numbers or as
// numeric strings, comma decimals included. Unparseable values decode to 0
// so the mapper's fallback chain moves on to the next candidate field.
type HourValue int

func (h *HourValue) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*h = 0
		return nil
	}
	if s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			*h = 0
			return nil
		}
		s = strings.TrimSpace(unquoted)
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		*h = 0
		return nil
	}
	*h = HourValue(int(f))
	return nil
}

// Int returns the decoded hour, 0 when none was recognized.
func (h HourValue) Int() int {
	return int(h)
}

// GradeValue preserves the portal's grade notation ("2+", "1-2", "0~3")
// whether it arrives as a JSON string or as a bare number.
type GradeValue string

func (g *GradeValue) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*g = ""
		return nil
	}
	if len(s) > 0 && s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		*g = GradeValue(unquoted)
		return nil
	}
	*g = GradeValue(s)
	return nil
}

func (g GradeValue) String() string {
	return string(g)
}

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATION DTOs
// ══════════════════════════════════════════════════════════════════════════════

// SaltRequest is the body of POST /api/get-salt. The portal expects the
// unused fields as explicit nulls.
type SaltRequest struct {
	EmailOrUsername string `json:"emailOrUsername"`
	UserID          *int64 `json:"userId"`
	InstitutionID   *int64 `json:"institutionId"`
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	EmailOrUsername string  `json:"emailOrUsername"`
	Password        string  `json:"password"`
	Hash            string  `json:"hash"`
	MobileApp       bool    `json:"mobileApp"`
	UserID          *int64  `json:"userId"`
	TwoFactorCode   *string `json:"twoFactorCode"`
	InstitutionID   *int64  `json:"institutionId"`
}

// LoginResponse is the tagged union the portal returns on POST /api/login:
// either a session (JWT plus user object) or, for accounts spanning several
// schools, the list of schools to log in against one by one.
type LoginResponse struct {
	JWT              string             `json:"jwt,omitempty"`
	User             *UserDTO           `json:"user,omitempty"`
	MultipleAccounts []SchoolAccountDTO `json:"multipleAccounts,omitempty"`
}

// IsMultiSchool reports whether the portal asked for a school selection
// instead of issuing a session.
func (r *LoginResponse) IsMultiSchool() bool {
	return len(r.MultipleAccounts) > 0
}

// SchoolAccountDTO is one selectable school of a multi-school account.
type SchoolAccountDTO struct {
	ID    int64  `json:"id"`
	Label string `json:"label,omitempty"`
}

// UserDTO is the account object inside a login response.
type UserDTO struct {
	ID            int64 `json:"id,omitempty"`
	InstitutionID int64 `json:"institutionId,omitempty"`

	// AssociatedParents links a parent account to its children
	AssociatedParents []ParentDTO `json:"associatedParents,omitempty"`

	// AssociatedStudent is set when the account itself belongs to a student
	AssociatedStudent *StudentDTO `json:"associatedStudent,omitempty"`
}

// ParentDTO links the account to one child.
type ParentDTO struct {
	Student *StudentDTO `json:"student,omitempty"`
}

// StudentDTO is a student as embedded in login responses.
type StudentDTO struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstname,omitempty"`
	LastName  string `json:"lastname,omitempty"`
	ClassID   int64  `json:"classId,omitempty"`
	Sex       string `json:"sex,omitempty"`
}

// FullName joins first and last name.
func (s *StudentDTO) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE DTOs
// ══════════════════════════════════════════════════════════════════════════════

// LessonDTO is one record of schedules/get-actual-lessons. The portal mixes
// regular lessons, cancellations, substitutions, and school events in a
// single list, discriminated by Type.
type LessonDTO struct {
	// Type discriminates the record, e.g. "regularLesson" or "event"
	Type string `json:"type"`

	// Date variants; schools disagree on the field name
	Date  string `json:"date,omitempty"`
	Day   string `json:"day,omitempty"`
	Start string `json:"start,omitempty"`

	// ClassHour is the timetable period when the school nests it
	ClassHour *ClassHourDTO `json:"classHour,omitempty"`

	// Flat hour variants, tried in order when ClassHour is absent
	Hour         HourValue `json:"hour,omitempty"`
	LessonHour   HourValue `json:"lessonHour,omitempty"`
	LessonNumber HourValue `json:"lessonNumber,omitempty"`
	HourNumber   HourValue `json:"hourNumber,omitempty"`

	// ActualLesson holds the lesson as it will take place; for plain
	// cancellations it is absent and the original lesson holds the content
	ActualLesson    *LessonDetailDTO  `json:"actualLesson,omitempty"`
	Lesson          *LessonDetailDTO  `json:"lesson,omitempty"`
	OriginalLesson  *LessonDetailDTO  `json:"originalLesson,omitempty"`
	OriginalLessons []LessonDetailDTO `json:"originalLessons,omitempty"`

	// Inline detail fields used by schools that do not nest
	Subject  *SubjectRefDTO `json:"subject,omitempty"`
	Room     *RoomDTO       `json:"room,omitempty"`
	Teachers []TeacherDTO   `json:"teachers,omitempty"`

	Comment          string `json:"comment,omitempty"`
	SubstitutionText string `json:"substitutionText,omitempty"`
}

// DateKey returns the record's day in ISO form, trying the known field
// variants in order. Empty when no variant carries a usable date.
func (l *LessonDTO) DateKey() string {
	for _, v := range []string{l.Date, l.Day, l.Start} {
		if len(v) >= 10 {
			return v[:10]
		}
	}
	return ""
}

// LessonDetailDTO is the subject, room, and teacher detail of one lesson.
type LessonDetailDTO struct {
	Subject  *SubjectRefDTO `json:"subject,omitempty"`
	Room     *RoomDTO       `json:"room,omitempty"`
	Teachers []TeacherDTO   `json:"teachers,omitempty"`
	Comment  string         `json:"comment,omitempty"`

	// ClassHour appears on displaced originals and is the last resort for
	// resolving the record's period
	ClassHour *ClassHourDTO `json:"classHour,omitempty"`
}

// ClassHourDTO is the timetable period of a lesson.
type ClassHourDTO struct {
	ID     int64     `json:"id,omitempty"`
	Number HourValue `json:"number,omitempty"`
	From   string    `json:"from,omitempty"`
	Until  string    `json:"until,omitempty"`
}

// SubjectRefDTO names a subject. Most schools send an object, some send a
// plain string; both decode into Name.
type SubjectRefDTO struct {
	ID           int64  `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Abbreviation string `json:"abbreviation,omitempty"`
}

func (s *SubjectRefDTO) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*s = SubjectRefDTO{Name: name}
		return nil
	}
	type plain SubjectRefDTO
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = SubjectRefDTO(p)
	return nil
}

// DisplayName prefers the full name over the abbreviation.
func (s *SubjectRefDTO) DisplayName() string {
	if s == nil {
		return ""
	}
	if s.Name != "" {
		return s.Name
	}
	return s.Abbreviation
}

// RoomDTO names a room, sent as an object or as a plain string.
type RoomDTO struct {
	Name string `json:"name,omitempty"`
}

func (r *RoomDTO) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*r = RoomDTO{Name: name}
		return nil
	}
	type plain RoomDTO
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RoomDTO(p)
	return nil
}

// TeacherDTO is one teacher reference on a lesson.
type TeacherDTO struct {
	Abbreviation string `json:"abbreviation,omitempty"`
	FirstName    string `json:"firstname,omitempty"`
	LastName     string `json:"lastname,omitempty"`
}

// DisplayName returns the abbreviation when present, the full name otherwise.
func (t *TeacherDTO) DisplayName() string {
	if t.Abbreviation != "" {
		return t.Abbreviation
	}
	return strings.TrimSpace(t.FirstName + " " + t.LastName)
}

// TeacherNames joins the display names of all teachers on a lesson.
func TeacherNames(teachers []TeacherDTO) string {
	names := make([]string, 0, len(teachers))
	for i := range teachers {
		if name := teachers[i].DisplayName(); name != "" {
			names = append(names, name)
		}
	}
	return strings.Join(names, ", ")
}

// ══════════════════════════════════════════════════════════════════════════════
// HOMEWORK DTOs
// ══════════════════════════════════════════════════════════════════════════════

// HomeworkDTO is one record of classbook/get-homework. Some schools include
// record IDs and a completion flag, others only date, subject, and text.
type HomeworkDTO struct {
	ID        int64  `json:"id,omitempty"`
	Date      string `json:"date,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Homework  string `json:"homework,omitempty"`
	Completed bool   `json:"completed,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// EXAM DTOs
// ══════════════════════════════════════════════════════════════════════════════

// ExamDTO is one record of exams/get-exams.
type ExamDTO struct {
	ID             int64          `json:"id,omitempty"`
	Date           string         `json:"date,omitempty"`
	Subject        *SubjectRefDTO `json:"subject,omitempty"`
	Type           *ExamTypeDTO   `json:"type,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	StartClassHour *ClassHourDTO  `json:"startClassHour,omitempty"`
	EndClassHour   *ClassHourDTO  `json:"endClassHour,omitempty"`
}

// ExamTypeDTO is the exam category, e.g. "Klassenarbeit" or "Klausur".
type ExamTypeDTO struct {
	Name string `json:"name,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// GRADES DTOs
// ══════════════════════════════════════════════════════════════════════════════

// GradingInformationDTO is the payload of
// grades/get-grading-information-for-student: courses, grading events, and
// the school's grading-type catalog, joined by IDs.
type GradingInformationDTO struct {
	Courses       []CourseDTO       `json:"courses"`
	GradingEvents []GradingEventDTO `json:"gradingEvents"`
	TypePresets   []TypePresetDTO   `json:"typePresets"`
}

// CourseDTO maps a course to its subject.
type CourseDTO struct {
	ID        int64  `json:"id"`
	SubjectID int64  `json:"subjectId"`
	Name      string `json:"name,omitempty"`
}

// TypePresetDTO wraps one grading type of the school's configuration.
type TypePresetDTO struct {
	GradeType *GradeTypeDTO `json:"gradeType,omitempty"`
}

// GradeTypeDTO is a grading category, e.g. "Klassenarbeit" or "Mündlich".
type GradeTypeDTO struct {
	ID           int64  `json:"id"`
	Name         string `json:"name,omitempty"`
	Abbreviation string `json:"abbreviation,omitempty"`
}

// GradingEventDTO is one graded occasion within a course.
type GradingEventDTO struct {
	CourseID          int64           `json:"courseId"`
	GradeTypeID       int64           `json:"gradeTypeId"`
	Date              string          `json:"date,omitempty"`
	Topic             string          `json:"topic,omitempty"`
	Weighting         float64         `json:"weighting,omitempty"`
	DurationInMinutes int             `json:"durationInMinutes,omitempty"`
	Grades            []GradeEntryDTO `json:"grades"`
}

// GradeEntryDTO is one student's grade within a grading event.
type GradeEntryDTO struct {
	Value        GradeValue `json:"value"`
	IsRepeatExam bool       `json:"isRepeatExam,omitempty"`
}

// SubjectDTO is one entry of the school's subject catalog.
type SubjectDTO struct {
	ID           int64  `json:"id"`
	Name         string `json:"name,omitempty"`
	Abbreviation string `json:"abbreviation,omitempty"`
	OfficialKey  string `json:"officialKey,omitempty"`
	OrderIndex   int    `json:"orderIndex,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST PARAMETERS
//
// Parameter objects mirror what the portal's own frontend sends. Several
// endpoints insist on a partial student object and reject leaner payloads.
// ══════════════════════════════════════════════════════════════════════════════

type studentRefParam struct {
	ID int64 `json:"id"`
}

type homeworkParams struct {
	Student studentRefParam `json:"student"`
}

type classParam struct {
	ID             int64   `json:"id"`
	Name           *string `json:"name"`
	GradeLevels    *int    `json:"gradeLevels"`
	IsCourseSystem *bool   `json:"isCourseSystem"`
}

type scheduleStudentParam struct {
	ID        int64      `json:"id"`
	FirstName string     `json:"firstname"`
	LastName  string     `json:"lastname"`
	ClassID   int64      `json:"classId"`
	Class     classParam `json:"class"`
}

type scheduleParams struct {
	Student scheduleStudentParam `json:"student"`
	Start   string               `json:"start"`
	End     string               `json:"end"`
}

type examStudentParam struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Sex       string `json:"sex"`
	ClassID   int64  `json:"classId"`
}

type examParams struct {
	Student examStudentParam `json:"student"`
	Start   string           `json:"start"`
	End     string           `json:"end"`
}

type gradesParams struct {
	StudentID         int64  `json:"studentId"`
	TermID            int64  `json:"termId"`
	Start             string `json:"start"`
	End               string `json:"end"`
	GradingPeriodType string `json:"gradingPeriodType"`
}

type poqaActionParam struct {
	Model      string `json:"model"`
	Action     string `json:"action"`
	Parameters []any  `json:"parameters"`
}

type subjectsParams struct {
	Action  poqaActionParam `json:"action"`
	UIState string          `json:"uiState"`
}
