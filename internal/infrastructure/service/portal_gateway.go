// Package service contains the adapters between the application layer and
// the infrastructure: the portal gateway behind the refresh coordinator and
// the debug dump writer.
package service

import (
	"context"
	"log/slog"

	"github.com/schulhub/schulsync/internal/application/refresh"
	"github.com/schulhub/schulsync/internal/domain/exams"
	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/homework"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/student"
	"github.com/schulhub/schulsync/internal/infrastructure/external/schulmanager"
)

// SubjectCache caches the per-student subject catalog between cycles. The
// catalog is near-static; refetching it every cycle is wasted portal budget.
// Implemented by redis.SubjectCatalogCache.
type SubjectCache interface {
	Get(ctx context.Context, key shared.StudentKey) ([]grades.Subject, bool)
	Set(ctx context.Context, key shared.StudentKey, subjects []grades.Subject)
	Invalidate(ctx context.Context, key shared.StudentKey)
}

// PortalGatewayAdapter adapts the schulmanager client and mapper to the
// refresh.PortalGateway interface: fetch, optionally dump, then normalize.
type PortalGatewayAdapter struct {
	client   *schulmanager.Client
	mapper   *schulmanager.Mapper
	subjects SubjectCache
	dumps    *DumpWriter
	logger   *slog.Logger
}

// NewPortalGatewayAdapter creates the gateway. The subject cache and the
// dump writer may be nil; both are conveniences, not requirements.
func NewPortalGatewayAdapter(
	client *schulmanager.Client,
	mapper *schulmanager.Mapper,
	subjects SubjectCache,
	dumps *DumpWriter,
	logger *slog.Logger,
) *PortalGatewayAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortalGatewayAdapter{
		client:   client,
		mapper:   mapper,
		subjects: subjects,
		dumps:    dumps,
		logger:   logger.With("component", "portal_gateway"),
	}
}

// LoadSchedule fetches and maps the timetable window of one student.
// School-wide events come back separately; merging is the caller's step.
func (a *PortalGatewayAdapter) LoadSchedule(ctx context.Context, req refresh.FetchRequest) ([]schedule.LessonSlot, []schedule.SchoolEvent, error) {
	dtos, err := a.client.FetchLessons(ctx, req.Token, req.Student, req.Weeks, req.Now)
	if err != nil {
		return nil, nil, err
	}
	a.dump(req, "lessons", dtos)

	slots, events, errs := a.mapper.LessonsFromDTOs(dtos)
	a.logSkipped(req.Student, "lessons", len(dtos), errs)
	return slots, events, nil
}

// LoadExams fetches and maps the exam window of one student, sorted by date.
func (a *PortalGatewayAdapter) LoadExams(ctx context.Context, req refresh.FetchRequest) ([]exams.Exam, error) {
	dtos, err := a.client.FetchExams(ctx, req.Token, req.Student, req.Now)
	if err != nil {
		return nil, err
	}
	a.dump(req, "exams", dtos)

	list, errs := a.mapper.ExamsFromDTOs(dtos)
	a.logSkipped(req.Student, "exams", len(dtos), errs)
	exams.Sort(list)
	return list, nil
}

// LoadHomework fetches and maps the homework of one student, sorted by due
// date.
func (a *PortalGatewayAdapter) LoadHomework(ctx context.Context, req refresh.FetchRequest) ([]homework.Item, error) {
	dtos, err := a.client.FetchHomework(ctx, req.Token, req.Student)
	if err != nil {
		return nil, err
	}
	a.dump(req, "homework", dtos)

	items, errs := a.mapper.HomeworkFromDTOs(dtos)
	a.logSkipped(req.Student, "homework", len(dtos), errs)
	homework.Sort(items)
	return items, nil
}

// LoadGrades fetches the grading information plus the subject catalog and
// joins them into a report. The catalog is served from the cache when it
// covers every course of the report; a stale catalog is invalidated and
// fetched fresh within the same call.
func (a *PortalGatewayAdapter) LoadGrades(ctx context.Context, req refresh.FetchRequest) (*grades.Report, error) {
	dto, err := a.client.FetchGrades(ctx, req.Token, req.Student.ID.Int64(), 0, req.Now)
	if err != nil {
		return nil, err
	}
	a.dump(req, "grades", dto)

	key := req.Student.Key()

	subjects, fromCache := a.cachedSubjects(ctx, key)
	if fromCache && !coversCourses(subjects, dto.Courses) {
		a.logger.Debug("cached subject catalog is stale", "student", key.String())
		a.subjects.Invalidate(ctx, key)
		subjects, fromCache = nil, false
	}

	if subjects == nil {
		subjects, err = a.client.FetchSubjects(ctx, req.Token)
		if err != nil {
			return nil, err
		}
		a.dump(req, "subjects", subjects)
	}

	report, errs := a.mapper.ReportFromDTO(dto, subjects)
	a.logSkipped(req.Student, "grades", len(dto.GradingEvents), errs)

	if !fromCache && a.subjects != nil && len(report.Subjects) > 0 {
		a.subjects.Set(ctx, key, report.Subjects)
	}
	return report, nil
}

// cachedSubjects reads the catalog from the cache, converted back to the
// wire shape the mapper consumes.
func (a *PortalGatewayAdapter) cachedSubjects(ctx context.Context, key shared.StudentKey) ([]schulmanager.SubjectDTO, bool) {
	if a.subjects == nil {
		return nil, false
	}
	cached, ok := a.subjects.Get(ctx, key)
	if !ok {
		return nil, false
	}

	dtos := make([]schulmanager.SubjectDTO, 0, len(cached))
	for _, s := range cached {
		dtos = append(dtos, schulmanager.SubjectDTO{
			ID:           s.ID,
			Name:         s.Name,
			Abbreviation: s.Abbreviation,
		})
	}
	return dtos, true
}

// coversCourses reports whether every course subject is present in the
// catalog. A missing subject usually means a new course started after the
// catalog was cached.
func coversCourses(subjects []schulmanager.SubjectDTO, courses []schulmanager.CourseDTO) bool {
	known := make(map[int64]struct{}, len(subjects))
	for _, s := range subjects {
		known[s.ID] = struct{}{}
	}
	for _, c := range courses {
		if c.SubjectID == 0 {
			continue
		}
		if _, ok := known[c.SubjectID]; !ok {
			return false
		}
	}
	return true
}

func (a *PortalGatewayAdapter) dump(req refresh.FetchRequest, category string, payload any) {
	if !req.Dump || a.dumps == nil {
		return
	}
	name := category + "_response_" + req.Student.Slug() + ".json"
	if err := a.dumps.Write(name, payload); err != nil {
		a.logger.Warn("debug dump failed", "name", name, "error", err)
	}
}

func (a *PortalGatewayAdapter) logSkipped(st *student.Student, category string, total int, errs []error) {
	if len(errs) == 0 {
		return
	}
	a.logger.Warn("records skipped during mapping",
		"student", st.Slug(),
		"category", category,
		"total", total,
		"skipped", len(errs),
		"first_error", errs[0],
	)
}
