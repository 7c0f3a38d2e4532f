package inmemdb

import (
	"context"
	"sort"

	"github.com/DavieBik/questify-glow-sub000/core/courseimport"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

type importStore struct {
	db *DB
}

var _ courseimport.Store = (*importStore)(nil)

func NewImportStore(db *DB) *importStore {
	return &importStore{db: db}
}

func copyJob(job courseimport.Job) courseimport.Job {
	if job.DryRun != nil {
		dr := *job.DryRun
		job.DryRun = &dr
	}
	if job.Totals != nil {
		totals := *job.Totals
		job.Totals = &totals
	}
	return job
}

func (s *importStore) CreateJob(_ context.Context, job courseimport.Job, data []byte) error {
	s.db.mutex.Lock()
	defer s.db.mutex.Unlock()

	s.db.jobs[job.ID] = &jobRow{job: copyJob(job), data: append([]byte(nil), data...)}
	return nil
}

func (s *importStore) GetJob(_ context.Context, id string) (courseimport.Job, error) {
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	if row, ok := s.db.jobs[id]; ok {
		return copyJob(row.job), nil
	}
	return courseimport.Job{}, courseimport.ErrJobNotFound
}

func (s *importStore) GetJobFile(_ context.Context, id string) ([]byte, error) {
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	if row, ok := s.db.jobs[id]; ok {
		return append([]byte(nil), row.data...), nil
	}
	return nil, courseimport.ErrJobNotFound
}

func (s *importStore) SaveDryRun(_ context.Context, id string, run courseimport.DryRun, status string, errs []importer.ImportError) error {
	s.db.mutex.Lock()
	defer s.db.mutex.Unlock()

	row, ok := s.db.jobs[id]
	if !ok {
		return courseimport.ErrJobNotFound
	}
	row.job.DryRun = &run
	row.job.Status = status
	row.job.UpdatedAt = run.RanAt
	row.errors = append([]importer.ImportError(nil), errs...)
	return nil
}

func (s *importStore) QueryErrors(_ context.Context, id string) ([]importer.ImportError, error) {
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	row, ok := s.db.jobs[id]
	if !ok {
		return nil, courseimport.ErrJobNotFound
	}
	errs := append(make([]importer.ImportError, 0, len(row.errors)), row.errors...)
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].RowNumber != errs[j].RowNumber {
			return errs[i].RowNumber < errs[j].RowNumber
		}
		return errs[i].ID < errs[j].ID
	})
	return errs, nil
}

func (s *importStore) FindCourses(_ context.Context, externalIDs []string) ([]courseimport.Course, error) {
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	wanted := make(map[string]bool, len(externalIDs))
	for _, ext := range externalIDs {
		wanted[ext] = true
	}
	var courses []courseimport.Course
	for _, c := range s.db.courses {
		if wanted[c.ExternalID] {
			courses = append(courses, *c)
		}
	}
	return courses, nil
}

func (s *importStore) FindModules(_ context.Context, courseIDs []string) ([]courseimport.Module, error) {
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	wanted := make(map[string]bool, len(courseIDs))
	for _, id := range courseIDs {
		wanted[id] = true
	}
	var modules []courseimport.Module
	for _, m := range s.db.modules {
		if wanted[m.CourseID] {
			modules = append(modules, *m)
		}
	}
	return modules, nil
}

func (s *importStore) ApplyCommit(_ context.Context, jobID string, plan courseimport.Plan) error {
	s.db.mutex.Lock()
	defer s.db.mutex.Unlock()

	row, ok := s.db.jobs[jobID]
	switch {
	case !ok:
		return courseimport.ErrJobNotFound
	case row.job.Status == importer.StatusCommitted:
		return courseimport.ErrAlreadyCommitted
	case !row.job.Committable(plan.Fingerprint):
		return courseimport.ErrCommitRejected
	case s.outdated(plan):
		return courseimport.ErrCatalogChanged
	}

	for _, list := range [][]courseimport.Course{plan.NewCourses, plan.ChangedCourses} {
		for _, c := range list {
			c := c
			s.db.courses[c.ID] = &c
		}
	}
	for _, list := range [][]courseimport.Module{plan.NewModules, plan.ChangedModules} {
		for _, m := range list {
			m := m
			s.db.modules[m.ID] = &m
		}
	}

	totals := plan.Totals()
	row.job.Totals = &totals
	row.job.Status = importer.StatusCommitted
	return nil
}

// outdated reports whether a course or module plan would create exists already. Caller holds the lock.
func (s *importStore) outdated(plan courseimport.Plan) bool {
	courses := make(map[string]bool, len(s.db.courses))
	for _, c := range s.db.courses {
		courses[c.ExternalID] = true
	}
	for _, c := range plan.NewCourses {
		if courses[c.ExternalID] {
			return true
		}
	}

	modules := make(map[string]bool, len(s.db.modules))
	for _, m := range s.db.modules {
		modules[m.CourseID+"\x00"+m.ExternalID] = true
	}
	for _, m := range plan.NewModules {
		if modules[m.CourseID+"\x00"+m.ExternalID] {
			return true
		}
	}
	return false
}

// QueryCourses returns every course, by external ID.
func (s *importStore) QueryCourses() []courseimport.Course {
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	courses := make([]courseimport.Course, 0, len(s.db.courses))
	for _, c := range s.db.courses {
		courses = append(courses, *c)
	}
	sort.Slice(courses, func(i, j int) bool { return courses[i].ExternalID < courses[j].ExternalID })
	return courses
}

// QueryModules returns the modules of a course in order.
func (s *importStore) QueryModules(courseID string) []courseimport.Module {
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	var modules []courseimport.Module
	for _, m := range s.db.modules {
		if m.CourseID == courseID {
			modules = append(modules, *m)
		}
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].OrderIndex < modules[j].OrderIndex })
	return modules
}
