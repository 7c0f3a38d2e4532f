// Package courseimport executes course import jobs: it stores uploaded files,
// dry-runs them against a column mapping and commits their courses and modules.
package courseimport

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

var (
	ErrJobNotFound      = errors.New("import job not found")
	ErrFileTooLarge     = errors.New("the file exceeds the maximum upload size")
	ErrUnsupportedKind  = errors.New("unsupported import kind")
	ErrCommitRejected   = errors.New("the job needs a clean dry-run of this mapping before it can be committed")
	ErrAlreadyCommitted = errors.New("the job is already committed")
	ErrCatalogChanged   = errors.New("the course catalog changed while the job was being committed, commit it again")
)

// Error codes of an importer.ImportError.
const (
	// row level
	CodeMissingRequired   = "missing_required"
	CodeInvalidInteger    = "invalid_integer"
	CodeInvalidBoolean    = "invalid_boolean"
	CodeInvalidValue      = "invalid_value"
	CodeInvalidURL        = "invalid_url"
	CodeConflictingCourse = "conflicting_course"
	CodeDuplicateModule   = "duplicate_module"

	// job level, reported on row 0
	CodeUnknownColumn   = "unknown_column"
	CodeUnknownTarget   = "unknown_target"
	CodeDuplicateTarget = "duplicate_target"
	CodeMissingMapping  = "missing_mapping"
	CodeParseError      = "parse_error"
)

const (
	DefaultCourseStatus = "draft"
	DefaultContentType  = "text"
)

type (
	// Job is an import job as stored.
	Job struct {
		importer.Job
		ContentType string
		UploadedBy  string
		DryRun      *DryRun // latest dry-run, if any
		UpdatedAt   time.Time
	}

	DryRun struct {
		Fingerprint   string // of the mapping it ran with
		RowsProcessed int
		ErrorsCount   int
		RanAt         time.Time
	}

	Course struct {
		ID               string    `json:"id"`
		ExternalID       string    `json:"external_id"`
		Title            string    `json:"title"`
		ShortDescription string    `json:"short_description"`
		Description      string    `json:"description"`
		Category         string    `json:"category"`
		Difficulty       string    `json:"difficulty"`
		DurationMinutes  int       `json:"duration_minutes"`
		IsMandatory      bool      `json:"is_mandatory"`
		Status           string    `json:"status"`
		CreatedAt        time.Time `json:"created_at"`
		UpdatedAt        time.Time `json:"updated_at"`
	}

	Module struct {
		ID              string    `json:"id"`
		CourseID        string    `json:"course_id"`
		ExternalID      string    `json:"external_id"`
		Title           string    `json:"title"`
		Description     string    `json:"description"`
		OrderIndex      int       `json:"order_index"`
		ContentType     string    `json:"content_type"`
		ContentURL      string    `json:"content_url"`
		DurationMinutes int       `json:"duration_minutes"`
		IsRequired      bool      `json:"is_required"`
		CreatedAt       time.Time `json:"created_at"`
		UpdatedAt       time.Time `json:"updated_at"`
	}

	// Plan is the set of writes a commit applies.
	Plan struct {
		Fingerprint    string // the dry-run it was built from
		NewCourses     []Course
		ChangedCourses []Course
		NewModules     []Module
		ChangedModules []Module
	}

	Store interface {
		CreateJob(ctx context.Context, job Job, data []byte) error
		GetJob(ctx context.Context, id string) (Job, error)
		GetJobFile(ctx context.Context, id string) ([]byte, error)
		// SaveDryRun records run with the job's new status and replaces all of its errors.
		SaveDryRun(ctx context.Context, id string, run DryRun, status string, errs []importer.ImportError) error
		// QueryErrors returns a job's errors ordered by row number, then ID.
		QueryErrors(ctx context.Context, id string) ([]importer.ImportError, error)
		FindCourses(ctx context.Context, externalIDs []string) ([]Course, error)
		FindModules(ctx context.Context, courseIDs []string) ([]Module, error)
		// ApplyCommit writes plan and marks the job committed with plan's totals, all or nothing.
		// It fails with ErrAlreadyCommitted if the job is committed,
		// and with ErrCommitRejected if the job's latest dry-run is not a clean one of plan.Fingerprint.
		// It fails with ErrCatalogChanged, writing nothing, if a course or module of plan.NewCourses
		// or plan.NewModules exists by the time it runs.
		ApplyCommit(ctx context.Context, jobID string, plan Plan) error
	}
)

func (p Plan) Totals() importer.CommitResult {
	return importer.CommitResult{
		CreatedCourses: len(p.NewCourses),
		UpdatedCourses: len(p.ChangedCourses),
		CreatedModules: len(p.NewModules),
		UpdatedModules: len(p.ChangedModules),
	}
}

// Committable reports whether job's latest dry-run is a clean one of the mapping with fingerprint fp.
func (j Job) Committable(fp string) bool {
	return j.DryRun != nil && j.DryRun.ErrorsCount == 0 && j.DryRun.Fingerprint == fp
}
