// Package importer drives the multi-step course import: upload, column mapping,
// dry-run validation and commit, against a remote import job.
package importer

import "time"

// Kind tags the type of an import job.
type Kind string

const KindCoursesModules Kind = "courses_modules"

// Kinds are the import kinds the gateway accepts.
var Kinds = []Kind{KindCoursesModules}

// Remote job statuses. The Workflow never derives its stage from them.
const (
	StatusUploaded  = "uploaded"
	StatusMapped    = "mapped"
	StatusValidated = "validated"
	StatusFailed    = "failed"
	StatusCommitted = "committed"
)

type (
	// File is a local file picked for upload.
	File struct {
		Name        string
		ContentType string
		Data        []byte
	}

	// Job is the remote record of one import attempt.
	Job struct {
		ID               string        `json:"id" validate:"required"`
		Kind             Kind          `json:"kind" validate:"required"`
		Source           string        `json:"source"`
		Status           string        `json:"status" validate:"required"`
		OriginalFilename string        `json:"original_filename"`
		CreatedAt        time.Time     `json:"created_at"`
		Totals           *CommitResult `json:"totals"`
	}

	// ImportError is one row rejected by a dry-run. RowNumber is 1-based and excludes the header;
	// errors about the file or the mapping as a whole use row 0.
	ImportError struct {
		ID        string            `json:"id" validate:"required"`
		RowNumber int               `json:"row_number" validate:"gte=0"`
		Code      string            `json:"code" validate:"required"`
		Message   string            `json:"message"`
		Raw       map[string]string `json:"raw,omitempty"`
	}

	DryRunResult struct {
		RowsProcessed int `json:"rows_processed" validate:"gte=0"`
		ErrorsCount   int `json:"errors_count" validate:"gte=0"`
	}

	CommitResult struct {
		CreatedCourses int `json:"created_courses" validate:"gte=0"`
		UpdatedCourses int `json:"updated_courses" validate:"gte=0"`
		CreatedModules int `json:"created_modules" validate:"gte=0"`
		UpdatedModules int `json:"updated_modules" validate:"gte=0"`
	}
)

func (r CommitResult) Total() int {
	return r.CreatedCourses + r.UpdatedCourses + r.CreatedModules + r.UpdatedModules
}
