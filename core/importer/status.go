package importer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var nowFunc = time.Now // mockable

// JobStatus is the last known remote state of a job.
type JobStatus struct {
	JobID            string        `json:"job_id"`
	Status           string        `json:"status"`
	Totals           *CommitResult `json:"totals"`
	OriginalFilename string        `json:"original_filename"`
	Source           string        `json:"source"`
	CreatedAt        time.Time     `json:"created_at"`
	RefreshedAt      time.Time     `json:"refreshed_at"`
}

func statusOf(job Job) JobStatus {
	return JobStatus{
		JobID:            job.ID,
		Status:           job.Status,
		Totals:           job.Totals,
		OriginalFilename: job.OriginalFilename,
		Source:           job.Source,
		CreatedAt:        job.CreatedAt,
		RefreshedAt:      nowFunc(),
	}
}

// StatusReflector mirrors the remote record of the watched job for display.
// It is read-only: nothing it reports drives the Workflow.
type StatusReflector struct {
	gw Gateway

	mu    sync.RWMutex
	jobID string
	last  *JobStatus
}

func NewStatusReflector(gw Gateway) *StatusReflector {
	return &StatusReflector{gw: gw}
}

// Observe starts watching job, using it as the last known status.
func (r *StatusReflector) Observe(job Job) {
	st := statusOf(job)
	r.mu.Lock()
	r.jobID = job.ID
	r.last = &st
	r.mu.Unlock()
}

// Refresh fetches the watched job. A result for a job that stopped being watched meanwhile is dropped.
func (r *StatusReflector) Refresh(ctx context.Context) (JobStatus, error) {
	r.mu.RLock()
	jobID := r.jobID
	r.mu.RUnlock()
	if jobID == "" {
		return JobStatus{}, ErrNoJob
	}

	job, err := r.gw.FetchImportJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, remoteError(opRefresh, err)
	}
	if job.ID != jobID {
		return JobStatus{}, remoteError(opRefresh, errors.Errorf("fetched job %q, want %q", job.ID, jobID))
	}
	st := statusOf(job)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobID != jobID {
		return JobStatus{}, ErrWorkflowReset
	}
	r.last = &st
	return st, nil
}

// Last returns the last known status, if a job is watched.
func (r *StatusReflector) Last() (JobStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return JobStatus{}, false
	}
	return *r.last, true
}

// Clear stops watching.
func (r *StatusReflector) Clear() {
	r.mu.Lock()
	r.jobID = ""
	r.last = nil
	r.mu.Unlock()
}
