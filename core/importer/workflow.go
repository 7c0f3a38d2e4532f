package importer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/core"
)

// Stage is the Workflow's own progress, tracked independently of the remote job status.
type Stage int

const (
	StageIdle Stage = iota
	StageUploaded
	StageMapped
	StageValidating
	StageValidatedClean
	StageValidatedErrors
	StageCommitting
	StageCommitted
)

var stageNames = map[Stage]string{
	StageIdle:            "idle",
	StageUploaded:        "uploaded",
	StageMapped:          "mapped",
	StageValidating:      "validating",
	StageValidatedClean:  "validated",
	StageValidatedErrors: "validated with errors",
	StageCommitting:      "committing",
	StageCommitted:       "committed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	opUpload   = "upload"
	opMap      = "edit the mapping"
	opContinue = "continue"
	opValidate = "validate"
	opCommit   = "commit"
	opRefresh  = "refresh"
)

// State is a snapshot of a Workflow, for display.
type State struct {
	Stage           Stage         `json:"stage"`
	Job             *JobStatus    `json:"job"`
	Columns         []string      `json:"columns"`
	Mapping         FieldMapping  `json:"mapping"`
	MissingRequired []TargetField `json:"missing_required"`
	DryRun          *DryRunResult `json:"dry_run"`
	Errors          []ImportError `json:"errors"`
	Result          *CommitResult `json:"result"`
	Busy            bool          `json:"busy"`
	Notice          string        `json:"notice"`
	CanUpload       bool          `json:"can_upload"`
	CanContinue     bool          `json:"can_continue"`
	CanValidate     bool          `json:"can_validate"`
	CanCommit       bool          `json:"can_commit"`
}

// Workflow is one import session: Upload, map columns, Validate (dry-run), then Commit.
// At most one remote step runs at a time. A failed step leaves the Workflow as it was.
// A Workflow is safe for concurrent use.
type Workflow struct {
	gw     Gateway
	kind   Kind
	logger core.Logger
	status *StatusReflector

	mu         sync.Mutex
	stage      Stage
	jobID      string
	columns    []string
	mapping    *Mapping
	dryRun     *DryRunResult
	dryRunRev  uint64
	errs       []ImportError
	result     *CommitResult
	notice     string
	inflight   bool
	cancel     context.CancelFunc
	generation uint64
}

func NewWorkflow(gw Gateway, kind Kind, logger core.Logger) *Workflow {
	return &Workflow{
		gw:      gw,
		kind:    kind,
		logger:  logger,
		status:  NewStatusReflector(gw),
		mapping: NewMapping(),
	}
}

// step is one remote step in flight.
type step struct {
	ctx    context.Context
	cancel context.CancelFunc
	gen    uint64
}

// check returns an error if no step can start at the current stage. Caller holds w.mu.
func (w *Workflow) check(op string, allowed ...Stage) error {
	if w.inflight {
		return ErrBusy
	}
	for _, s := range allowed {
		if w.stage == s {
			return nil
		}
	}
	return &StageError{Op: op, Stage: w.stage}
}

// start marks a remote step as in flight. Caller holds w.mu.
func (w *Workflow) start(parent context.Context) *step {
	ctx, cancel := context.WithCancel(parent)
	w.inflight = true
	w.cancel = cancel
	return &step{ctx: ctx, cancel: cancel, gen: w.generation}
}

// release ends st. It always runs, whatever the outcome of the step.
func (w *Workflow) release(st *step) {
	st.cancel()
	w.mu.Lock()
	if st.gen == w.generation {
		w.inflight = false
		w.cancel = nil
	}
	w.mu.Unlock()
}

// stale reports whether a Reset happened since st started. Caller holds w.mu.
func (w *Workflow) stale(st *step) bool {
	return st.gen != w.generation
}

// fail restores stage and records err for display. Caller holds w.mu.
func (w *Workflow) fail(st *step, op string, stage Stage, err error) error {
	if w.stale(st) {
		return ErrWorkflowReset
	}
	rerr := remoteError(op, err)
	w.stage = stage
	w.notice = Message(rerr)
	w.logger.Warn(fmt.Sprintf("import %s failed: %v", op, rerr), rerr)
	return rerr
}

// Upload sends file to the gateway and detects its columns.
// The Workflow is Uploaded only once the upload, the job fetch and the column detection all succeeded.
func (w *Workflow) Upload(ctx context.Context, file File) error {
	w.mu.Lock()
	if err := w.check(opUpload, StageIdle); err != nil {
		w.mu.Unlock()
		return err
	}
	if err := CheckFileType(file); err != nil {
		w.notice = Message(err)
		w.mu.Unlock()
		return err
	}
	columns, err := DetectColumns(file)
	if err != nil {
		if errors.Cause(err) != ErrEmptyFile {
			err = errors.Wrap(ErrUnsupportedFileType, err.Error())
		}
		w.notice = Message(err)
		w.mu.Unlock()
		return err
	}
	st := w.start(ctx)
	w.mu.Unlock()
	defer w.release(st)

	jobID, err := w.gw.UploadImportFile(st.ctx, file, w.kind)
	if err == nil && jobID == "" {
		err = errors.New("gateway returned an empty job id")
	}
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.fail(st, opUpload, StageIdle, err)
	}
	job, err := w.gw.FetchImportJob(st.ctx, jobID)
	if err == nil && job.ID != jobID {
		err = errors.Errorf("fetched job %q, want %q", job.ID, jobID)
	}
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.fail(st, opUpload, StageIdle, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stale(st) {
		return ErrWorkflowReset
	}
	w.jobID = job.ID
	w.columns = columns
	w.mapping = NewMapping()
	w.status.Observe(job)
	w.stage = StageUploaded
	w.notice = fmt.Sprintf("Uploaded %s: %d columns detected.", file.Name, len(columns))
	return nil
}

// SetMapping maps column onto target, or unmaps column when target is empty.
// Editing the mapping after a dry-run requires a new dry-run before Commit.
func (w *Workflow) SetMapping(column string, target TargetField) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(opMap, StageUploaded, StageMapped, StageValidatedClean, StageValidatedErrors); err != nil {
		return err
	}
	if target != "" && !target.Valid() {
		return errors.Wrapf(ErrUnknownTarget, "%q", target)
	}
	if !w.hasColumn(column) {
		return errors.Wrapf(ErrUnknownColumn, "%q", column)
	}

	w.mapping.Set(column, target)
	w.invalidateDryRun()
	return nil
}

// AutoMap applies SuggestMapping to the columns that are not mapped yet.
// Targets already taken are left alone.
func (w *Workflow) AutoMap() (FieldMapping, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(opMap, StageUploaded, StageMapped, StageValidatedClean, StageValidatedErrors); err != nil {
		return nil, err
	}
	applied := make(FieldMapping)
	for col, target := range SuggestMapping(w.columns) {
		if _, mapped := w.mapping.TargetFor(col); mapped {
			continue
		}
		if _, taken := w.mapping.ColumnFor(target); taken {
			continue
		}
		w.mapping.Set(col, target)
		applied[col] = target
	}
	w.invalidateDryRun()
	return applied, nil
}

// invalidateDryRun sends a validated Workflow back to Mapped if the mapping changed since. Caller holds w.mu.
func (w *Workflow) invalidateDryRun() {
	if (w.stage == StageValidatedClean || w.stage == StageValidatedErrors) && w.mapping.Revision() != w.dryRunRev {
		w.stage = StageMapped
		w.notice = "The mapping changed: run the dry-run again before committing."
	}
}

func (w *Workflow) hasColumn(column string) bool {
	for _, c := range w.columns {
		if c == column {
			return true
		}
	}
	return false
}

// Continue ends the mapping stage. Required fields are enforced by the dry-run, not here.
func (w *Workflow) Continue() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(opContinue, StageUploaded, StageMapped); err != nil {
		return err
	}
	w.stage = StageMapped
	if missing := MissingRequired(w.mapping.Snapshot()); len(missing) > 0 {
		w.notice = fmt.Sprintf("Required fields not mapped yet: %v.", missing)
	} else {
		w.notice = ""
	}
	return nil
}

// Validate dry-runs the current mapping and fetches the resulting errors, which replace the previous ones.
// The returned error only reports a failed call; rows rejected by the dry-run are in the result.
func (w *Workflow) Validate(ctx context.Context) (DryRunResult, error) {
	w.mu.Lock()
	if err := w.check(opValidate, StageMapped, StageValidatedClean, StageValidatedErrors); err != nil {
		w.mu.Unlock()
		return DryRunResult{}, err
	}
	jobID := w.jobID
	mapping := w.mapping.Snapshot()
	rev := w.mapping.Revision()
	prev := w.stage
	w.stage = StageValidating
	st := w.start(ctx)
	w.mu.Unlock()
	defer w.release(st)

	res, err := w.gw.DryRunImport(st.ctx, jobID, mapping)
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return DryRunResult{}, w.fail(st, opValidate, prev, err)
	}
	errs, err := w.gw.FetchImportErrors(st.ctx, jobID)
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return DryRunResult{}, w.fail(st, opValidate, prev, err)
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].RowNumber < errs[j].RowNumber })

	w.mu.Lock()
	if w.stale(st) {
		w.mu.Unlock()
		return DryRunResult{}, ErrWorkflowReset
	}
	w.dryRun = &res
	w.dryRunRev = rev
	w.errs = errs
	if res.ErrorsCount == 0 && len(errs) == 0 {
		w.stage = StageValidatedClean
		w.notice = fmt.Sprintf("Dry-run passed: %d rows ready to import.", res.RowsProcessed)
	} else {
		w.stage = StageValidatedErrors
		w.notice = fmt.Sprintf("Dry-run found %d errors in %d rows processed.", max(res.ErrorsCount, len(errs)), res.RowsProcessed)
	}
	w.mu.Unlock()

	w.refresh(st.ctx)
	return res, nil
}

// canCommit reports whether the latest dry-run was clean and ran on the current mapping. Caller holds w.mu.
func (w *Workflow) canCommit() bool {
	return w.stage == StageValidatedClean &&
		w.dryRun != nil && w.dryRun.ErrorsCount == 0 && len(w.errs) == 0 &&
		w.mapping.Revision() == w.dryRunRev
}

// Commit asks the gateway to create and update the job's records.
// It is refused, without any remote call, unless the latest dry-run is clean and still current.
func (w *Workflow) Commit(ctx context.Context) (CommitResult, error) {
	w.mu.Lock()
	if w.inflight {
		w.mu.Unlock()
		return CommitResult{}, ErrBusy
	}
	if !w.canCommit() {
		w.mu.Unlock()
		return CommitResult{}, ErrCommitNotAllowed
	}
	jobID := w.jobID
	mapping := w.mapping.Snapshot()
	w.stage = StageCommitting
	st := w.start(ctx)
	w.mu.Unlock()
	defer w.release(st)

	res, err := w.gw.CommitImport(st.ctx, jobID, mapping)
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return CommitResult{}, w.fail(st, opCommit, StageValidatedClean, err)
	}

	w.mu.Lock()
	if w.stale(st) {
		w.mu.Unlock()
		return CommitResult{}, ErrWorkflowReset
	}
	w.result = &res
	w.stage = StageCommitted
	w.notice = fmt.Sprintf(
		"Import committed: %d courses created, %d updated; %d modules created, %d updated.",
		res.CreatedCourses, res.UpdatedCourses, res.CreatedModules, res.UpdatedModules,
	)
	w.mu.Unlock()

	w.refresh(st.ctx)
	return res, nil
}

// refresh updates the displayed job status. Failures are only logged.
func (w *Workflow) refresh(ctx context.Context) {
	if _, err := w.status.Refresh(ctx); err != nil && errors.Cause(err) != ErrWorkflowReset {
		w.logger.Warn(fmt.Sprintf("refreshing import job status: %v", err), err)
	}
}

// RefreshJob re-fetches the remote job for display. It never changes the Workflow's stage.
func (w *Workflow) RefreshJob(ctx context.Context) (JobStatus, error) {
	return w.status.Refresh(ctx)
}

// Reset forgets everything about the current import and cancels the step in flight, if any.
// The remote job is left as is.
func (w *Workflow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.generation++
	w.inflight = false
	w.stage = StageIdle
	w.jobID = ""
	w.columns = nil
	w.mapping = NewMapping()
	w.dryRun = nil
	w.dryRunRev = 0
	w.errs = nil
	w.result = nil
	w.notice = ""
	w.status.Clear()
}

func (w *Workflow) JobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobID
}

func (w *Workflow) Stage() Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}

func (w *Workflow) CanValidate() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.check(opValidate, StageMapped, StageValidatedClean, StageValidatedErrors) == nil
}

func (w *Workflow) CanCommit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.inflight && w.canCommit()
}

// State returns a copy of the Workflow's state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	mapping := w.mapping.Snapshot()
	s := State{
		Stage:           w.stage,
		Mapping:         mapping,
		MissingRequired: MissingRequired(mapping),
		Errors:          append([]ImportError(nil), w.errs...),
		Busy:            w.inflight,
		Notice:          w.notice,
		CanUpload:       w.check(opUpload, StageIdle) == nil,
		CanContinue:     w.check(opContinue, StageUploaded, StageMapped) == nil,
		CanValidate:     w.check(opValidate, StageMapped, StageValidatedClean, StageValidatedErrors) == nil,
		CanCommit:       !w.inflight && w.canCommit(),
	}
	if w.columns != nil {
		s.Columns = append(make([]string, 0, len(w.columns)), w.columns...)
	}
	if job, ok := w.status.Last(); ok {
		s.Job = &job
	}
	if w.dryRun != nil {
		dr := *w.dryRun
		s.DryRun = &dr
	}
	if w.result != nil {
		res := *w.result
		s.Result = &res
	}
	return s
}
