package courseimport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

var nowFunc = func() time.Time { return time.Now().UTC() } // mockable

const (
	committedTemplate = "import_committed"
	commitAttempts    = 3
)

type (
	Options struct {
		Source       string // label stored on new jobs
		MaxFileSize  int64  // 0 disables the check
		NotifyEmails []mail.Address
	}

	// Service runs import jobs in-process. It implements importer.Gateway.
	Service struct {
		store   Store
		mailSvc core.EmailService
		logger  core.Logger
		rows    *rowValidator
		opts    Options
	}

	commitNotice struct {
		JobID       string
		Filename    string
		CommittedBy string
		Totals      importer.CommitResult
	}
)

var _ importer.Gateway = (*Service)(nil)

func NewService(store Store, mailSvc core.EmailService, logger core.Logger, opts Options) *Service {
	return &Service{
		store:   store,
		mailSvc: mailSvc,
		logger:  logger,
		rows:    newRowValidator(),
		opts:    opts,
	}
}

// OptionsFromConfig reads the Service options from conf.
func OptionsFromConfig(conf *core.Config) Options {
	return Options{
		Source:       conf.Import.Source,
		MaxFileSize:  conf.Server.MaxUploadSize,
		NotifyEmails: conf.NotifyAddresses(),
	}
}

// Fingerprint identifies a mapping, whatever the order of its entries.
func Fingerprint(fm importer.FieldMapping) string {
	pairs := make([]string, 0, len(fm))
	for col, target := range fm {
		pairs = append(pairs, col+"="+string(target))
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(sum[:])
}

func (svc *Service) UploadImportFile(ctx context.Context, file importer.File, kind importer.Kind) (string, error) {
	if !kind.Valid() {
		return "", core.NewValidationError(ErrUnsupportedKind, core.FieldError{Field: "kind", Error: ErrUnsupportedKind.Error()})
	}
	if len(file.Data) == 0 {
		return "", core.NewValidationError(importer.ErrEmptyFile, core.FieldError{Field: "file", Error: importer.ErrEmptyFile.Error()})
	}
	if svc.opts.MaxFileSize > 0 && int64(len(file.Data)) > svc.opts.MaxFileSize {
		return "", core.NewValidationError(ErrFileTooLarge, core.FieldError{Field: "file", Error: ErrFileTooLarge.Error()})
	}
	if err := importer.CheckFileType(file); err != nil {
		return "", core.NewValidationError(err, core.FieldError{Field: "file", Error: err.Error()})
	}
	if file.ContentType == "" {
		file.ContentType = mimetype.Detect(file.Data).String()
	}

	now := nowFunc()
	job := Job{
		Job: importer.Job{
			ID:               uuid.NewString(),
			Kind:             kind,
			Source:           svc.opts.Source,
			Status:           importer.StatusUploaded,
			OriginalFilename: file.Name,
			CreatedAt:        now,
		},
		ContentType: file.ContentType,
		UpdatedAt:   now,
	}
	if p, err := core.PrincipalFromContext(ctx); err == nil {
		job.UploadedBy = p.ID
	}

	if err := svc.store.CreateJob(ctx, job, file.Data); err != nil {
		return "", errors.Wrap(err, "storing import job")
	}
	svc.logger.Info(fmt.Sprintf("import job %s uploaded: %s (%d bytes)", job.ID, file.Name, len(file.Data)))
	return job.ID, nil
}

func (svc *Service) FetchImportJob(ctx context.Context, jobID string) (importer.Job, error) {
	job, err := svc.store.GetJob(ctx, jobID)
	if err != nil {
		return importer.Job{}, err
	}
	return job.Job, nil
}

// GetJob returns the stored job, with its latest dry-run.
func (svc *Service) GetJob(ctx context.Context, jobID string) (Job, error) {
	return svc.store.GetJob(ctx, jobID)
}

func (svc *Service) loadFile(ctx context.Context, job Job) (importer.File, error) {
	data, err := svc.store.GetJobFile(ctx, job.ID)
	if err != nil {
		return importer.File{}, err
	}
	return importer.File{Name: job.OriginalFilename, ContentType: job.ContentType, Data: data}, nil
}

func (svc *Service) DryRunImport(ctx context.Context, jobID string, mapping importer.FieldMapping) (importer.DryRunResult, error) {
	job, err := svc.store.GetJob(ctx, jobID)
	if err != nil {
		return importer.DryRunResult{}, err
	}
	if job.Status == importer.StatusCommitted {
		return importer.DryRunResult{}, core.NewValidationError(ErrAlreadyCommitted)
	}
	file, err := svc.loadFile(ctx, job)
	if err != nil {
		return importer.DryRunResult{}, err
	}

	an := svc.rows.analyze(file, mapping)
	run := DryRun{
		Fingerprint:   Fingerprint(mapping),
		RowsProcessed: an.processed,
		ErrorsCount:   len(an.errs),
		RanAt:         nowFunc(),
	}
	status := importer.StatusValidated
	if run.ErrorsCount > 0 {
		status = importer.StatusFailed
	}
	if err := svc.store.SaveDryRun(ctx, jobID, run, status, an.errs); err != nil {
		return importer.DryRunResult{}, errors.Wrap(err, "saving dry-run")
	}

	svc.logger.Info(fmt.Sprintf("import job %s dry-run: %d rows, %d errors", jobID, run.RowsProcessed, run.ErrorsCount))
	return importer.DryRunResult{RowsProcessed: run.RowsProcessed, ErrorsCount: run.ErrorsCount}, nil
}

func (svc *Service) FetchImportErrors(ctx context.Context, jobID string) ([]importer.ImportError, error) {
	if _, err := svc.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return svc.store.QueryErrors(ctx, jobID)
}

func (svc *Service) CommitImport(ctx context.Context, jobID string, mapping importer.FieldMapping) (importer.CommitResult, error) {
	job, err := svc.store.GetJob(ctx, jobID)
	if err != nil {
		return importer.CommitResult{}, err
	}
	if job.Status == importer.StatusCommitted {
		return importer.CommitResult{}, core.NewValidationError(ErrAlreadyCommitted)
	}
	fp := Fingerprint(mapping)
	if !job.Committable(fp) {
		return importer.CommitResult{}, core.NewValidationError(ErrCommitRejected)
	}

	file, err := svc.loadFile(ctx, job)
	if err != nil {
		return importer.CommitResult{}, err
	}
	an := svc.rows.analyze(file, mapping)
	if len(an.errs) > 0 {
		return importer.CommitResult{}, core.NewValidationError(ErrCommitRejected)
	}

	plan, err := svc.commit(ctx, jobID, an.rows, fp)
	if err != nil {
		switch errors.Cause(err) {
		case ErrAlreadyCommitted, ErrCommitRejected, ErrCatalogChanged:
			return importer.CommitResult{}, core.NewValidationError(errors.Cause(err))
		}
		return importer.CommitResult{}, err
	}

	totals := plan.Totals()
	svc.logger.Info(fmt.Sprintf("import job %s committed: %+v", jobID, totals))
	svc.notifyCommitted(ctx, job, file, totals)
	return totals, nil
}

// commit plans rows against the current catalog and applies the plan.
// A plan outdated by a concurrent commit is rebuilt, at most commitAttempts times.
func (svc *Service) commit(ctx context.Context, jobID string, rows []parsedRow, fp string) (Plan, error) {
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		var plan Plan
		if plan, err = buildPlan(ctx, svc.store, rows, fp, nowFunc()); err != nil {
			return Plan{}, errors.Wrap(err, "planning commit")
		}
		err = svc.store.ApplyCommit(ctx, jobID, plan)
		switch errors.Cause(err) {
		case nil:
			return plan, nil
		case ErrCatalogChanged:
			svc.logger.Warn(fmt.Sprintf("import job %s: catalog changed during commit, attempt %d", jobID, attempt))
			continue
		case ErrAlreadyCommitted, ErrCommitRejected:
			return Plan{}, err
		}
		return Plan{}, errors.Wrap(err, "applying commit")
	}
	return Plan{}, err
}

// notifyCommitted mails the commit totals, with the committed file attached.
func (svc *Service) notifyCommitted(ctx context.Context, job Job, file importer.File, totals importer.CommitResult) {
	if svc.mailSvc == nil || len(svc.opts.NotifyEmails) == 0 {
		return
	}
	notice := commitNotice{JobID: job.ID, Filename: job.OriginalFilename, Totals: totals}
	if p, err := core.PrincipalFromContext(ctx); err == nil {
		notice.CommittedBy = p.Name
		if notice.CommittedBy == "" {
			notice.CommittedBy = p.Email
		}
	}
	msg := &core.EmailMessage{
		To:           svc.opts.NotifyEmails,
		Subject:      "Course import committed",
		TemplateName: committedTemplate,
		TemplateData: notice,
	}
	if err := msg.Attach(bytes.NewReader(file.Data), file.Name, file.ContentType); err != nil {
		svc.logger.Warn(fmt.Sprintf("import job %s: attaching %s to the commit notice", job.ID, file.Name), err)
	}
	svc.mailSvc.SendMessages(msg)
}
