package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/courseimport"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

const (
	jobColumns = `id, kind, source, status, original_filename, content_type, uploaded_by, totals,
		dry_run_fingerprint, dry_run_rows, dry_run_errors, dry_run_at, created_at, updated_at`
	courseColumns = `id, external_id, title, short_description, description, category, difficulty,
		duration_minutes, is_mandatory, status, created_at, updated_at`
	moduleColumns = `id, course_id, external_id, title, description, order_index, content_type, content_url,
		duration_minutes, is_required, created_at, updated_at`

	insertJobQuery = `INSERT INTO import_jobs
		(id, kind, source, status, original_filename, content_type, file_data, uploaded_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	saveDryRunQuery = `UPDATE import_jobs
		SET status = $2, dry_run_fingerprint = $3, dry_run_rows = $4, dry_run_errors = $5, dry_run_at = $6, updated_at = $6
		WHERE id = $1`
	insertErrorsQuery = `INSERT INTO import_errors (id, job_id, row_number, code, message, raw)
		VALUES (:id, :job_id, :row_number, :code, :message, :raw)`
	courseValues = `VALUES (:id, :external_id, :title, :short_description, :description, :category, :difficulty,
			:duration_minutes, :is_mandatory, :status, :created_at, :updated_at)`
	moduleValues = `VALUES (:id, :course_id, :external_id, :title, :description, :order_index, :content_type, :content_url,
			:duration_minutes, :is_required, :created_at, :updated_at)`
	insertCoursesQuery = `INSERT INTO courses (` + courseColumns + `) ` + courseValues + `
		ON CONFLICT (external_id) DO NOTHING`
	insertModulesQuery = `INSERT INTO course_modules (` + moduleColumns + `) ` + moduleValues + `
		ON CONFLICT (course_id, external_id) DO NOTHING`
	upsertCoursesQuery = `INSERT INTO courses (` + courseColumns + `) ` + courseValues + `
		ON CONFLICT (external_id) DO UPDATE SET
			title = EXCLUDED.title,
			short_description = EXCLUDED.short_description,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			difficulty = EXCLUDED.difficulty,
			duration_minutes = EXCLUDED.duration_minutes,
			is_mandatory = EXCLUDED.is_mandatory,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`
	upsertModulesQuery = `INSERT INTO course_modules (` + moduleColumns + `) ` + moduleValues + `
		ON CONFLICT (course_id, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			order_index = EXCLUDED.order_index,
			content_type = EXCLUDED.content_type,
			content_url = EXCLUDED.content_url,
			duration_minutes = EXCLUDED.duration_minutes,
			is_required = EXCLUDED.is_required,
			updated_at = EXCLUDED.updated_at`
	commitJobQuery = `UPDATE import_jobs SET status = $2, totals = $3, updated_at = $4 WHERE id = $1`
)

type (
	jobRecord struct {
		ID                string      `db:"id"`
		Kind              string      `db:"kind"`
		Source            string      `db:"source"`
		Status            string      `db:"status"`
		OriginalFilename  string      `db:"original_filename"`
		ContentType       string      `db:"content_type"`
		UploadedBy        null.String `db:"uploaded_by"`
		Totals            null.JSON   `db:"totals"`
		DryRunFingerprint null.String `db:"dry_run_fingerprint"`
		DryRunRows        null.Int    `db:"dry_run_rows"`
		DryRunErrors      null.Int    `db:"dry_run_errors"`
		DryRunAt          null.Time   `db:"dry_run_at"`
		CreatedAt         time.Time   `db:"created_at"`
		UpdatedAt         time.Time   `db:"updated_at"`
	}

	errorRecord struct {
		ID        string    `db:"id"`
		JobID     string    `db:"job_id"`
		RowNumber int       `db:"row_number"`
		Code      string    `db:"code"`
		Message   string    `db:"message"`
		Raw       null.JSON `db:"raw"`
	}

	courseRecord struct {
		ID               string      `db:"id"`
		ExternalID       string      `db:"external_id"`
		Title            string      `db:"title"`
		ShortDescription null.String `db:"short_description"`
		Description      null.String `db:"description"`
		Category         null.String `db:"category"`
		Difficulty       null.String `db:"difficulty"`
		DurationMinutes  null.Int    `db:"duration_minutes"`
		IsMandatory      bool        `db:"is_mandatory"`
		Status           string      `db:"status"`
		CreatedAt        time.Time   `db:"created_at"`
		UpdatedAt        time.Time   `db:"updated_at"`
	}

	moduleRecord struct {
		ID              string      `db:"id"`
		CourseID        string      `db:"course_id"`
		ExternalID      string      `db:"external_id"`
		Title           string      `db:"title"`
		Description     null.String `db:"description"`
		OrderIndex      int         `db:"order_index"`
		ContentType     null.String `db:"content_type"`
		ContentURL      null.String `db:"content_url"`
		DurationMinutes null.Int    `db:"duration_minutes"`
		IsRequired      bool        `db:"is_required"`
		CreatedAt       time.Time   `db:"created_at"`
		UpdatedAt       time.Time   `db:"updated_at"`
	}
)

func (rec jobRecord) job() (courseimport.Job, error) {
	job := courseimport.Job{
		Job: importer.Job{
			ID:               rec.ID,
			Kind:             importer.Kind(rec.Kind),
			Source:           rec.Source,
			Status:           rec.Status,
			OriginalFilename: rec.OriginalFilename,
			CreatedAt:        rec.CreatedAt,
		},
		ContentType: rec.ContentType,
		UploadedBy:  rec.UploadedBy.String,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.Totals.Valid {
		var totals importer.CommitResult
		if err := json.Unmarshal(rec.Totals.JSON, &totals); err != nil {
			return courseimport.Job{}, errors.Wrap(err, "decoding job totals")
		}
		job.Totals = &totals
	}
	if rec.DryRunAt.Valid {
		job.DryRun = &courseimport.DryRun{
			Fingerprint:   rec.DryRunFingerprint.String,
			RowsProcessed: rec.DryRunRows.Int,
			ErrorsCount:   rec.DryRunErrors.Int,
			RanAt:         rec.DryRunAt.Time,
		}
	}
	return job, nil
}

func errorRecordFrom(jobID string, e importer.ImportError) (errorRecord, error) {
	rec := errorRecord{ID: e.ID, JobID: jobID, RowNumber: e.RowNumber, Code: e.Code, Message: e.Message}
	if e.Raw != nil {
		raw, err := json.Marshal(e.Raw)
		if err != nil {
			return errorRecord{}, errors.Wrap(err, "encoding raw row")
		}
		rec.Raw = null.JSONFrom(raw)
	}
	return rec, nil
}

func (rec errorRecord) importError() (importer.ImportError, error) {
	e := importer.ImportError{ID: rec.ID, RowNumber: rec.RowNumber, Code: rec.Code, Message: rec.Message}
	if rec.Raw.Valid {
		if err := json.Unmarshal(rec.Raw.JSON, &e.Raw); err != nil {
			return importer.ImportError{}, errors.Wrap(err, "decoding raw row")
		}
	}
	return e, nil
}

func courseRecordFrom(c courseimport.Course) courseRecord {
	return courseRecord{
		ID:               c.ID,
		ExternalID:       c.ExternalID,
		Title:            c.Title,
		ShortDescription: null.NewString(c.ShortDescription, c.ShortDescription != ""),
		Description:      null.NewString(c.Description, c.Description != ""),
		Category:         null.NewString(c.Category, c.Category != ""),
		Difficulty:       null.NewString(c.Difficulty, c.Difficulty != ""),
		DurationMinutes:  null.NewInt(c.DurationMinutes, c.DurationMinutes != 0),
		IsMandatory:      c.IsMandatory,
		Status:           c.Status,
		CreatedAt:        c.CreatedAt.UTC(),
		UpdatedAt:        c.UpdatedAt.UTC(),
	}
}

func (rec courseRecord) course() courseimport.Course {
	return courseimport.Course{
		ID:               rec.ID,
		ExternalID:       rec.ExternalID,
		Title:            rec.Title,
		ShortDescription: rec.ShortDescription.String,
		Description:      rec.Description.String,
		Category:         rec.Category.String,
		Difficulty:       rec.Difficulty.String,
		DurationMinutes:  rec.DurationMinutes.Int,
		IsMandatory:      rec.IsMandatory,
		Status:           rec.Status,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func moduleRecordFrom(m courseimport.Module) moduleRecord {
	return moduleRecord{
		ID:              m.ID,
		CourseID:        m.CourseID,
		ExternalID:      m.ExternalID,
		Title:           m.Title,
		Description:     null.NewString(m.Description, m.Description != ""),
		OrderIndex:      m.OrderIndex,
		ContentType:     null.NewString(m.ContentType, m.ContentType != ""),
		ContentURL:      null.NewString(m.ContentURL, m.ContentURL != ""),
		DurationMinutes: null.NewInt(m.DurationMinutes, m.DurationMinutes != 0),
		IsRequired:      m.IsRequired,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

func (rec moduleRecord) module() courseimport.Module {
	return courseimport.Module{
		ID:              rec.ID,
		CourseID:        rec.CourseID,
		ExternalID:      rec.ExternalID,
		Title:           rec.Title,
		Description:     rec.Description.String,
		OrderIndex:      rec.OrderIndex,
		ContentType:     rec.ContentType.String,
		ContentURL:      rec.ContentURL.String,
		DurationMinutes: rec.DurationMinutes.Int,
		IsRequired:      rec.IsRequired,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// importStore is the Postgres courseimport.Store.
type importStore struct {
	db *sqlx.DB
}

var _ courseimport.Store = (*importStore)(nil) // interface compliance check

func NewImportStore(db *sqlx.DB) *importStore {
	return &importStore{db: db}
}

// trapNoRowsErr maps psql "no rows" err to courseimport.ErrJobNotFound.
// A closed connection asks the API to shut down.
func (s importStore) trapNoRowsErr(err error, msg string) error {
	switch errors.Cause(err) {
	case sql.ErrNoRows:
		return courseimport.ErrJobNotFound
	case sql.ErrConnDone:
		return core.NewShutdownError(msg + ": " + err.Error())
	}
	return errors.Wrap(err, msg)
}

// insertAll inserts the n records of arg, skipping existing keys.
// Any skipped record fails with courseimport.ErrCatalogChanged.
func insertAll(ctx context.Context, tx *sqlx.Tx, query string, arg interface{}, n int, msg string) error {
	if n == 0 {
		return nil
	}
	res, err := tx.NamedExecContext(ctx, query, arg)
	if err != nil {
		return errors.Wrap(err, msg)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, msg)
	}
	if inserted != int64(n) {
		return courseimport.ErrCatalogChanged
	}
	return nil
}

// withTx runs fn in a transaction, rolled back if fn fails.
func (s importStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func (s importStore) CreateJob(ctx context.Context, job courseimport.Job, data []byte) error {
	_, err := s.db.ExecContext(ctx, insertJobQuery,
		job.ID, string(job.Kind), job.Source, job.Status, job.OriginalFilename, job.ContentType, data,
		null.NewString(job.UploadedBy, job.UploadedBy != ""), job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return errors.Wrap(err, "inserting import job")
}

func (s importStore) getJob(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (courseimport.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return courseimport.Job{}, courseimport.ErrJobNotFound
	}
	query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var rec jobRecord
	if err := sqlx.GetContext(ctx, q, &rec, query, id); err != nil {
		return courseimport.Job{}, s.trapNoRowsErr(err, "finding import job")
	}
	return rec.job()
}

func (s importStore) GetJob(ctx context.Context, id string) (courseimport.Job, error) {
	return s.getJob(ctx, s.db, id, false)
}

func (s importStore) GetJobFile(ctx context.Context, id string) ([]byte, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, courseimport.ErrJobNotFound
	}
	var data []byte
	if err := s.db.GetContext(ctx, &data, `SELECT file_data FROM import_jobs WHERE id = $1`, id); err != nil {
		return nil, s.trapNoRowsErr(err, "reading import file")
	}
	return data, nil
}

func (s importStore) SaveDryRun(ctx context.Context, id string, run courseimport.DryRun, status string, errs []importer.ImportError) error {
	if _, err := uuid.Parse(id); err != nil {
		return courseimport.ErrJobNotFound
	}
	records := make([]errorRecord, 0, len(errs))
	for _, e := range errs {
		rec, err := errorRecordFrom(id, e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, saveDryRunQuery,
			id, status, run.Fingerprint, run.RowsProcessed, run.ErrorsCount, run.RanAt.UTC())
		if err != nil {
			return errors.Wrap(err, "saving dry-run")
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Wrap(err, "saving dry-run")
		} else if n == 0 {
			return courseimport.ErrJobNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM import_errors WHERE job_id = $1`, id); err != nil {
			return errors.Wrap(err, "deleting import errors")
		}
		if len(records) > 0 {
			if _, err := tx.NamedExecContext(ctx, insertErrorsQuery, records); err != nil {
				return errors.Wrap(err, "inserting import errors")
			}
		}
		return nil
	})
}

func (s importStore) QueryErrors(ctx context.Context, id string) ([]importer.ImportError, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, courseimport.ErrJobNotFound
	}
	var records []errorRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT id, job_id, row_number, code, message, raw FROM import_errors WHERE job_id = $1 ORDER BY row_number, id`, id)
	if err != nil {
		return nil, errors.Wrap(err, "querying import errors")
	}

	errs := make([]importer.ImportError, 0, len(records))
	for _, rec := range records {
		e, err := rec.importError()
		if err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, nil
}

func (s importStore) FindCourses(ctx context.Context, externalIDs []string) ([]courseimport.Course, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var records []courseRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT `+courseColumns+` FROM courses WHERE external_id = ANY($1)`, pq.Array(externalIDs))
	if err != nil {
		return nil, errors.Wrap(err, "finding courses")
	}
	courses := make([]courseimport.Course, 0, len(records))
	for _, rec := range records {
		courses = append(courses, rec.course())
	}
	return courses, nil
}

func (s importStore) FindModules(ctx context.Context, courseIDs []string) ([]courseimport.Module, error) {
	if len(courseIDs) == 0 {
		return nil, nil
	}
	var records []moduleRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT `+moduleColumns+` FROM course_modules WHERE course_id = ANY($1) ORDER BY course_id, order_index`,
		pq.Array(courseIDs))
	if err != nil {
		return nil, errors.Wrap(err, "finding course modules")
	}
	modules := make([]courseimport.Module, 0, len(records))
	for _, rec := range records {
		modules = append(modules, rec.module())
	}
	return modules, nil
}

func (s importStore) ApplyCommit(ctx context.Context, jobID string, plan courseimport.Plan) error {
	totals, err := json.Marshal(plan.Totals())
	if err != nil {
		return errors.Wrap(err, "encoding totals")
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, err := s.getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if job.Status == importer.StatusCommitted {
			return courseimport.ErrAlreadyCommitted
		}
		if !job.Committable(plan.Fingerprint) {
			return courseimport.ErrCommitRejected
		}

		courses := make([]courseRecord, 0, len(plan.NewCourses))
		for _, c := range plan.NewCourses {
			courses = append(courses, courseRecordFrom(c))
		}
		if err := insertAll(ctx, tx, insertCoursesQuery, courses, len(courses), "inserting courses"); err != nil {
			return err
		}
		courses = courses[:0]
		for _, c := range plan.ChangedCourses {
			courses = append(courses, courseRecordFrom(c))
		}
		if len(courses) > 0 {
			if _, err := tx.NamedExecContext(ctx, upsertCoursesQuery, courses); err != nil {
				return errors.Wrap(err, "upserting courses")
			}
		}

		modules := make([]moduleRecord, 0, len(plan.NewModules))
		for _, m := range plan.NewModules {
			modules = append(modules, moduleRecordFrom(m))
		}
		if err := insertAll(ctx, tx, insertModulesQuery, modules, len(modules), "inserting course modules"); err != nil {
			return err
		}
		modules = modules[:0]
		for _, m := range plan.ChangedModules {
			modules = append(modules, moduleRecordFrom(m))
		}
		if len(modules) > 0 {
			if _, err := tx.NamedExecContext(ctx, upsertModulesQuery, modules); err != nil {
				return errors.Wrap(err, "upserting course modules")
			}
		}

		_, err = tx.ExecContext(ctx, commitJobQuery, jobID, importer.StatusCommitted, null.JSONFrom(totals), time.Now().UTC())
		return errors.Wrap(err, "marking import job committed")
	})
}
