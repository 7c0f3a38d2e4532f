package echoapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/courseimport"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

const requiredText = "this field is required"

// ImportService runs the import jobs served by the API.
type ImportService interface {
	importer.Gateway
	GetJob(ctx context.Context, jobID string) (courseimport.Job, error)
}

var _ ImportService = (*courseimport.Service)(nil)

type (
	importApi struct {
		svc      ImportService
		validate *validator.Validate
	}

	mappingBody struct {
		Mapping importer.FieldMapping `json:"mapping" validate:"required"`
	}

	dryRunResponse struct {
		Fingerprint   string    `json:"fingerprint"`
		RowsProcessed int       `json:"rows_processed"`
		ErrorsCount   int       `json:"errors_count"`
		RanAt         time.Time `json:"ran_at"`
	}

	jobResponse struct {
		importer.Job
		ContentType string          `json:"content_type"`
		UploadedBy  string          `json:"uploaded_by,omitempty"`
		DryRun      *dryRunResponse `json:"dry_run"`
		UpdatedAt   time.Time       `json:"updated_at"`
	}
)

func newJobResponse(job courseimport.Job) jobResponse {
	resp := jobResponse{
		Job:         job.Job,
		ContentType: job.ContentType,
		UploadedBy:  job.UploadedBy,
		UpdatedAt:   job.UpdatedAt,
	}
	if dr := job.DryRun; dr != nil {
		resp.DryRun = &dryRunResponse{
			Fingerprint:   dr.Fingerprint,
			RowsProcessed: dr.RowsProcessed,
			ErrorsCount:   dr.ErrorsCount,
			RanAt:         dr.RanAt,
		}
	}
	return resp
}

func registerImportAPI(g *echo.Group, svc ImportService, validate *validator.Validate) {
	api := importApi{svc: svc, validate: validate}

	ig := g.Group("/imports", importManagerMiddleware)
	ig.POST("", api.upload)
	ig.GET("/fields", api.fields)

	dg := ig.Group("/:id")
	dg.GET("", api.retrieve)
	dg.POST("/dry-run", api.dryRun)
	dg.GET("/errors", api.queryErrors)
	dg.POST("/commit", api.commit)
}

// Handlers

func (api *importApi) upload(ctx echo.Context) error {
	var flds []core.FieldError
	kind := core.CleanString(ctx.FormValue("kind"))
	if kind == "" {
		flds = append(flds, core.FieldError{Field: "kind", Error: requiredText})
	}
	fh, err := ctx.FormFile("file")
	if err != nil {
		if !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
			return errors.Wrap(err, "reading multipart form")
		}
		flds = append(flds, core.FieldError{Field: "file", Error: requiredText})
	}
	if len(flds) > 0 {
		return core.NewValidationError(nil, flds...)
	}

	src, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "opening uploaded file")
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return errors.Wrap(err, "reading uploaded file")
	}

	file := importer.File{Name: fh.Filename, ContentType: fh.Header.Get(echo.HeaderContentType), Data: data}
	id, err := api.svc.UploadImportFile(ctx.Request().Context(), file, importer.Kind(kind))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, echo.Map{"id": id})
}

func (api *importApi) fields(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, importer.Fields)
}

func (api *importApi) retrieve(ctx echo.Context) error {
	job, err := api.svc.GetJob(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newJobResponse(job))
}

func (api *importApi) bindMapping(ctx echo.Context) (importer.FieldMapping, error) {
	var data mappingBody
	if err := ctx.Bind(&data); err != nil {
		return nil, errors.Wrap(err, "binding to mappingBody")
	}
	if err := api.validate.Struct(data); err != nil {
		return nil, err
	}
	return data.Mapping, nil
}

func (api *importApi) dryRun(ctx echo.Context) error {
	mapping, err := api.bindMapping(ctx)
	if err != nil {
		return err
	}
	res, err := api.svc.DryRunImport(ctx.Request().Context(), ctx.Param("id"), mapping)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *importApi) queryErrors(ctx echo.Context) error {
	errs, err := api.svc.FetchImportErrors(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	if errs == nil {
		errs = []importer.ImportError{}
	}
	return ctx.JSON(http.StatusOK, errs)
}

func (api *importApi) commit(ctx echo.Context) error {
	mapping, err := api.bindMapping(ctx)
	if err != nil {
		return err
	}
	res, err := api.svc.CommitImport(ctx.Request().Context(), ctx.Param("id"), mapping)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}
