// Package restgw implements importer.Gateway over the import HTTP API.
package restgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

const previewRoleHeader = "X-Preview-Role"

var ErrInvalidResponse = errors.New("invalid response from the import API")

type (
	Options struct {
		BaseURL     string
		Token       string
		PreviewRole string // sent as X-Preview-Role when set
		Timeout     time.Duration
	}

	// Gateway calls the /v1/imports endpoints.
	// Every decoded response is validated before it is returned.
	Gateway struct {
		client     *rest.Client
		opts       Options
		validate   *validator.Validate
		translator ut.Translator
	}

	// StatusError is a non 2xx response.
	StatusError struct {
		Code int
		Body string
	}

	uploadResponse struct {
		ID string `json:"id" validate:"required"`
	}

	mappingRequest struct {
		Mapping importer.FieldMapping `json:"mapping"`
	}
)

var _ importer.Gateway = (*Gateway)(nil)

func (e *StatusError) Error() string {
	return fmt.Sprintf("import API answered %d %s", e.Code, http.StatusText(e.Code))
}

func NewGateway(opts Options) *Gateway {
	translator := core.NewTranslator()
	validate := validator.New()
	core.InitValidators(validate, translator)
	importer.InitValidators(validate, translator)

	return &Gateway{
		client:     &rest.Client{HTTPClient: &http.Client{Timeout: opts.Timeout}},
		opts:       opts,
		validate:   validate,
		translator: translator,
	}
}

func OptionsFromConfig(conf *core.Config) Options {
	return Options{
		BaseURL: conf.Gateway.BaseURL,
		Token:   conf.Gateway.Token,
		Timeout: conf.Gateway.Timeout,
	}
}

func (gw *Gateway) endpoint(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.TrimRight(gw.opts.BaseURL, "/") + "/v1/imports" + strings.TrimRight("/"+strings.Join(escaped, "/"), "/")
}

func (gw *Gateway) headers(contentType string) map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if contentType != "" {
		h["Content-Type"] = contentType
	}
	if gw.opts.Token != "" {
		h["Authorization"] = "Bearer " + gw.opts.Token
	}
	if gw.opts.PreviewRole != "" {
		h[previewRoleHeader] = gw.opts.PreviewRole
	}
	return h
}

// call sends req and decodes a 2xx body into dst.
func (gw *Gateway) call(ctx context.Context, req rest.Request, dst interface{}) error {
	resp, err := gw.client.SendWithContext(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.BaseURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return remoteFailure(resp)
	}
	if err := json.Unmarshal([]byte(resp.Body), dst); err != nil {
		return &importer.RemoteError{Err: errors.Wrap(ErrInvalidResponse, err.Error())}
	}
	return nil
}

func (gw *Gateway) check(v interface{}) error {
	if err := gw.validate.Struct(v); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fld := range core.TranslateFields(verrs, gw.translator) {
				msgs = append(msgs, fld.Error)
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		return &importer.RemoteError{Err: errors.Wrap(ErrInvalidResponse, strings.Join(msgs, "; "))}
	}
	return nil
}

func (gw *Gateway) postMapping(ctx context.Context, jobID, action string, mapping importer.FieldMapping, dst interface{}) error {
	body, err := json.Marshal(mappingRequest{Mapping: mapping})
	if err != nil {
		return errors.Wrap(err, "encoding mapping")
	}
	req := rest.Request{
		Method:  rest.Post,
		BaseURL: gw.endpoint(jobID, action),
		Headers: gw.headers("application/json"),
		Body:    body,
	}
	return gw.call(ctx, req, dst)
}

func (gw *Gateway) UploadImportFile(ctx context.Context, file importer.File, kind importer.Kind) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("kind", string(kind)); err != nil {
		return "", errors.Wrap(err, "writing kind")
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	ct := file.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", errors.Wrap(err, "creating file part")
	}
	if _, err = part.Write(file.Data); err != nil {
		return "", errors.Wrap(err, "writing file part")
	}
	if err = mw.Close(); err != nil {
		return "", errors.Wrap(err, "closing multipart body")
	}

	req := rest.Request{
		Method:  rest.Post,
		BaseURL: gw.endpoint(),
		Headers: gw.headers(mw.FormDataContentType()),
		Body:    body.Bytes(),
	}
	var resp uploadResponse
	if err = gw.call(ctx, req, &resp); err != nil {
		return "", err
	}
	if err = gw.check(resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (gw *Gateway) FetchImportJob(ctx context.Context, jobID string) (importer.Job, error) {
	req := rest.Request{Method: rest.Get, BaseURL: gw.endpoint(jobID), Headers: gw.headers("")}
	var job importer.Job
	if err := gw.call(ctx, req, &job); err != nil {
		return importer.Job{}, err
	}
	if err := gw.check(job); err != nil {
		return importer.Job{}, err
	}
	if job.ID != jobID {
		return importer.Job{}, &importer.RemoteError{Err: errors.Wrapf(ErrInvalidResponse, "asked for job %s, got %s", jobID, job.ID)}
	}
	return job, nil
}

func (gw *Gateway) DryRunImport(ctx context.Context, jobID string, mapping importer.FieldMapping) (importer.DryRunResult, error) {
	var res importer.DryRunResult
	if err := gw.postMapping(ctx, jobID, "dry-run", mapping, &res); err != nil {
		return importer.DryRunResult{}, err
	}
	if err := gw.check(res); err != nil {
		return importer.DryRunResult{}, err
	}
	return res, nil
}

func (gw *Gateway) FetchImportErrors(ctx context.Context, jobID string) ([]importer.ImportError, error) {
	req := rest.Request{Method: rest.Get, BaseURL: gw.endpoint(jobID, "errors"), Headers: gw.headers("")}
	var errs []importer.ImportError
	if err := gw.call(ctx, req, &errs); err != nil {
		return nil, err
	}
	for _, e := range errs {
		if err := gw.check(e); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].RowNumber < errs[j].RowNumber })
	return errs, nil
}

func (gw *Gateway) CommitImport(ctx context.Context, jobID string, mapping importer.FieldMapping) (importer.CommitResult, error) {
	var res importer.CommitResult
	if err := gw.postMapping(ctx, jobID, "commit", mapping, &res); err != nil {
		return importer.CommitResult{}, err
	}
	if err := gw.check(res); err != nil {
		return importer.CommitResult{}, err
	}
	return res, nil
}

// remoteFailure reads the API error body: {"error": "message"} or a map of field errors.
// Only client errors carry their message to the user.
func remoteFailure(resp *rest.Response) error {
	rerr := &importer.RemoteError{Err: &StatusError{Code: resp.StatusCode, Body: resp.Body}}
	if resp.StatusCode >= http.StatusInternalServerError {
		return rerr
	}

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		return rerr
	}
	if msg, ok := body["error"].(string); ok {
		rerr.Message = msg
		return rerr
	}

	fields := make([]string, 0, len(body))
	for fld, msg := range body {
		if s, ok := msg.(string); ok {
			fields = append(fields, fld+": "+s)
		}
	}
	sort.Strings(fields)
	rerr.Message = strings.Join(fields, "; ")
	return rerr
}
