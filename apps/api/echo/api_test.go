package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/courseimport"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
	"github.com/DavieBik/questify-glow-sub000/core/importer/importertest"
	emailsvc "github.com/DavieBik/questify-glow-sub000/services/email"
	restgw "github.com/DavieBik/questify-glow-sub000/services/gateway/rest"
	inmemdb "github.com/DavieBik/questify-glow-sub000/storage/database/inmem"
)

var (
	secretKey = []byte("secret")

	coursesCSV = []byte("external_id,title,module_external_id,module_title\n" +
		"C1,Safety,M1,Intro\n" +
		"C1,Safety,M2,Fire drills\n" +
		"C2,First aid,,\n")

	fullMapping = importer.FieldMapping{
		"external_id":        importer.FieldExternalID,
		"title":              importer.FieldTitle,
		"module_external_id": importer.FieldModuleExternalID,
		"module_title":       importer.FieldModuleTitle,
	}
)

type testApp struct {
	srv     *Server
	mailSvc *emailsvc.ConsoleServiceMock
	logger  *importertest.Logger
}

func setup(t *testing.T) testApp {
	conf := &core.Config{
		AppName:          "Questify",
		TestMode:         true,
		SecretKey:        string(secretKey),
		DefaultFromEmail: "Questify <noreply@questify.test>",
		NotifyEmails:     []string{"ops@questify.test"},
		Server:           core.ServerConfig{DisableReqLogs: true, MaxUploadSize: 1 << 20},
		Import:           core.ImportConfig{Kind: "courses_modules", Source: "csv_upload"},
	}
	logger := new(importertest.Logger)
	core.ParseEmailTemplates(conf, logger)

	translator := core.NewTranslator()
	validate := validator.New()
	core.InitValidators(validate, translator)
	importer.InitValidators(validate, translator)

	mailSvc := emailsvc.NewConsoleServiceMock(conf, logger)
	store := inmemdb.NewImportStore(inmemdb.Open())
	svc := courseimport.NewService(store, mailSvc, logger, courseimport.OptionsFromConfig(conf))

	return testApp{
		srv:     NewServer(conf, logger, svc, validate, translator),
		mailSvc: mailSvc,
		logger:  logger,
	}
}

func getToken(t *testing.T, roles ...string) string {
	token, err := GenerateToken(secretKey, NewClaims("Questify", "u1", "Ada", "ada@questify.test", roles...))
	require.NoError(t, err)
	return token
}

type httpTest struct {
	name        string
	method      string
	path        string
	body        []byte
	token       string
	previewRole string
	wantCode    int
	wantData    string
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, httptest.NewRecorder()
}

func newUploadRequest(t *testing.T, token, filename, contentType string, data []byte, kind string) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if kind != "" {
		require.NoError(t, mw.WriteField("kind", kind))
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req, httptest.NewRecorder()
}

func mappingJSON(t *testing.T, fm importer.FieldMapping) []byte {
	data, err := json.Marshal(mappingBody{Mapping: fm})
	require.NoError(t, err)
	return data
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
	if tt.wantData != "" {
		assert.JSONEq(t, tt.wantData, rec.Body.String())
	}
}

func (app testApp) run(t *testing.T, tt httpTest) *httptest.ResponseRecorder {
	req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
	if tt.previewRole != "" {
		req.Header.Set(previewRoleHeader, tt.previewRole)
	}
	app.srv.ServeHTTP(rec, req)
	checkCodeAndData(t, tt, rec)
	return rec
}

func TestAuth(t *testing.T) {
	app := setup(t)

	expired := NewClaims("Questify", "u1", "Ada", "", core.RoleAdmin)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	expiredToken, err := GenerateToken(secretKey, expired)
	require.NoError(t, err)
	forgedToken, err := GenerateToken([]byte("other"), NewClaims("Questify", "u1", "Ada", "", core.RoleAdmin))
	require.NoError(t, err)

	admin := getToken(t, core.RoleAdmin)
	manager := getToken(t, core.RoleManager)
	learner := getToken(t, core.RoleLearner)

	tests := []httpTest{
		{name: "home is public", method: http.MethodGet, path: "/", wantCode: http.StatusOK},
		{name: "no token", method: http.MethodGet, path: "/v1/me", wantCode: http.StatusUnauthorized, wantData: `{"error": "missing or malformed jwt"}`},
		{name: "garbage token", method: http.MethodGet, path: "/v1/me", token: "lol", wantCode: http.StatusUnauthorized, wantData: `{"error": "invalid or expired jwt"}`},
		{name: "expired token", method: http.MethodGet, path: "/v1/me", token: expiredToken, wantCode: http.StatusUnauthorized, wantData: `{"error": "invalid or expired jwt"}`},
		{name: "forged token", method: http.MethodGet, path: "/v1/me", token: forgedToken, wantCode: http.StatusUnauthorized, wantData: `{"error": "invalid or expired jwt"}`},
		{
			name: "me", method: http.MethodGet, path: "/v1/me", token: learner, wantCode: http.StatusOK,
			wantData: `{"id": "u1", "name": "Ada", "email": "ada@questify.test", "roles": ["learner:"], "effective_role": "learner:"}`,
		},
		{
			name: "admin previews manager", method: http.MethodGet, path: "/v1/me", token: admin, previewRole: "Manager:", wantCode: http.StatusOK,
			wantData: `{"id": "u1", "name": "Ada", "email": "ada@questify.test", "roles": ["admin:"], "preview_role": "manager:", "effective_role": "manager:"}`,
		},
		{name: "manager cannot preview", method: http.MethodGet, path: "/v1/me", token: manager, previewRole: "learner:", wantCode: http.StatusForbidden, wantData: `{"error": "only admins can preview another role"}`},
		{name: "unknown preview role", method: http.MethodGet, path: "/v1/me", token: admin, previewRole: "ceo:", wantCode: http.StatusBadRequest, wantData: `{"X-Preview-Role": "unknown role"}`},
		{name: "learner cannot import", method: http.MethodGet, path: "/v1/imports/fields", token: learner, wantCode: http.StatusForbidden, wantData: `{"error": "permission denied"}`},
		{name: "admin previewing learner cannot import", method: http.MethodGet, path: "/v1/imports/fields", token: admin, previewRole: core.RoleLearner, wantCode: http.StatusForbidden},
		{name: "manager can import", method: http.MethodGet, path: "/v1/imports/fields", token: manager, wantCode: http.StatusOK},
		{name: "admin previewing manager can import", method: http.MethodGet, path: "/v1/imports/fields", token: admin, previewRole: core.RoleManager, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app.run(t, tt)
		})
	}
}

func TestImportAPI_upload(t *testing.T) {
	app := setup(t)
	token := getToken(t, core.RoleManager)

	tests := []struct {
		name        string
		filename    string
		contentType string
		data        []byte
		kind        string
		wantCode    int
		wantData    string
	}{
		{name: "nothing sent", wantCode: http.StatusBadRequest, wantData: `{"file": "this field is required", "kind": "this field is required"}`},
		{name: "no kind", filename: "c.csv", contentType: "text/csv", data: coursesCSV, wantCode: http.StatusBadRequest, wantData: `{"kind": "this field is required"}`},
		{name: "unknown kind", filename: "c.csv", contentType: "text/csv", data: coursesCSV, kind: "users", wantCode: http.StatusBadRequest, wantData: `{"kind": "unsupported import kind"}`},
		{name: "empty file", filename: "c.csv", contentType: "text/csv", kind: "courses_modules", wantCode: http.StatusBadRequest, wantData: `{"file": "the selected file is empty"}`},
		{name: "pdf", filename: "c.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4\n"), kind: "courses_modules", wantCode: http.StatusBadRequest},
		{name: "csv", filename: "c.csv", contentType: "text/csv", data: coursesCSV, kind: "courses_modules", wantCode: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newUploadRequest(t, token, tt.filename, tt.contentType, tt.data, tt.kind)
			app.srv.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantData != "" {
				assert.JSONEq(t, tt.wantData, rec.Body.String())
			}
		})
	}
}

func TestImportAPI_lifecycle(t *testing.T) {
	app := setup(t)
	token := getToken(t, core.RoleManager)

	req, rec := newUploadRequest(t, token, "courses.csv", "text/csv", coursesCSV, "courses_modules")
	app.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct{ ID string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobPath := "/v1/imports/" + created.ID

	rec = app.run(t, httpTest{method: http.MethodGet, path: jobPath, token: token, wantCode: http.StatusOK})
	var job map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, created.ID, job["id"])
	assert.Equal(t, "uploaded", job["status"])
	assert.Equal(t, "courses.csv", job["original_filename"])
	assert.Equal(t, "u1", job["uploaded_by"])
	assert.Nil(t, job["dry_run"])

	partial := importer.FieldMapping{"external_id": importer.FieldExternalID}
	app.run(t, httpTest{
		name: "commit before dry-run", method: http.MethodPost, path: jobPath + "/commit", body: mappingJSON(t, fullMapping), token: token,
		wantCode: http.StatusBadRequest, wantData: `{"error": "the job needs a clean dry-run of this mapping before it can be committed"}`,
	})
	app.run(t, httpTest{
		name: "dry-run without mapping", method: http.MethodPost, path: jobPath + "/dry-run", body: []byte(`{}`), token: token,
		wantCode: http.StatusBadRequest, wantData: `{"mapping": "this field is required"}`,
	})
	app.run(t, httpTest{
		name: "dry-run missing title", method: http.MethodPost, path: jobPath + "/dry-run", body: mappingJSON(t, partial), token: token,
		wantCode: http.StatusOK, wantData: `{"rows_processed": 3, "errors_count": 1}`,
	})

	rec = app.run(t, httpTest{method: http.MethodGet, path: jobPath + "/errors", token: token, wantCode: http.StatusOK})
	var errs []importer.ImportError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errs))
	require.Len(t, errs, 1)
	assert.Equal(t, 0, errs[0].RowNumber)
	assert.Equal(t, courseimport.CodeMissingMapping, errs[0].Code)

	app.run(t, httpTest{
		name: "dry-run clean", method: http.MethodPost, path: jobPath + "/dry-run", body: mappingJSON(t, fullMapping), token: token,
		wantCode: http.StatusOK, wantData: `{"rows_processed": 3, "errors_count": 0}`,
	})
	app.run(t, httpTest{method: http.MethodGet, path: jobPath + "/errors", token: token, wantCode: http.StatusOK, wantData: `[]`})
	app.run(t, httpTest{
		name: "commit", method: http.MethodPost, path: jobPath + "/commit", body: mappingJSON(t, fullMapping), token: token,
		wantCode: http.StatusOK, wantData: `{"created_courses": 2, "updated_courses": 0, "created_modules": 2, "updated_modules": 0}`,
	})
	app.run(t, httpTest{
		name: "commit twice", method: http.MethodPost, path: jobPath + "/commit", body: mappingJSON(t, fullMapping), token: token,
		wantCode: http.StatusBadRequest, wantData: `{"error": "the job is already committed"}`,
	})

	rec = app.run(t, httpTest{method: http.MethodGet, path: jobPath, token: token, wantCode: http.StatusOK})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "committed", job["status"])
	assert.Equal(t, map[string]interface{}{"created_courses": 2.0, "updated_courses": 0.0, "created_modules": 2.0, "updated_modules": 0.0}, job["totals"])

	require.Len(t, app.mailSvc.Sent(), 1)
	assert.Equal(t, "Course import committed", app.mailSvc.Sent()[0].Subject)
}

func TestImportAPI_notFound(t *testing.T) {
	app := setup(t)
	token := getToken(t, core.RoleAdmin)
	notFound := `{"error": "import job not found"}`

	tests := []httpTest{
		{name: "job", method: http.MethodGet, path: "/v1/imports/nope", wantCode: http.StatusNotFound, wantData: notFound},
		{name: "errors", method: http.MethodGet, path: "/v1/imports/nope/errors", wantCode: http.StatusNotFound, wantData: notFound},
		{name: "dry-run", method: http.MethodPost, path: "/v1/imports/nope/dry-run", body: mappingJSON(t, fullMapping), wantCode: http.StatusNotFound, wantData: notFound},
		{name: "commit", method: http.MethodPost, path: "/v1/imports/nope/commit", body: mappingJSON(t, fullMapping), wantCode: http.StatusNotFound, wantData: notFound},
	}
	for _, tt := range tests {
		tt.token = token
		t.Run(tt.name, func(t *testing.T) {
			app.run(t, tt)
		})
	}
}

func TestImportAPI_fields(t *testing.T) {
	app := setup(t)
	rec := app.run(t, httpTest{method: http.MethodGet, path: "/v1/imports/fields", token: getToken(t, core.RoleManager), wantCode: http.StatusOK})

	var fields []importer.FieldDef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fields))
	assert.Equal(t, importer.Fields, fields)
}

// The Workflow drives the API through the REST gateway.
func TestWorkflowOverHTTP(t *testing.T) {
	app := setup(t)
	ts := httptest.NewServer(app.srv)
	defer ts.Close()

	gw := restgw.NewGateway(restgw.Options{BaseURL: ts.URL, Token: getToken(t, core.RoleManager), Timeout: 5 * time.Second})
	wf := importer.NewWorkflow(gw, importer.KindCoursesModules, app.logger)
	ctx := context.Background()

	require.NoError(t, wf.Upload(ctx, importer.File{Name: "courses.csv", ContentType: "text/csv", Data: coursesCSV}))
	assert.Equal(t, []string{"external_id", "title", "module_external_id", "module_title"}, wf.State().Columns)

	require.NoError(t, wf.SetMapping("external_id", importer.FieldExternalID))
	require.NoError(t, wf.Continue())
	res, err := wf.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ErrorsCount)
	assert.Equal(t, importer.StageValidatedErrors, wf.Stage())
	_, err = wf.Commit(ctx)
	assert.Equal(t, importer.ErrCommitNotAllowed, err)

	_, err = wf.AutoMap()
	require.NoError(t, err)
	assert.Equal(t, fullMapping, wf.State().Mapping)
	res, err = wf.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, importer.DryRunResult{RowsProcessed: 3}, res)
	require.True(t, wf.CanCommit())

	totals, err := wf.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, importer.CommitResult{CreatedCourses: 2, CreatedModules: 2}, totals)

	state := wf.State()
	assert.Equal(t, importer.StageCommitted, state.Stage)
	require.NotNil(t, state.Job)
	assert.Equal(t, importer.StatusCommitted, state.Job.Status)

	wf.Reset()
	err = wf.Upload(ctx, importer.File{Name: "courses.csv", ContentType: "text/csv", Data: []byte("title\nSafety\n")})
	require.NoError(t, err)
	_, err = wf.Validate(ctx)
	var serr *importer.StageError
	assert.ErrorAs(t, err, &serr)
}
