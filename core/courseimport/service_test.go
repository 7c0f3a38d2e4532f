package courseimport_test

import (
	"context"
	"encoding/base64"
	"net/mail"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/courseimport"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
	"github.com/DavieBik/questify-glow-sub000/core/importer/importertest"
	inmemdb "github.com/DavieBik/questify-glow-sub000/storage/database/inmem"
)

const catalogCSV = `external_id,title,category,difficulty,module_external_id,module_title,module_order_index,module_content_url
C1,Go basics,dev,beginner,M1,Intro,1,https://example.com/intro
C1,Go basics,,,M2,Types,2,
C2,Rust basics,dev,Advanced,,,,
`

type mailer struct {
	mu       sync.Mutex
	messages []*core.EmailMessage
}

func (m *mailer) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	m.messages = append(m.messages, messages...)
	m.mu.Unlock()
}

type catalogStore interface {
	courseimport.Store
	QueryCourses() []courseimport.Course
	QueryModules(courseID string) []courseimport.Module
}

type fixture struct {
	svc    *courseimport.Service
	store  catalogStore
	mailer *mailer
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := inmemdb.NewImportStore(inmemdb.Open())
	m := &mailer{}
	svc := courseimport.NewService(store, m, &importertest.Logger{}, courseimport.Options{
		Source:       "test",
		MaxFileSize:  1 << 20,
		NotifyEmails: []mail.Address{{Address: "ops@example.com"}},
	})
	ctx := core.ContextWithPrincipal(context.Background(), core.Principal{ID: "u1", Name: "Ada", Email: "ada@example.com"})
	return &fixture{svc: svc, store: store, mailer: m, ctx: ctx}
}

func (f *fixture) upload(t *testing.T, name, content string) string {
	t.Helper()
	id, err := f.svc.UploadImportFile(f.ctx, importer.File{Name: name, Data: []byte(content)}, importer.KindCoursesModules)
	require.NoError(t, err)
	return id
}

func headerMapping(content string) importer.FieldMapping {
	cols, _ := importer.DetectColumns(importer.File{Name: "f.csv", Data: []byte(content)})
	return importer.SuggestMapping(cols)
}

// codesByRow groups error codes by row, sorted.
func codesByRow(errs []importer.ImportError) map[int][]string {
	codes := make(map[int][]string)
	for _, e := range errs {
		codes[e.RowNumber] = append(codes[e.RowNumber], e.Code)
	}
	for _, c := range codes {
		sort.Strings(c)
	}
	return codes
}

func isValidationError(t *testing.T, err error, want error) {
	t.Helper()
	var verr *core.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, want, verr.Err)
}

func TestService_UploadImportFile(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		file    importer.File
		kind    importer.Kind
		wantErr error
	}{
		{name: "unknown kind", file: importer.File{Name: "a.csv", Data: []byte("a")}, kind: "users", wantErr: courseimport.ErrUnsupportedKind},
		{name: "empty", file: importer.File{Name: "a.csv"}, kind: importer.KindCoursesModules, wantErr: importer.ErrEmptyFile},
		{name: "too large", file: importer.File{Name: "a.csv", Data: make([]byte, 2<<20)}, kind: importer.KindCoursesModules, wantErr: courseimport.ErrFileTooLarge},
		{name: "bad type", file: importer.File{Name: "a.pdf", Data: []byte("%PDF")}, kind: importer.KindCoursesModules, wantErr: importer.ErrUnsupportedFileType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UploadImportFile(f.ctx, tt.file, tt.kind)
			isValidationError(t, err, tt.wantErr)
		})
	}

	id := f.upload(t, "catalog.csv", catalogCSV)
	job, err := f.svc.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusUploaded, job.Status)
	assert.Equal(t, importer.KindCoursesModules, job.Kind)
	assert.Equal(t, "test", job.Source)
	assert.Equal(t, "catalog.csv", job.OriginalFilename)
	assert.Equal(t, "u1", job.UploadedBy)
	assert.NotEmpty(t, job.ContentType)
	assert.Nil(t, job.DryRun)

	_, err = f.svc.FetchImportJob(context.Background(), "nope")
	assert.Equal(t, courseimport.ErrJobNotFound, errors.Cause(err))
}

func TestService_DryRunImport_clean(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, "catalog.csv", catalogCSV)

	res, err := f.svc.DryRunImport(f.ctx, id, headerMapping(catalogCSV))
	require.NoError(t, err)
	assert.Equal(t, importer.DryRunResult{RowsProcessed: 3}, res)

	job, err := f.svc.FetchImportJob(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusValidated, job.Status)

	errs, err := f.svc.FetchImportErrors(f.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestService_DryRunImport_rowErrors(t *testing.T) {
	content := "external_id,title,difficulty,duration_minutes,is_mandatory,module_external_id,module_title,module_content_url\n" +
		"C1,,beginner,30,yes,,,\n" +
		"C2,Two,expert,abc,maybe,,,\n" +
		"\n" +
		"C3,Three,,,,M1,,notaurl\n" +
		"C4,Four,,,,M1,Intro,\n" +
		"C4,Four,,,,M1,Again,\n" +
		"C4,Quatre,,,,M2,Next,\n" +
		"bad id!,Five,,,,,,\n"

	f := newFixture(t)
	id := f.upload(t, "catalog.csv", content)

	res, err := f.svc.DryRunImport(f.ctx, id, headerMapping(content))
	require.NoError(t, err)
	assert.Equal(t, 7, res.RowsProcessed)
	assert.Equal(t, 9, res.ErrorsCount)

	errs, err := f.svc.FetchImportErrors(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, errs, res.ErrorsCount)
	assert.Equal(t, map[int][]string{
		1: {courseimport.CodeMissingRequired},
		2: {courseimport.CodeInvalidBoolean, courseimport.CodeInvalidInteger, courseimport.CodeInvalidValue},
		4: {courseimport.CodeInvalidURL, courseimport.CodeMissingRequired},
		6: {courseimport.CodeDuplicateModule},
		7: {courseimport.CodeConflictingCourse},
		8: {courseimport.CodeInvalidValue},
	}, codesByRow(errs))

	assert.True(t, sort.SliceIsSorted(errs, func(i, j int) bool { return errs[i].RowNumber < errs[j].RowNumber }))
	assert.Equal(t, "title: this field is required", errs[0].Message)
	assert.Equal(t, "C1", errs[0].Raw["external_id"])

	job, err := f.svc.FetchImportJob(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusFailed, job.Status)

	t.Run("a new dry-run replaces the errors", func(t *testing.T) {
		fm := importer.FieldMapping{"external_id": importer.FieldExternalID, "title": importer.FieldTitle}
		_, err := f.svc.DryRunImport(f.ctx, id, fm)
		require.NoError(t, err)
		errs, err := f.svc.FetchImportErrors(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, map[int][]string{
			1: {courseimport.CodeMissingRequired},
			7: {courseimport.CodeConflictingCourse},
			8: {courseimport.CodeInvalidValue},
		}, codesByRow(errs))
	})
}

func TestService_DryRunImport_mappingErrors(t *testing.T) {
	content := "external_id,title,category\nC1,Go,dev\n\nC2,Rust,dev\n"

	tests := []struct {
		name    string
		mapping importer.FieldMapping
		want    []string
	}{
		{
			name: "bad mapping",
			mapping: importer.FieldMapping{
				"external_id": importer.FieldExternalID,
				"missing":     importer.FieldCategory,
				"title":       importer.TargetField("price"),
				"category":    importer.FieldModuleTitle,
			},
			want: []string{
				courseimport.CodeMissingMapping,
				courseimport.CodeMissingMapping,
				courseimport.CodeUnknownColumn,
				courseimport.CodeUnknownTarget,
			},
		},
		{
			name: "duplicate target",
			mapping: importer.FieldMapping{
				"external_id": importer.FieldExternalID,
				"title":       importer.FieldTitle,
				"category":    importer.FieldTitle,
			},
			want: []string{courseimport.CodeDuplicateTarget},
		},
		{
			name:    "nothing mapped",
			mapping: importer.FieldMapping{},
			want:    []string{courseimport.CodeMissingMapping, courseimport.CodeMissingMapping},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.upload(t, "catalog.csv", content)

			res, err := f.svc.DryRunImport(f.ctx, id, tt.mapping)
			require.NoError(t, err)
			assert.Equal(t, 2, res.RowsProcessed)
			errs, err := f.svc.FetchImportErrors(f.ctx, id)
			require.NoError(t, err)
			assert.Equal(t, map[int][]string{0: tt.want}, codesByRow(errs))
		})
	}
}

func TestService_DryRunImport_unreadable(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, "catalog.xlsx", "definitely not a spreadsheet")

	res, err := f.svc.DryRunImport(f.ctx, id, importer.FieldMapping{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ErrorsCount)
	errs, err := f.svc.FetchImportErrors(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, courseimport.CodeParseError, errs[0].Code)
	assert.Zero(t, errs[0].RowNumber)

	_, err = f.svc.DryRunImport(f.ctx, "nope", importer.FieldMapping{})
	assert.Equal(t, courseimport.ErrJobNotFound, errors.Cause(err))
	_, err = f.svc.FetchImportErrors(f.ctx, "nope")
	assert.Equal(t, courseimport.ErrJobNotFound, errors.Cause(err))
}

func TestService_spreadsheet(t *testing.T) {
	book := excelize.NewFile()
	require.NoError(t, book.SetSheetRow("Sheet1", "A1", &[]interface{}{"Course External ID", "Course Title", "Module External ID", "Module Title"}))
	require.NoError(t, book.SetSheetRow("Sheet1", "A2", &[]interface{}{"C1", "Go basics", "M1", "Intro"}))
	require.NoError(t, book.SetSheetRow("Sheet1", "A3", &[]interface{}{"C1", "Go basics", "M2", "Types"}))
	buf, err := book.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, book.Close())

	f := newFixture(t)
	id := f.upload(t, "catalog.xlsx", buf.String())
	fm := importer.SuggestMapping([]string{"Course External ID", "Course Title", "Module External ID", "Module Title"})
	require.Len(t, fm, 4)

	res, err := f.svc.DryRunImport(f.ctx, id, fm)
	require.NoError(t, err)
	assert.Equal(t, importer.DryRunResult{RowsProcessed: 2}, res)

	totals, err := f.svc.CommitImport(f.ctx, id, fm)
	require.NoError(t, err)
	assert.Equal(t, importer.CommitResult{CreatedCourses: 1, CreatedModules: 2}, totals)
}

func TestService_CommitImport(t *testing.T) {
	f := newFixture(t)
	fm := headerMapping(catalogCSV)

	t.Run("refused without a dry-run", func(t *testing.T) {
		id := f.upload(t, "catalog.csv", catalogCSV)
		_, err := f.svc.CommitImport(f.ctx, id, fm)
		isValidationError(t, err, courseimport.ErrCommitRejected)
	})

	t.Run("refused after a failed dry-run", func(t *testing.T) {
		id := f.upload(t, "catalog.csv", catalogCSV)
		_, err := f.svc.DryRunImport(f.ctx, id, importer.FieldMapping{})
		require.NoError(t, err)
		_, err = f.svc.CommitImport(f.ctx, id, importer.FieldMapping{})
		isValidationError(t, err, courseimport.ErrCommitRejected)
	})

	t.Run("refused with another mapping", func(t *testing.T) {
		id := f.upload(t, "catalog.csv", catalogCSV)
		_, err := f.svc.DryRunImport(f.ctx, id, fm)
		require.NoError(t, err)
		other := importer.FieldMapping{"external_id": importer.FieldExternalID, "title": importer.FieldTitle}
		_, err = f.svc.CommitImport(f.ctx, id, other)
		isValidationError(t, err, courseimport.ErrCommitRejected)
	})
	assert.Empty(t, f.store.QueryCourses())
	assert.Empty(t, f.mailer.messages)

	id := f.upload(t, "catalog.csv", catalogCSV)
	_, err := f.svc.DryRunImport(f.ctx, id, fm)
	require.NoError(t, err)
	totals, err := f.svc.CommitImport(f.ctx, id, fm)
	require.NoError(t, err)
	assert.Equal(t, importer.CommitResult{CreatedCourses: 2, CreatedModules: 2}, totals)

	job, err := f.svc.FetchImportJob(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusCommitted, job.Status)
	require.NotNil(t, job.Totals)
	assert.Equal(t, totals, *job.Totals)

	courses := f.store.QueryCourses()
	require.Len(t, courses, 2)
	assert.Equal(t, "C1", courses[0].ExternalID)
	assert.Equal(t, "Go basics", courses[0].Title)
	assert.Equal(t, "beginner", courses[0].Difficulty)
	assert.Equal(t, courseimport.DefaultCourseStatus, courses[0].Status)
	assert.Equal(t, "advanced", courses[1].Difficulty)

	modules := f.store.QueryModules(courses[0].ID)
	require.Len(t, modules, 2)
	assert.Equal(t, "M1", modules[0].ExternalID)
	assert.Equal(t, "https://example.com/intro", modules[0].ContentURL)
	assert.Equal(t, "M2", modules[1].ExternalID)
	assert.Equal(t, 2, modules[1].OrderIndex)
	assert.True(t, modules[1].IsRequired)
	assert.Empty(t, f.store.QueryModules(courses[1].ID))

	require.Len(t, f.mailer.messages, 1)
	msg := f.mailer.messages[0]
	assert.Equal(t, "import_committed", msg.TemplateName)
	assert.Equal(t, []mail.Address{{Address: "ops@example.com"}}, msg.To)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "catalog.csv", msg.Attachments[0].Filename)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(catalogCSV)), msg.Attachments[0].Content.String())

	t.Run("committed once only", func(t *testing.T) {
		_, err := f.svc.CommitImport(f.ctx, id, fm)
		isValidationError(t, err, courseimport.ErrAlreadyCommitted)
		_, err = f.svc.DryRunImport(f.ctx, id, fm)
		isValidationError(t, err, courseimport.ErrAlreadyCommitted)
		assert.Len(t, f.mailer.messages, 1)
	})

	t.Run("later imports update by external id", func(t *testing.T) {
		update := "external_id,title,module_external_id,module_title\nC1,Go basics 2,M1,Intro 2\nC3,Zig basics,,\n"
		fm := headerMapping(update)
		id := f.upload(t, "update.csv", update)
		_, err := f.svc.DryRunImport(f.ctx, id, fm)
		require.NoError(t, err)
		totals, err := f.svc.CommitImport(f.ctx, id, fm)
		require.NoError(t, err)
		assert.Equal(t, importer.CommitResult{CreatedCourses: 1, UpdatedCourses: 1, UpdatedModules: 1}, totals)

		courses := f.store.QueryCourses()
		require.Len(t, courses, 3)
		assert.Equal(t, "Go basics 2", courses[0].Title)
		assert.Equal(t, "dev", courses[0].Category, "unmapped fields are kept")
		modules := f.store.QueryModules(courses[0].ID)
		require.Len(t, modules, 2)
		assert.Equal(t, "Intro 2", modules[0].Title)
		assert.Equal(t, "https://example.com/intro", modules[0].ContentURL)
	})

	t.Run("new modules go after existing ones", func(t *testing.T) {
		more := "external_id,title,module_external_id,module_title\nC1,Go basics 2,M3,Generics\nC1,Go basics 2,M4,Errors\n"
		fm := headerMapping(more)
		id := f.upload(t, "more.csv", more)
		_, err := f.svc.DryRunImport(f.ctx, id, fm)
		require.NoError(t, err)
		totals, err := f.svc.CommitImport(f.ctx, id, fm)
		require.NoError(t, err)
		assert.Equal(t, importer.CommitResult{UpdatedCourses: 1, CreatedModules: 2}, totals)

		modules := f.store.QueryModules(f.store.QueryCourses()[0].ID)
		require.Len(t, modules, 4)
		for i, ext := range []string{"M1", "M2", "M3", "M4"} {
			assert.Equal(t, ext, modules[i].ExternalID)
			assert.Equal(t, i+1, modules[i].OrderIndex)
		}
	})
}

// racingStore runs race once, in the middle of the first commit planned after it is set.
type racingStore struct {
	catalogStore
	race func()
}

func (s *racingStore) FindModules(ctx context.Context, courseIDs []string) ([]courseimport.Module, error) {
	if race := s.race; race != nil {
		s.race = nil
		race()
	}
	return s.catalogStore.FindModules(ctx, courseIDs)
}

func TestService_CommitImport_concurrent(t *testing.T) {
	const content = "external_id,title,module_external_id,module_title\nC1,One,M1,Intro\n"
	fm := headerMapping(content)

	store := &racingStore{catalogStore: inmemdb.NewImportStore(inmemdb.Open())}
	logger := &importertest.Logger{}
	svc := courseimport.NewService(store, nil, logger, courseimport.Options{Source: "test"})
	ctx := context.Background()

	prepare := func() string {
		id, err := svc.UploadImportFile(ctx, importer.File{Name: "c.csv", Data: []byte(content)}, importer.KindCoursesModules)
		require.NoError(t, err)
		_, err = svc.DryRunImport(ctx, id, fm)
		require.NoError(t, err)
		return id
	}
	first, second := prepare(), prepare()

	var secondTotals importer.CommitResult
	var secondErr error
	store.race = func() { secondTotals, secondErr = svc.CommitImport(ctx, second, fm) }

	totals, err := svc.CommitImport(ctx, first, fm)
	require.NoError(t, secondErr)
	require.NoError(t, err)
	assert.Equal(t, importer.CommitResult{CreatedCourses: 1, CreatedModules: 1}, secondTotals)
	assert.Equal(t, importer.CommitResult{UpdatedCourses: 1, UpdatedModules: 1}, totals)

	courses := store.QueryCourses()
	require.Len(t, courses, 1)
	assert.Equal(t, "C1", courses[0].ExternalID)
	assert.Len(t, store.QueryModules(courses[0].ID), 1)
	assert.Contains(t, logger.Messages, "WARN: import job "+first+": catalog changed during commit, attempt 1")
}

func TestFingerprint(t *testing.T) {
	a := importer.FieldMapping{"id": importer.FieldExternalID, "name": importer.FieldTitle}
	b := importer.FieldMapping{"name": importer.FieldTitle, "id": importer.FieldExternalID}
	assert.Equal(t, courseimport.Fingerprint(a), courseimport.Fingerprint(b))
	b["name"] = importer.FieldDescription
	assert.NotEqual(t, courseimport.Fingerprint(a), courseimport.Fingerprint(b))
}
