package main

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/DavieBik/questify-glow-sub000/apps/api/echo"
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

	defaultOpenDBFunc       = openDBFunc
	defaultMigrateFunc      = migrateFunc
	defaultReadPasswordFunc = readPasswordFunc
)

func testConfig() *core.Config {
	return &core.Config{
		AppName:          "Questify",
		TestMode:         true,
		SecretKey:        string(secretKey),
		DefaultFromEmail: "Questify <noreply@questify.test>",
		Server:           core.ServerConfig{DisableReqLogs: true, MaxUploadSize: 1 << 20},
		Import:           core.ImportConfig{Kind: "courses_modules", Source: "csv_upload"},
	}
}

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	var out bytes.Buffer
	return &commandLine{
		conf:   testConfig(),
		logger: new(importertest.Logger),
		out:    &out,
	}, &out
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const cleanCSV = "external_id,title,module_external_id,module_title\n" +
	"C1,Safety,M1,Intro\n" +
	"C1,Safety,M2,Fire drills\n" +
	"C2,First aid,,\n"

type cliTest struct {
	name    string
	args    []string // without program name
	wantErr error
	wantOut []string
}

func Test_commandLine_run(t *testing.T) {
	tests := []cliTest{
		{name: "no command", args: nil, wantErr: errHelp, wantOut: []string{"Usage:"}},
		{name: "unknown command", args: []string{"frobnicate"}, wantErr: errHelp},
		{name: "import without file", args: []string{"import", "-local"}, wantErr: errHelp},
		{name: "migrate without args", args: []string{"migrate"}, wantErr: errHelp},
		{name: "fields", args: []string{"fields"}, wantOut: []string{"FIELD", "external_id", "module_title", "yes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, out := setup(t)
			err := cli.run(append([]string{"admin"}, tt.args...))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			for _, s := range tt.wantOut {
				assert.Contains(t, out.String(), s)
			}
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	var gotCommand string
	var gotArgs []string
	migrateFunc = func(_ context.Context, _ *sql.DB, command string, args ...string) error {
		gotCommand, gotArgs = command, args
		if command == "up-to" && len(args) == 0 {
			return errors.New("up-to must be of form: up-to VERSION")
		}
		return nil
	}
	openDBFunc = func(*core.Config) (*sqlx.DB, error) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		mock.ExpectClose()
		return sqlx.NewDb(db, "postgres"), nil
	}
	t.Cleanup(func() {
		migrateFunc = defaultMigrateFunc
		openDBFunc = defaultOpenDBFunc
	})

	tests := []struct {
		name        string
		args        []string
		wantCommand string
		wantArgs    []string
		wantErr     bool
	}{
		{name: "up", args: []string{"up"}, wantCommand: "up", wantArgs: []string{}},
		{name: "up-to", args: []string{"up-to", "3"}, wantCommand: "up-to", wantArgs: []string{"3"}},
		{name: "up-to without version", args: []string{"up-to"}, wantCommand: "up-to", wantArgs: []string{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, _ := setup(t)
			err := cli.run(append([]string{"admin", "migrate"}, tt.args...))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCommand, gotCommand)
			assert.Equal(t, tt.wantArgs, gotArgs)
		})
	}
}

func Test_commandLine_migrate_openError(t *testing.T) {
	openDBFunc = func(*core.Config) (*sqlx.DB, error) { return nil, errors.New("connection refused") }
	t.Cleanup(func() { openDBFunc = defaultOpenDBFunc })

	cli, _ := setup(t)
	err := cli.run([]string{"admin", "migrate", "status"})
	assert.EqualError(t, err, "opening database: connection refused")
}

func Test_commandLine_importLocal(t *testing.T) {
	t.Run("auto mapped and committed", func(t *testing.T) {
		cli, out := setup(t)
		path := writeFile(t, "courses.csv", cleanCSV)

		err := cli.run([]string{"admin", "import", "-local", "-auto", "-commit", "-file", path})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "4 columns: external_id, title, module_external_id, module_title")
		assert.Contains(t, out.String(), "title -> title")
		assert.Contains(t, out.String(), "dry-run: 3 rows processed, 0 errors")
		assert.Contains(t, out.String(), "committed: 2 courses created, 0 updated; 2 modules created, 0 updated")
	})

	t.Run("explicit mapping without commit", func(t *testing.T) {
		cli, out := setup(t)
		path := writeFile(t, "courses.csv", "Course code,Name,Notes\nC1,Safety,x\n")

		err := cli.run([]string{"admin", "import", "-local", "-map", "Course code=external_id", "-map", "Name=title", "-file", path})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "Notes (ignored)")
		assert.Contains(t, out.String(), "dry-run: 1 rows processed, 0 errors")
		assert.NotContains(t, out.String(), "committed:")
	})

	t.Run("dry-run errors block the commit", func(t *testing.T) {
		cli, out := setup(t)
		path := writeFile(t, "courses.csv", "external_id,title\nC1,Safety\n,Orphan\n")

		err := cli.run([]string{"admin", "import", "-local", "-auto", "-commit", "-file", path})
		assert.ErrorIs(t, err, errDryRunFailed)
		assert.Contains(t, out.String(), "1 errors")
		assert.Contains(t, out.String(), "row 2")
	})

	t.Run("unknown column", func(t *testing.T) {
		cli, _ := setup(t)
		path := writeFile(t, "courses.csv", cleanCSV)

		err := cli.run([]string{"admin", "import", "-local", "-map", "nope=title", "-file", path})
		assert.ErrorIs(t, err, importer.ErrUnknownColumn)
	})

	t.Run("unsupported file", func(t *testing.T) {
		cli, _ := setup(t)
		path := writeFile(t, "courses.pdf", "%PDF-1.4")

		err := cli.run([]string{"admin", "import", "-local", "-file", path})
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		cli, _ := setup(t)
		err := cli.run([]string{"admin", "import", "-local", "-file", filepath.Join(t.TempDir(), "none.csv")})
		assert.Error(t, err)
	})
}

func newAPIServer(t *testing.T, conf *core.Config) *httptest.Server {
	logger := new(importertest.Logger)
	translator := core.NewTranslator()
	validate := validator.New()
	core.InitValidators(validate, translator)
	importer.InitValidators(validate, translator)

	store := inmemdb.NewImportStore(inmemdb.Open())
	svc := courseimport.NewService(store, emailsvc.NewConsoleServiceMock(conf, logger), logger, courseimport.OptionsFromConfig(conf))
	ts := httptest.NewServer(echoapi.NewServer(conf, logger, svc, validate, translator))
	t.Cleanup(ts.Close)
	return ts
}

func Test_commandLine_importRemote(t *testing.T) {
	conf := testConfig()
	ts := newAPIServer(t, conf)
	path := writeFile(t, "courses.csv", cleanCSV)

	t.Run("prompts for the token", func(t *testing.T) {
		token, err := echoapi.GenerateToken(secretKey, echoapi.NewClaims("Questify", "u1", "Ada", "ada@questify.test", "manager:"))
		require.NoError(t, err)
		var prompted bool
		readPasswordFunc = func(int) ([]byte, error) {
			prompted = true
			return []byte(token), nil
		}
		t.Cleanup(func() { readPasswordFunc = defaultReadPasswordFunc })

		cli, out := setup(t)
		err = cli.run([]string{"admin", "import", "-url", ts.URL, "-auto", "-commit", "-file", path})
		require.NoError(t, err)
		assert.True(t, prompted)
		assert.Contains(t, out.String(), "Enter API token:")
		assert.Contains(t, out.String(), "committed: 2 courses created, 0 updated; 2 modules created, 0 updated")
	})

	t.Run("empty token", func(t *testing.T) {
		readPasswordFunc = func(int) ([]byte, error) { return nil, nil }
		t.Cleanup(func() { readPasswordFunc = defaultReadPasswordFunc })

		cli, _ := setup(t)
		err := cli.run([]string{"admin", "import", "-url", ts.URL, "-file", path})
		assert.ErrorIs(t, err, errHelp)
	})

	t.Run("forbidden role", func(t *testing.T) {
		token, err := echoapi.GenerateToken(secretKey, echoapi.NewClaims("Questify", "u2", "Lee", "lee@questify.test", "learner:"))
		require.NoError(t, err)

		cli, _ := setup(t)
		err = cli.run([]string{"admin", "import", "-url", ts.URL, "-token", token, "-file", path})
		var serr *restgw.StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusForbidden, serr.Code)
		assert.Contains(t, err.Error(), "permission denied")
	})
}
