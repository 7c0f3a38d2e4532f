package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/DavieBik/questify-glow-sub000/apps/api/echo"
	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/courseimport"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
	emailsvc "github.com/DavieBik/questify-glow-sub000/services/email"
	logsvc "github.com/DavieBik/questify-glow-sub000/services/logger"
	"github.com/DavieBik/questify-glow-sub000/storage/database"
	inmemdb "github.com/DavieBik/questify-glow-sub000/storage/database/inmem"
	sqlxrepos "github.com/DavieBik/questify-glow-sub000/storage/database/sqlx"
)

type (
	DBLoggerParam struct {
		dig.In
		Logger core.Logger `name:"dbLogger"`
	}

	// DBCloser releases the store's connections.
	DBCloser func() error

	storeResult struct {
		dig.Out
		Store  courseimport.Store
		Closer DBCloser
	}
)

func newLogger(conf *core.Config) core.Logger {
	return logsvc.NewRollbarLogger(log.New(os.Stdout, "API : ", log.LstdFlags), conf)
}

func newDBLogger(conf *core.Config) core.Logger {
	return logsvc.NewRollbarLogger(log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
}

func newStore(conf *core.Config, loggerParam DBLoggerParam) storeResult {
	if conf.Database.InMemory {
		loggerParam.Logger.Info("using the in-memory store")
		return storeResult{
			Store:  inmemdb.NewImportStore(inmemdb.Open()),
			Closer: func() error { return nil },
		}
	}

	if err := database.CreateIfNotExist(conf); err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}
	if err = database.Migrate(context.Background(), db.DB); err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("migrating database: %v", err), err)
	}
	return storeResult{
		Store:  sqlxrepos.NewImportStore(db),
		Closer: db.Close,
	}
}

func newValidator(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	importer.InitValidators(validate, translator)
	return validate
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newStore))
	must(c.Provide(emailsvc.NewService))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newValidator))
	must(c.Provide(courseimport.OptionsFromConfig))
	must(c.Provide(courseimport.NewService, dig.As(new(echoapi.ImportService))))
	must(c.Provide(echoapi.NewServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
