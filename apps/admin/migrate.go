package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/storage/database"
)

var (
	openDBFunc  = database.Open         // mockable
	migrateFunc = database.RunMigration // mockable
)

func (cli *commandLine) migrate(args []string) error {
	db, err := openDBFunc(cli.conf)
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer func() { _ = db.Close() }()

	return migrateFunc(context.Background(), db.DB, args[0], args[1:]...)
}
