package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/core/courseimport"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
	emailsvc "github.com/DavieBik/questify-glow-sub000/services/email"
	restgw "github.com/DavieBik/questify-glow-sub000/services/gateway/rest"
	inmemdb "github.com/DavieBik/questify-glow-sub000/storage/database/inmem"
)

var errDryRunFailed = errors.New("the dry-run found errors, nothing was committed")

type importOptions struct {
	file        string
	kind        importer.Kind
	mappings    mapFlag
	auto        bool
	commit      bool
	local       bool
	url         string
	token       string
	previewRole string
}

func (cli *commandLine) gateway(opts importOptions) importer.Gateway {
	if opts.local {
		store := inmemdb.NewImportStore(inmemdb.Open())
		return courseimport.NewService(store, emailsvc.NewConsoleService(cli.conf, cli.logger), cli.logger, courseimport.OptionsFromConfig(cli.conf))
	}
	return restgw.NewGateway(restgw.Options{
		BaseURL:     opts.url,
		Token:       opts.token,
		PreviewRole: opts.previewRole,
		Timeout:     cli.conf.Gateway.Timeout,
	})
}

func readImportFile(path string) (importer.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return importer.File{}, errors.Wrap(err, "reading import file")
	}
	return importer.File{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Data:        data,
	}, nil
}

// userError keeps err for errors.Is but shows the Workflow's message.
func userError(err error) error {
	return errors.Wrap(err, importer.Message(err))
}

func (cli *commandLine) importFile(opts importOptions) error {
	file, err := readImportFile(opts.file)
	if err != nil {
		return err
	}

	ctx := context.Background()
	wf := importer.NewWorkflow(cli.gateway(opts), opts.kind, cli.logger)
	if err = wf.Upload(ctx, file); err != nil {
		return userError(err)
	}
	state := wf.State()
	fmt.Fprintf(cli.out, "job %s: %d columns: %s\n", state.Job.JobID, len(state.Columns), strings.Join(state.Columns, ", "))

	for _, m := range opts.mappings {
		col, target, _ := strings.Cut(m, "=")
		if err = wf.SetMapping(strings.TrimSpace(col), importer.TargetField(strings.TrimSpace(target))); err != nil {
			return userError(err)
		}
	}
	if opts.auto {
		if _, err = wf.AutoMap(); err != nil {
			return userError(err)
		}
	}
	if err = wf.Continue(); err != nil {
		return userError(err)
	}
	cli.printMapping(wf.State())

	res, err := wf.Validate(ctx)
	if err != nil {
		return userError(err)
	}
	fmt.Fprintf(cli.out, "dry-run: %d rows processed, %d errors\n", res.RowsProcessed, res.ErrorsCount)
	for _, e := range wf.State().Errors {
		fmt.Fprintf(cli.out, "  row %d [%s] %s\n", e.RowNumber, e.Code, e.Message)
	}

	if !opts.commit {
		return nil
	}
	if !wf.CanCommit() {
		return errDryRunFailed
	}
	totals, err := wf.Commit(ctx)
	if err != nil {
		return userError(err)
	}
	fmt.Fprintf(cli.out, "committed: %d courses created, %d updated; %d modules created, %d updated\n",
		totals.CreatedCourses, totals.UpdatedCourses, totals.CreatedModules, totals.UpdatedModules)
	return nil
}

func (cli *commandLine) printMapping(state importer.State) {
	for _, col := range state.Columns {
		if target, ok := state.Mapping[col]; ok {
			fmt.Fprintf(cli.out, "  %s -> %s\n", col, target)
		} else {
			fmt.Fprintf(cli.out, "  %s (ignored)\n", col)
		}
	}
	if len(state.MissingRequired) > 0 {
		missing := make([]string, 0, len(state.MissingRequired))
		for _, f := range state.MissingRequired {
			missing = append(missing, string(f))
		}
		fmt.Fprintf(cli.out, "required fields not mapped: %s\n", strings.Join(missing, ", "))
	}
}
