package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf   *core.Config
	logger core.Logger
	out    io.Writer
	stdin  int // fd the API token is prompted on
}

// mapFlag collects repeated -map column=target flags.
type mapFlag []string

func (m *mapFlag) String() string { return strings.Join(*m, ",") }

func (m *mapFlag) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("%q: expected column=target", v)
	}
	*m = append(*m, v)
	return nil
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  import -file FILE [-map COLUMN=TARGET ...] [-auto] [-commit] [-local] [-url URL] [-token TOKEN] [-preview ROLE]")
	fmt.Fprintln(cli.out, "         - dry-run (and optionally commit) a course import")
	fmt.Fprintln(cli.out, "  fields - list the target fields columns can be mapped onto")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a database migration command (up, down, status, ...)")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	importCmd := flag.NewFlagSet("import", flag.ContinueOnError)
	importCmd.SetOutput(cli.out)
	opts := importOptions{kind: importer.Kind(cli.conf.Import.Kind)}
	importCmd.StringVar(&opts.file, "file", "", "The CSV, TSV or XLSX file to import.")
	importCmd.Var(&opts.mappings, "map", "Maps a column onto a target field, as column=target. Repeatable.")
	importCmd.BoolVar(&opts.auto, "auto", false, "Map the remaining columns from their headers.")
	importCmd.BoolVar(&opts.commit, "commit", false, "Commit the import when the dry-run is clean.")
	importCmd.BoolVar(&opts.local, "local", false, "Run against an in-memory import service instead of the API.")
	importCmd.StringVar(&opts.url, "url", cli.conf.Gateway.BaseURL, "The import API base URL.")
	importCmd.StringVar(&opts.token, "token", cli.conf.Gateway.Token, "The API token. Prompted for when empty.")
	importCmd.StringVar(&opts.previewRole, "preview", "", "Role to preview, admins only.")

	switch args[1] {
	case "import":
		if err := importCmd.Parse(args[2:]); err != nil {
			return err
		}
		if opts.file == "" {
			importCmd.Usage()
			return errHelp
		}
		if !opts.local && opts.token == "" {
			fmt.Fprint(cli.out, "Enter API token:")
			token, err := readPasswordFunc(cli.stdin)
			fmt.Fprintln(cli.out)
			if err != nil {
				return err
			}
			if len(token) == 0 {
				importCmd.Usage()
				return errHelp
			}
			opts.token = string(token)
		}
		return cli.importFile(opts)
	case "fields":
		return cli.printFields()
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) printFields() error {
	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tGROUP\tREQUIRED\tLABEL")
	for _, f := range importer.Fields {
		required := ""
		if f.Required {
			required = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Field, f.Group, required, f.Label)
	}
	return w.Flush()
}
