// Command schema-check validates a category schema and prints a summary of
// its categories. With --records it also opens the configured storage read
// only and counts the records of every category.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dehc/internal/app"
	"dehc/internal/config"
	"dehc/pkg/schema"
)

var exitFunc = os.Exit

// usageError marks flag problems so cli can exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

type options struct {
	schemaPath string
	configPath string
	records    bool
	asJSON     bool
}

// categorySummary describes one category of a loaded schema.
type categorySummary struct {
	Name          string   `json:"name"`
	Fields        int      `json:"fields"`
	Keys          []string `json:"keys,omitempty"`
	GeneratedKeys bool     `json:"generated_keys,omitempty"`
	Flags         []string `json:"flags,omitempty"`
	Reciprocal    []string `json:"reciprocal,omitempty"`
	Derived       []string `json:"derived,omitempty"`
	Records       *int     `json:"records,omitempty"`
}

type report struct {
	Schema      string            `json:"schema"`
	Fingerprint string            `json:"fingerprint"`
	Categories  []categorySummary `json:"categories"`
}

// main runs the command-line interface using the program arguments and exits
// the process with the status code returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			_, _ = fmt.Fprintf(stderr, "%v\n%s", err, cmd.UsageString())
			return 2
		}
		if _, writeErr := fmt.Fprintf(stderr, "Schema validation failed: %v\n", err); writeErr != nil {
			return 1
		}
		return 1
	}
	return 0
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "schema-check",
		Short: "Validate a category schema",
		Long: `Loads a category schema, reports any definition error and prints the
categories with their keys, flags, reciprocal list pairs and derived fields.

The schema path comes from --schema, or from schema_path in the --config file
and DEHC_ environment variables.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.Flags().Changed("schema"), stdout)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err: err} })
	cmd.Flags().StringVar(&opts.schemaPath, "schema", "", "path to the schema file (.yaml, .yml or .json)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a runtime configuration file")
	cmd.Flags().BoolVar(&opts.records, "records", false, "count stored records per category")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func run(ctx context.Context, opts options, schemaSet bool, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if schemaSet {
		cfg.SchemaPath = opts.schemaPath
	}
	reg, err := schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		return err
	}
	rep := summarize(cfg.SchemaPath, reg)
	if opts.records {
		if err := countRecords(ctx, cfg, rep); err != nil {
			return err
		}
	}
	if opts.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return writeText(stdout, rep)
}

func summarize(path string, reg *schema.Registry) *report {
	rep := &report{Schema: path, Fingerprint: reg.Fingerprint()}
	for _, name := range reg.Categories() {
		cs, _ := reg.SchemaFor(name)
		sum := categorySummary{
			Name:          name,
			Fields:        len(cs.Fields),
			Keys:          cs.Keys,
			GeneratedKeys: cs.GeneratedKeys(),
		}
		for _, f := range cs.Flags {
			sum.Flags = append(sum.Flags, f.Code)
		}
		for _, f := range cs.Fields {
			switch f := f.(type) {
			case schema.ListField:
				if f.Reciprocal() {
					sum.Reciprocal = append(sum.Reciprocal, fmt.Sprintf("%s<->%s.%s", f.Name, f.Category, f.ChildField))
				}
			default:
				if schema.IsDerived(f) {
					sum.Derived = append(sum.Derived, fmt.Sprintf("%s(%s)", f.FieldName(), f.Kind()))
				}
			}
		}
		rep.Categories = append(rep.Categories, sum)
	}
	return rep
}

func countRecords(ctx context.Context, cfg config.Config, rep *report) (err error) {
	cfg.ReadOnly = true
	cfg.ReadSource = config.ReadSourceConfig{}
	a, err := app.Open(ctx, cfg, app.Options{SkipBlobs: true})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close storage: %w", cerr)
		}
	}()
	for i := range rep.Categories {
		keys, err := a.Service.Engine().Keys(rep.Categories[i].Name)
		if err != nil {
			return err
		}
		n := len(keys)
		rep.Categories[i].Records = &n
	}
	return nil
}

func writeText(w io.Writer, rep *report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Schema %s (fingerprint %.12s)\n", rep.Schema, rep.Fingerprint)
	for _, c := range rep.Categories {
		keys := "generated"
		if !c.GeneratedKeys {
			keys = strings.Join(c.Keys, " + ")
		}
		fmt.Fprintf(&b, "  %s: %d fields, keys %s", c.Name, c.Fields, keys)
		if len(c.Flags) > 0 {
			fmt.Fprintf(&b, ", flags %s", strings.Join(c.Flags, " "))
		}
		if c.Records != nil {
			fmt.Fprintf(&b, ", %d records", *c.Records)
		}
		b.WriteString("\n")
		for _, r := range c.Reciprocal {
			fmt.Fprintf(&b, "    reciprocal %s\n", r)
		}
		if len(c.Derived) > 0 {
			fmt.Fprintf(&b, "    derived %s\n", strings.Join(c.Derived, ", "))
		}
	}
	b.WriteString("Schema validation passed.\n")
	_, err := io.WriteString(w, b.String())
	return err
}
