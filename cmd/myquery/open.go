package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/autom8ter/myquery"
	"github.com/autom8ter/myquery/util"
	_ "github.com/autom8ter/myquery/kv/badger"
	_ "github.com/autom8ter/myquery/kv/redis"
	_ "github.com/autom8ter/myquery/kv/tikv"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	provider   string
	params     string
	logLevel   string
	format     string
}

func bindGlobalFlags(cmd *cobra.Command) *globalFlags {
	f := &globalFlags{}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "path to a yaml or json config file")
	cmd.PersistentFlags().StringVar(&f.provider, "provider", "badger", "kv provider (badger, redis or tikv)")
	cmd.PersistentFlags().StringVar(&f.params, "provider-params", `{"storage_path": "./tmp"}`, "kv provider params (json)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "error", "log level")
	cmd.PersistentFlags().StringVarP(&f.format, "format", "f", "", "yaml, or a go template (with sprig functions) applied to every output value")
	return f
}

func (f *globalFlags) config() (myquery.Config, error) {
	if f.configPath != "" {
		return myquery.LoadConfig(f.configPath)
	}
	params := map[string]any{}
	if err := json.Unmarshal([]byte(f.params), &params); err != nil {
		return myquery.Config{}, fmt.Errorf("failed to parse provider params: %w", err)
	}
	defaults := myquery.DefaultParameters()
	return myquery.Config{
		Provider:   f.provider,
		Params:     params,
		LogLevel:   f.logLevel,
		Parameters: &defaults,
	}, nil
}

// withDB opens the database, runs fn and closes it
func (f *globalFlags) withDB(ctx context.Context, fn func(ctx context.Context, db *myquery.DB) error) error {
	cfg, err := f.config()
	if err != nil {
		return err
	}
	db, err := myquery.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close(ctx)
	return fn(ctx, db)
}

// print writes value as indented json, as yaml or through the --format template
func (f *globalFlags) print(w io.Writer, value any) error {
	switch f.format {
	case "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	case "yaml":
		bits, err := json.Marshal(value)
		if err != nil {
			return err
		}
		out, err := util.JSONToYAML(bits)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "---\n%s", out)
		return err
	}
	tmpl, err := template.New("format").Funcs(sprig.TxtFuncMap()).Parse(f.format)
	if err != nil {
		return fmt.Errorf("invalid format: %w", err)
	}
	var generic any
	bits, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bits, &generic); err != nil {
		return err
	}
	if err := tmpl.Execute(w, generic); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w)
	return err
}

// readInput reads a json argument, a file prefixed with @ or stdin when the argument is -
func readInput(arg string) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(os.Stdin)
	case len(arg) > 0 && arg[0] == '@':
		return os.ReadFile(arg[1:])
	}
	return []byte(arg), nil
}
