// Package main is the jsonstage CLI: a thin, optional harness for
// exercising internal/engine by hand against a sqlite file, grounded on the
// teacher's cobra-based invoke subcommand. It carries none of the business
// logic — every operation is a direct call into *engine.Engine.
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"
	"github.com/spf13/cobra"

	"github.com/jsonstage/jsonstage/internal/engine"
)

// Command is the jsonstage root cobra command.
type Command struct {
	*cobra.Command
	dbPath     string
	configPath string
}

// NewCommand builds the root command and its subcommands.
func NewCommand() *Command {
	c := &Command{}
	c.Command = &cobra.Command{
		Use:           "jsonstage",
		Short:         "Stage and query ad-hoc JSON payloads against an embedded SQL compartment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.PersistentFlags().StringVar(&c.dbPath, "db", "jsonstage.db", "path to the sqlite compartment file")
	c.PersistentFlags().StringVar(&c.configPath, "config", "jsonstage.yaml", "path to an optional YAML config file (chunk thresholds, reserved words, log format)")

	c.AddCommand(
		c.newStageCommand(),
		c.newQueryCommand(),
		c.newIntrospectCommand(),
		c.newColumnsCommand(),
		c.newChunkStatsCommand(),
		c.newResetCommand(),
	)
	return c
}

// openEngine opens c.dbPath and wraps it in an *engine.Engine configured
// from c.configPath (the defaults when that file does not exist). Callers
// must close the returned *sql.DB.
func (c *Command) openEngine() (*sql.DB, *engine.Engine, error) {
	cfg, err := engine.LoadConfig(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite", c.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open %s: %w", c.dbPath, err)
	}
	return db, engine.New(db, cfg), nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to marshal result: %w", err)
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func (c *Command) newStageCommand() *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "stage <payload.json>",
		Short: "Stage a JSON payload into the compartment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			path := fromFile
			if path == "" && len(args) == 1 {
				path = args[0]
			}
			var raw []byte
			var err error
			if path == "" || path == "-" {
				raw, err = io.ReadAll(cc.InOrStdin())
			} else {
				raw, err = os.ReadFile(path)
			}
			if err != nil {
				return fmt.Errorf("unable to read payload: %w", err)
			}

			db, eng, err := c.openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := eng.Stage(cc.Context(), raw)
			if err != nil {
				return err
			}
			return printJSON(cc.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&fromFile, "file", "", "path to the payload file (defaults to the positional argument, or stdin)")
	return cmd
}

func (c *Command) newQueryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run an analytic SQL query against the staged compartment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			db, eng, err := c.openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := eng.Query(cc.Context(), args[0])
			if err != nil {
				return printJSON(cc.OutOrStdout(), engine.AsQueryError(args[0], err))
			}
			return printJSON(cc.OutOrStdout(), result)
		},
	}
}

func (c *Command) newIntrospectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "introspect",
		Short: "Summarise the staged compartment's tables",
		Args:  cobra.NoArgs,
		RunE: func(cc *cobra.Command, args []string) error {
			db, eng, err := c.openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := eng.Introspect(cc.Context())
			if err != nil {
				return err
			}
			return printJSON(cc.OutOrStdout(), result)
		},
	}
}

func (c *Command) newColumnsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "columns <table>",
		Short: "List a staged table's columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			db, eng, err := c.openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := eng.TableColumns(cc.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cc.OutOrStdout(), result)
		},
	}
}

func (c *Command) newChunkStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chunk-stats",
		Short: "Summarise the compartment's chunk store",
		Args:  cobra.NoArgs,
		RunE: func(cc *cobra.Command, args []string) error {
			db, eng, err := c.openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := eng.ChunkingStats(cc.Context())
			if err != nil {
				return err
			}
			return printJSON(cc.OutOrStdout(), result)
		},
	}
}

func (c *Command) newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete all rows from the compartment's tables",
		Args:  cobra.NoArgs,
		RunE: func(cc *cobra.Command, args []string) error {
			db, eng, err := c.openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := eng.DeleteAll(cc.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cc.OutOrStdout(), "compartment reset")
			return nil
		},
	}
}
