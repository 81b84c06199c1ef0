package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/friendica/friendica-go/internal/dbstructure"
	"github.com/friendica/friendica-go/internal/logger"
	"github.com/friendica/friendica-go/internal/settings"
	"github.com/friendica/friendica-go/internal/ui"
)

var errUpdateFailed = errors.New("database update failed")

// NewDBStructureCommand creates the parent dbstructure command.
func NewDBStructureCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dbstructure",
		Short: "Perform database updates",
		Long: `Commands to check and converge the database structure with the
bundled (or configured) structure definition.`,
	}

	cmd.AddCommand(newUpdateCommand(g))
	cmd.AddCommand(newDryRunCommand(g))
	cmd.AddCommand(newDumpSQLCommand(g))
	cmd.AddCommand(newDropCommand(g))
	cmd.AddCommand(newToInnoDBCommand(g))
	cmd.AddCommand(newVersionCommand(g))
	cmd.AddCommand(newDescribeCommand(g))
	cmd.AddCommand(newColumnsCommand(g))

	return cmd
}

func newUpdateCommand(g *globals) *cobra.Command {
	var force, verbose, maintenance bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the database structure",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			store := settings.NewConfig(a.db, logger.Logger())
			build, err := store.Int(ctx, "system", "build", 0)
			if err != nil {
				return err
			}
			if build >= a.def.Version && !force {
				ui.PrintInfo("The database structure is at version %d, no update needed.", build)
				return nil
			}

			status, err := a.structure(ui.SQLWriter{W: cmd.OutOrStdout()}).PerformUpdate(ctx, maintenance, verbose)
			if err != nil {
				return err
			}
			if status != "" {
				ui.PrintError("The update failed:")
				fmt.Fprint(cmd.ErrOrStderr(), status)
				return errUpdateFailed
			}

			if err := store.Set(ctx, "system", "build", strconv.Itoa(a.def.Version)); err != nil {
				return err
			}
			ui.PrintSuccess("Database structure updated to version %d", a.def.Version)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Run the update even when the version is current")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show the executed statements")
	cmd.Flags().BoolVarP(&maintenance, "maintenance", "m", true, "Put the node into maintenance mode during the update")

	return cmd
}

func newDryRunCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "dryrun",
		Short: "Show the statements an update would execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			_, err = a.structure(ui.SQLWriter{W: cmd.OutOrStdout()}).DryRun(cmd.Context())
			return err
		},
	}
}

func newDumpSQLCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "dumpsql",
		Short: "Print the CREATE statements of the structure",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load()
			if err != nil {
				return err
			}
			defer a.close()

			s := dbstructure.New(nil, a.def, nil)
			s.PrintStructure(cmd.OutOrStdout(), "Friendica "+Version)
			return nil
		},
	}
}

func newDropCommand(g *globals) *cobra.Command {
	var execute, yes bool

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "List or drop tables that are no longer used",
		RunE: func(cmd *cobra.Command, args []string) error {
			if execute {
				ok, err := ui.Confirm("Drop the unused tables? This can't be undone.", yes)
				if err != nil {
					return err
				}
				if !ok {
					ui.PrintWarning("Aborted")
					return nil
				}
			}

			a, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			return a.structure(ui.SQLWriter{W: cmd.OutOrStdout()}).DropTables(cmd.Context(), execute)
		},
	}

	cmd.Flags().BoolVarP(&execute, "execute", "e", false, "Drop the tables instead of listing them")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Don't ask for confirmation")

	return cmd
}

func newToInnoDBCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "toinnodb",
		Short: "Convert MyISAM and Antelope tables to InnoDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			return a.structure(ui.SQLWriter{W: cmd.OutOrStdout()}).ConvertToInnoDB(cmd.Context())
		},
	}
}

func newVersionCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version <version>",
		Short: "Set the database structure version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			return a.structure(cmd.OutOrStdout()).SetDatabaseVersion(cmd.Context(), args[0])
		},
	}
}

func newDescribeCommand(g *globals) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "describe <table>",
		Short: "Document a table of the structure definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load()
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := a.def.Markdown(args[0])
			if err != nil {
				return err
			}
			if raw {
				fmt.Fprint(cmd.OutOrStdout(), doc)
				return nil
			}
			return ui.PrintMarkdown(doc)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print the markdown source")

	return cmd
}

func newColumnsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "columns <table>",
		Short: "Show the columns of a database table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			columns, err := a.structure(cmd.OutOrStdout()).GetColumns(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			headers := []string{"Field", "Type", "Null", "Key", "Default", "Extra"}
			rows := make([][]string, 0, len(columns))
			for _, column := range columns {
				row := make([]string, len(headers))
				for i, h := range headers {
					row[i] = column.String(h)
				}
				rows = append(rows, row)
			}
			return ui.PrintTable(headers, rows)
		},
	}
}
