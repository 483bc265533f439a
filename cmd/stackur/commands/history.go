package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackur/pkg/config"
	"github.com/openfroyo/stackur/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		prune bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled commits",
		Long: `List the commits recorded in the journal, newest first, or the stack
events of one commit when a run id is given.`,
		Example: `  stackur history
  stackur history --limit 5 --json
  stackur history 5f0c2a9e-...
  stackur history --prune`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			m, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !m.Journal.Enabled {
				return fmt.Errorf("the journal is disabled for stack %s", m.Stack)
			}

			e := &env{manifest: m}
			if e.tel, err = newTelemetry(m); err != nil {
				return err
			}
			e.log = e.tel.Logger.NewComponentLogger("cli").WithStack(m.Stack)
			if err := e.openJournal(ctx); err != nil {
				return err
			}
			defer e.Close(ctx)

			if prune {
				if m.Journal.Retention <= 0 {
					return fmt.Errorf("no journal retention configured")
				}
				e.prune(ctx)
				return nil
			}

			if len(args) == 1 {
				run, err := e.journal.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := e.journal.GetEvents(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, map[string]interface{}{"run": run, "events": events})
				}
				return printEvents(out, run, events)
			}

			runs, err := e.journal.ListRuns(ctx, m.Stack, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}
			return printRuns(out, runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete runs older than the journal retention")

	return cmd
}

func historyTable(w io.Writer, headers []string, rows [][]string) string {
	renderer := lipgloss.NewRenderer(w)
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := renderer.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			return style
		}).
		String()
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded")
		return err
	}

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		outcome, took := "running", "-"
		if run.Finished() {
			outcome = *run.Outcome
		}
		if run.CompletedAt != nil {
			took = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{
			run.ID,
			run.StartedAt.Local().Format(time.DateTime),
			run.Operation,
			run.ChangeSetName,
			outcome,
			fmt.Sprint(run.Changes),
			took,
		})
	}

	_, err := fmt.Fprintln(w, historyTable(w,
		[]string{"RUN", "STARTED", "OPERATION", "CHANGE SET", "OUTCOME", "CHANGES", "TOOK"}, rows))
	return err
}

func printEvents(w io.Writer, run *stores.Run, events []*stores.Event) error {
	fmt.Fprintf(w, "Run %s: %s of %s by %s\n", run.ID, run.Operation, run.StackName, run.Operator)
	if run.StatusReason != nil && *run.StatusReason != "" {
		fmt.Fprintf(w, "Reason: %s\n", *run.StatusReason)
	}
	if run.Error != nil && *run.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", *run.Error)
	}

	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			ev.Timestamp.Local().Format(time.TimeOnly),
			ev.LogicalID,
			ev.ResourceType,
			ev.Status,
			ev.Reason,
		})
	}

	_, err := fmt.Fprintln(w, historyTable(w, []string{"TIME", "LOGICAL ID", "TYPE", "STATUS", "REASON"}, rows))
	return err
}
