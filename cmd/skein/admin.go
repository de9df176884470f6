package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinworks/skein/client"
	"github.com/skeinworks/skein/config"
	"github.com/skeinworks/skein/store"
)

func newInitCmd() *cobra.Command {
	var rollback bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Apply store schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if rollback {
				sqlStore, ok := s.(*store.SQLStore)
				if !ok {
					return fmt.Errorf("rollback is only supported for sql backends, not %s", cfg.Backend)
				}
				if err := sqlStore.MigrateDown(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
				return nil
			}
			if err := s.Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store initialized (%s)\n", cfg.Backend)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back the most recent migration instead of applying")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			wfs, err := s.ListWorkflows(cmd.Context(), store.WorkflowStatus(strings.ToUpper(status)), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTATUS\tCREATED")
			for _, wf := range wfs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					wf.ID, wf.Name, wf.Version, wf.Status, wf.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (RUNNING, COMPLETED, FAILED, CANCELED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of workflows to list (0 for all)")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var (
		showEvents bool
		showTasks  bool
		showLogs   bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <workflow-id>",
		Short: "Show a workflow, its final state, and optionally its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			wf, err := s.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := s.ListEvents(ctx, wf.ID)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "ID:      %s\n", wf.ID)
			fmt.Fprintf(out, "Name:    %s\n", wf.Name)
			if wf.Description != "" {
				fmt.Fprintf(out, "Desc:    %s\n", wf.Description)
			}
			if wf.Version != "" {
				fmt.Fprintf(out, "Version: %s\n", wf.Version)
			}
			fmt.Fprintf(out, "Module:  %s\n", wf.Module)
			fmt.Fprintf(out, "Status:  %s\n", wf.Status)
			fmt.Fprintf(out, "Created: %s\n", wf.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Updated: %s\n", wf.UpdatedAt.Format(time.RFC3339))
			if len(wf.Input) > 0 {
				fmt.Fprintf(out, "Input:   %s\n", wf.Input)
			}
			if state := store.FoldState(events); len(state) > 0 {
				fmt.Fprintln(out, "State:")
				printJSON(out, "  ", state)
			}

			if showEvents {
				fmt.Fprintf(out, "\nEvents (%d):\n", len(events))
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, ev := range events {
					payload, _ := json.Marshal(ev.Payload)
					fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n",
						ev.ID, ev.CreatedAt.Format(time.RFC3339), ev.Type, payload)
				}
				w.Flush()
			}

			if showTasks {
				tasks, err := s.ListTasks(ctx, wf.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\nTasks (%d):\n", len(tasks))
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, tk := range tasks {
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\tattempts=%d/%d\n",
						tk.ID, tk.Kind, tk.Target, tk.Status, tk.Attempts, tk.MaxAttempts)
				}
				w.Flush()
			}

			if showLogs {
				logs, err := s.ListLogs(ctx, wf.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\nLogs (%d):\n", len(logs))
				for _, entry := range logs {
					fmt.Fprintf(out, "  %s [%s] %s\n",
						entry.CreatedAt.Format(time.RFC3339), entry.Level, entry.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the event history")
	cmd.Flags().BoolVar(&showTasks, "tasks", false, "include the task list")
	cmd.Flags().BoolVar(&showLogs, "logs", false, "include workflow logs")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Workflows:")
			for _, status := range []store.WorkflowStatus{
				store.StatusRunning, store.StatusCompleted, store.StatusFailed, store.StatusCanceled,
			} {
				if n := stats.WorkflowsByStatus[status]; n > 0 {
					fmt.Fprintf(out, "  %-10s %d\n", status, n)
				}
			}
			fmt.Fprintln(out, "Tasks:")
			for _, status := range []store.TaskStatus{
				store.TaskPending, store.TaskRunning, store.TaskCompleted, store.TaskFailed,
			} {
				if n := stats.TasksByStatus[status]; n > 0 {
					fmt.Fprintf(out, "  %-10s %d\n", status, n)
				}
			}
			fmt.Fprintf(out, "Events: %d\n", stats.Events)
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := client.New(s).Cancel(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the cancellation event")
	return cmd
}

func newCleanCmd() *cobra.Command {
	var (
		force    bool
		noBackup bool
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete terminal workflows and their history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			var doomed []store.Workflow
			for _, status := range []store.WorkflowStatus{
				store.StatusCompleted, store.StatusFailed, store.StatusCanceled,
			} {
				wfs, err := s.ListWorkflows(ctx, status, 0)
				if err != nil {
					return err
				}
				doomed = append(doomed, wfs...)
			}
			if len(doomed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to clean")
				return nil
			}

			if !force {
				fmt.Fprintf(cmd.OutOrStdout(), "delete %d terminal workflows? [y/N] ", len(doomed))
				line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			if cfg.Backend == config.BackendSQLite && !noBackup {
				backup, err := backupFile(cfg.SQLite.Path)
				if err != nil {
					return fmt.Errorf("backup before clean: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", backup)
			}

			for _, wf := range doomed {
				if err := s.DeleteWorkflow(ctx, wf.ID); err != nil {
					return fmt.Errorf("delete workflow %s: %w", wf.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d workflows\n", len(doomed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the sqlite file backup")
	return cmd
}

// backupFile copies the sqlite database next to itself with a
// timestamp suffix and returns the backup path.
func backupFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	backup := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102T150405"))
	dst, err := os.Create(backup)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return backup, dst.Close()
}

func printJSON(w io.Writer, indent string, v any) {
	data, err := json.MarshalIndent(v, indent, "  ")
	if err != nil {
		fmt.Fprintf(w, "%s%v\n", indent, v)
		return
	}
	fmt.Fprintf(w, "%s%s\n", indent, data)
}
