package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/antfarm/internal/models"
	"github.com/mpataki/antfarm/internal/storage"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Install workflows and drive their runs",
	}

	cmd.AddCommand(newInstallCommand())
	cmd.AddCommand(newUpdateCommand())
	cmd.AddCommand(newUninstallCommand())
	cmd.AddCommand(newWorkflowListCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newNextCommand())
	cmd.AddCommand(newCompleteCommand())
	cmd.AddCommand(newCancelCommand())
	return cmd
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <source>",
		Short: "Install a workflow from a file path or URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			wf, err := e.defs.Install(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Installed workflow %q (%s, %d steps)\n", wf.ID, wf.DisplayName(), len(wf.Steps))
			return nil
		},
	}
}

func newUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> [source]",
		Short: "Re-fetch an installed workflow",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			source := ""
			if len(args) == 2 {
				source = args[1]
			}

			wf, err := e.defs.Update(cmd.Context(), args[0], source)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Updated workflow %q from %s\n", wf.ID, wf.Source)
			return nil
		},
	}
}

func newUninstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall <id> | --all",
		Short: "Remove installed workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) || len(args) > 1 {
				return fmt.Errorf("uninstall takes exactly one workflow id or --all")
			}

			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			if all {
				removed, err := e.defs.UninstallAll()
				for _, id := range removed {
					fmt.Fprintf(out, "Uninstalled: %s\n", id)
				}
				if err != nil {
					return err
				}
				if len(removed) == 0 {
					fmt.Fprintln(out, "No workflows installed.")
				}
				return nil
			}

			if err := e.defs.Uninstall(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Uninstalled: %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "Uninstall every workflow")
	return cmd
}

func newWorkflowListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			workflows, err := e.defs.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(workflows) == 0 {
				fmt.Fprintln(out, "No workflows installed.")
				return nil
			}

			for _, wf := range workflows {
				fmt.Fprintf(out, "%-20s %-30s %d steps\n", wf.ID, truncate(wf.DisplayName(), 30), len(wf.Steps))
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-title...>",
		Short: "Show the run for a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args, " ")

			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.runner.Status(cmd.Context(), title)
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No run found for task: %s\n", title)
				return nil
			}
			if err != nil {
				return err
			}

			totalSteps := -1
			if wf, err := e.defs.Get(run.WorkflowID); err == nil {
				totalSteps = len(wf.Steps)
			}
			printRunSummary(cmd.OutOrStdout(), run, totalSteps)
			return nil
		},
	}
}

// printRunSummary renders run for operators. totalSteps is negative when the
// workflow definition is no longer installed.
func printRunSummary(out io.Writer, run *models.Run, totalSteps int) {
	fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.DisplayName())
	fmt.Fprintf(out, "Task: %s\n", run.TaskTitle)
	fmt.Fprintf(out, "Status: %s\n", run.Status.Label())
	fmt.Fprintf(out, "Lead: %s (%s)\n", run.LeadAgentID, run.LeadSessionLabel)
	if totalSteps >= 0 {
		fmt.Fprintf(out, "Progress: %d/%d steps\n", run.SucceededSteps(), totalSteps)
	} else {
		fmt.Fprintf(out, "Progress: %d steps (workflow %s not installed)\n", run.SucceededSteps(), run.WorkflowID)
	}
	if run.PendingStep != models.NoStep {
		fmt.Fprintf(out, "Pending step: %d\n", run.PendingStep)
	}
	if run.SessionHandle != "" {
		fmt.Fprintf(out, "Session: %s\n", run.SessionHandle)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", run.Error)
	}

	if len(run.Steps) > 0 {
		fmt.Fprintln(out, "\nSteps:")
		for _, step := range run.Steps {
			mark := "ok"
			if !step.Success {
				mark = "failed"
			}
			fmt.Fprintf(out, "  [%d] %s %s\n", step.Index, mark, truncate(strings.ReplaceAll(step.Output, "\n", " "), 60))
		}
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <workflow-id> <task-title...>",
		Short: "Start a run of a workflow for a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args[1:], " ")

			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.runner.Start(cmd.Context(), args[0], title)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created run %s for task %q\n", run.ID, run.TaskTitle)
			fmt.Fprintf(out, "Lead: %s (%s)\n", run.LeadAgentID, run.LeadSessionLabel)
			return nil
		},
	}
}

func newNextCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next <task-title...>",
		Short: "Hand out the next step of a run as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			result, err := e.runner.Next(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newCompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-title...> <success|fail> [output...]",
		Short: "Record the outcome of the pending step",
		Long:  "Record the outcome of the pending step. The task title is every word before the first\nsuccess or fail; quote the title if it contains either word.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title, success, output, err := splitCompleteArgs(args)
			if err != nil {
				return err
			}

			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			result, err := e.runner.Complete(cmd.Context(), title, success, output)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-title...> [--reason <text>]",
		Short: "Fail an active run and stop its agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.cancelRun(cmd.Context(), strings.Join(args, " "), reason)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled run %s: %s\n", run.ID, run.Error)
			return nil
		},
	}

	cmd.Flags().String("reason", "", "Reason recorded as the run's error")
	return cmd
}

func parseOutcome(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "success", "ok", "pass":
		return true, nil
	case "fail", "failure", "failed":
		return false, nil
	}
	return false, fmt.Errorf("outcome must be success or fail, got %q", s)
}

// splitCompleteArgs splits `<title...> <success|fail> [output...]` at the
// first literal success or fail after the title's first word. Without one,
// the title is args[0] and args[1] must be an outcome.
func splitCompleteArgs(args []string) (title string, success bool, output string, err error) {
	for i := 1; i < len(args); i++ {
		if args[i] == "success" || args[i] == "fail" {
			return strings.Join(args[:i], " "), args[i] == "success", strings.Join(args[i+1:], " "), nil
		}
	}
	success, err = parseOutcome(args[1])
	if err != nil {
		return "", false, "", err
	}
	return args[0], success, strings.Join(args[2:], " "), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
