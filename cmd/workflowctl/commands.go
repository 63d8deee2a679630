package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"skillflow/internal/app"
	"skillflow/internal/composition"
	"skillflow/internal/config"
	"skillflow/internal/schedule"
	"skillflow/pkg/models"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "workflowctl",
		Short:        "Validate and run skill workflows",
		Version:      app.Version,
		SilenceUsage: true,
	}
	root.AddCommand(newValidateCmd(), newRunCmd(), newCronCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that a workflow definition is a DAG and print its execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(file)
			if err != nil {
				return err
			}
			result := composition.ValidateWorkflow(def.Steps)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("workflow %s is invalid: %s", def.WorkflowID, result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		file        string
		configFile  string
		workflowID  string
		agentID     string
		workspaceID string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow definition against the configured skill registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(file)
			if err != nil {
				return err
			}
			if workflowID == "" {
				workflowID = def.WorkflowID
			}
			if workflowID == "" {
				return errors.New("--workflow-id is required when the definition has none")
			}

			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.Engine.Execute(cmd.Context(), models.ExecuteRequest{
				WorkflowID:  workflowID,
				Steps:       def.Steps,
				AgentID:     agentID,
				WorkspaceID: workspaceID,
			})
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("execution %s ended %s", res.ExecutionID, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition file (YAML or JSON)")
	cmd.Flags().StringVar(&configFile, "config", "", "config file")
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "workflow id, defaults to the definition's")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent the skills run as")
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace scope")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Evaluate and translate schedules",
	}
	cmd.AddCommand(newCronNextCmd(), newCronTranslateCmd())
	return cmd
}

func newCronNextCmd() *cobra.Command {
	var (
		after string
		count int
	)
	cmd := &cobra.Command{
		Use:   "next <cron expression or phrase>",
		Short: "Print the next times a schedule fires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := schedule.Resolve(args[0])
			if err != nil {
				return err
			}
			t := time.Now()
			if after != "" {
				if t, err = time.Parse(time.RFC3339, after); err != nil {
					return fmt.Errorf("invalid --after: %w", err)
				}
			}
			for i := 0; i < count; i++ {
				if t, err = sched.NextAfter(t); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "RFC3339 reference time, defaults to now")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of run times to print")
	return cmd
}

func newCronTranslateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "translate <phrase>",
		Short: "Translate a natural-language schedule to a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, err := schedule.Translate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), expr)
			return nil
		},
	}
}

func readDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	return models.ParseWorkflowDefinition(data)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
