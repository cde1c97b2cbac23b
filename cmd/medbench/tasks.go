package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metalagman/medbench/internal/task"
)

func tasksCmd() *cobra.Command {
	var taskType string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the task catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fatal(err)
				return err
			}
			source, err := task.NewFileSource(cfg.TaskCatalogue)
			if err != nil {
				fatal(err)
				return err
			}
			tasks, err := source.List(cmd.Context(), taskType)
			if err != nil {
				fatal(err)
				return err
			}
			for _, t := range tasks {
				fmt.Printf("%-24s %-20s %s\n", t.ID, t.Type, truncate(t.Question, 70))
			}
			fmt.Printf("%d task(s)\n", len(tasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
