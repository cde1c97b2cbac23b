package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/medbench/internal/a2a"
	"github.com/metalagman/medbench/internal/harness"
)

func evalCmd() *cobra.Command {
	var (
		agentURL    string
		taskID      string
		taskType    string
		all         bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate an agent once and print the batch report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fatal(err)
				return err
			}

			storeDB, store, err := openStore(cfg)
			if err != nil {
				fatal(err)
				return err
			}
			defer func() { _ = storeDB.Close() }()

			deps, err := buildDeps(cfg, store)
			if err != nil {
				fatal(err)
				return err
			}

			o, err := harness.NewOrchestrator("cli", deps)
			if err != nil {
				fatal(err)
				return err
			}

			req := harness.EvalRequest{
				Participants: map[string]string{"agent": agentURL},
				Config: harness.EvalConfig{
					TaskID:      taskID,
					TaskType:    taskType,
					All:         all,
					Concurrency: concurrency,
				},
			}
			payload, err := json.Marshal(req)
			if err != nil {
				return fmt.Errorf("encode eval request: %w", err)
			}

			rc := &a2a.RequestContext{
				TaskID:    uuid.NewString(),
				ContextID: "cli",
				Message:   a2a.NewUserMessage(string(payload), "cli"),
			}
			q := a2a.NewEventQueue()

			var report map[string]any
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range q.Events() {
					switch ev.Kind {
					case a2a.KindStatusUpdate:
						if ev.Status != nil && ev.Status.Message != nil {
							log.Info().Msg(ev.Status.Message.Text())
						}
					case a2a.KindArtifactUpdate:
						if ev.Artifact != nil && len(ev.Artifact.Parts) > 0 {
							for _, p := range ev.Artifact.Parts {
								if p.Kind == "data" {
									report = p.Data
								}
							}
						}
					}
				}
			}()

			execErr := o.Execute(cmd.Context(), rc, q)
			q.Close()
			<-done
			if execErr != nil {
				fatal(execErr)
				return execErr
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&agentURL, "agent", "", "endpoint of the agent under test")
	cmd.Flags().StringVar(&taskID, "task", "", "evaluate a single task by id")
	cmd.Flags().StringVar(&taskType, "type", "", "evaluate all tasks of a type")
	cmd.Flags().BoolVar(&all, "all", false, "evaluate the whole catalogue")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel tasks (defaults to batch.concurrency)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
