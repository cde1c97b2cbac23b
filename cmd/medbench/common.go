package main

import (
	"database/sql"
	"fmt"

	"github.com/metalagman/medbench/internal/a2a"
	"github.com/metalagman/medbench/internal/config"
	"github.com/metalagman/medbench/internal/db"
	"github.com/metalagman/medbench/internal/fhir"
	"github.com/metalagman/medbench/internal/harness"
	"github.com/metalagman/medbench/internal/report"
	"github.com/metalagman/medbench/internal/score"
	"github.com/metalagman/medbench/internal/task"
	"github.com/metalagman/medbench/internal/tools"
)

func openStore(cfg config.Config) (*sql.DB, *report.Store, error) {
	var (
		storeDB *sql.DB
		err     error
	)
	if cfg.DBPath == "" {
		storeDB, err = db.OpenMemory()
	} else {
		storeDB, err = db.Open(cfg.DBPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open database %q: %w", cfg.DBPath, err)
	}
	return storeDB, report.NewStore(storeDB), nil
}

// buildDeps wires the evaluation collaborators from the configuration. The
// store may be nil for one-shot runs that do not persist.
func buildDeps(cfg config.Config, store *report.Store) (harness.Deps, error) {
	source, err := task.NewFileSource(cfg.TaskCatalogue)
	if err != nil {
		return harness.Deps{}, fmt.Errorf("load task catalogue %s: %w", cfg.TaskCatalogue, err)
	}

	fc := fhir.NewClient(cfg.FHIRBaseURL)

	var disc *tools.Discoverer
	if cfg.MCPEndpoint != "" {
		disc = tools.NewDiscoverer(cfg.MCPEndpoint)
	}

	return harness.Deps{
		Source: source,
		Scorer: score.NewRegistry(fc),
		Messenger: a2a.NewMessenger(
			a2a.WithMaxRounds(cfg.Exchange.MaxRounds),
			a2a.WithTimeout(cfg.Exchange.Timeout()),
		),
		Discoverer:  disc,
		Store:       store,
		Concurrency: cfg.Batch.Concurrency,
	}, nil
}
