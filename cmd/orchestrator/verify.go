package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/config"
	"acp-orchestrator/internal/logging"
	"acp-orchestrator/internal/repository"
)

func newVerifyCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [job-id...]",
		Short: "Verify the audit hash chains of the given jobs (all jobs when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(*configFile, args)
		},
	}
}

func runVerify(configFile string, jobIDs []string) error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	ledger := audit.NewLedger(store)

	if len(jobIDs) == 0 {
		jobs, err := store.ListJobs(ctx, "", 0)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			jobIDs = append(jobIDs, job.ID)
		}
	}

	corrupted := 0
	for _, id := range jobIDs {
		if err := ledger.Verify(ctx, id); err != nil {
			corrupted++
			logger.Error("job %s: %v", id, err)
			continue
		}
		logger.Info("job %s: chain intact", id)
	}
	if corrupted > 0 {
		return fmt.Errorf("%d of %d audit chains corrupted", corrupted, len(jobIDs))
	}
	logger.Info("all %d audit chains intact", len(jobIDs))
	return nil
}
