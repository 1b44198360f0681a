package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := id.ParseJobID(args[0])
		if err != nil {
			return fmt.Errorf("job id: %w", err)
		}
		s, err := loadSettings(envFile)
		if err != nil {
			return err
		}
		logger, err := newLogger(s)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		rc := &redisConn{url: s.RedisURL}
		defer rc.close()

		st, err := openStore(ctx, s, logger, rc)
		if err != nil {
			return err
		}
		defer st.Close()

		return printStatus(cmd, st, jobID)
	},
}

func printStatus(cmd *cobra.Command, st store.Store, jobID id.JobID) error {
	r, err := st.Get(cmd.Context(), jobID)
	if err != nil && !errors.Is(err, imgdispatch.ErrJobNotFound) {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(job.StatusOf(r)); err != nil {
		return err
	}
	if r == nil {
		return imgdispatch.ErrJobNotFound
	}
	return nil
}
