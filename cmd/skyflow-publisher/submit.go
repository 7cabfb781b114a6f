package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"skyflow/internal/config"
	"skyflow/internal/dispatch"
	"skyflow/internal/storage"
)

func newSubmitCommand(a *app) *cobra.Command {
	var (
		source  string
		status  string
		enqueue bool
	)
	cmd := &cobra.Command{
		Use:   "submit --source <reference>",
		Short: "Record a new flight for a source video and optionally queue it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(a.cfg.Postgres.DSN) == "" {
				return fmt.Errorf("postgres.dsn is required")
			}
			if enqueue && a.cfg.Queue.Driver != config.QueueDriverAsynq {
				return fmt.Errorf("--enqueue needs the asynq queue driver, got %q", a.cfg.Queue.Driver)
			}
			ctx := cmd.Context()
			flights, err := a.openFlights(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeFlights(a, flights)

			flight, err := flights.CreateFlight(ctx, storage.NewFlight{
				SourceReference: source,
				Status:          storage.FlightStatus(status),
			})
			if err != nil {
				return err
			}
			a.printf(cmd, "flight %d created\n", flight.ID)
			if !enqueue {
				return nil
			}
			enqueuer, closeClient, err := a.newAsynqEnqueuer()
			if err != nil {
				return err
			}
			defer closeClient()
			err = enqueuer.Enqueue(ctx, flight.ID)
			if errors.Is(err, dispatch.ErrAlreadyQueued) {
				a.printf(cmd, "flight %d already queued\n", flight.ID)
				return nil
			}
			if err != nil {
				return err
			}
			a.metrics.ObserveEnqueue("submit")
			a.printf(cmd, "flight %d queued\n", flight.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source reference (local path or s3://bucket/key)")
	cmd.Flags().StringVar(&status, "status", string(storage.FlightStatusPending), "initial moderation status")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue a publish task after creating the flight")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}
