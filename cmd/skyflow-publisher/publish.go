package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"skyflow/internal/publish"
	"skyflow/internal/storage"
)

func newPublishCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <flight-id>",
		Short: "Run the publish job for one flight in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flightID, err := parseFlightID(args[0])
			if err != nil {
				return err
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			ctx := cmd.Context()
			flights, err := a.openFlights(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeFlights(a, flights)

			job, err := a.newJob(flights)
			if err != nil {
				return err
			}
			outcome, err := job.Publish(ctx, flightID)
			if err != nil {
				retry := "permanent"
				if publish.IsRetryable(err) {
					retry = "retryable"
				}
				return fmt.Errorf("%w (%s)", err, retry)
			}
			switch outcome {
			case publish.OutcomePublished:
				flight, err := flights.GetFlight(ctx, flightID)
				if err != nil {
					return fmt.Errorf("reload flight %d: %w", flightID, err)
				}
				a.printf(cmd, "flight %d published: %s\n", flightID, flight.PlaybackURL)
			default:
				a.printf(cmd, "flight %d %s: nothing to publish\n", flightID, outcome)
			}
			return nil
		},
	}
}

func parseFlightID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid flight id %q", raw)
	}
	return id, nil
}

func closeFlights(a *app, flights storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := flights.Close(ctx); err != nil {
		a.logger.Warn("failed to close flights repository", "error", err)
	}
}
