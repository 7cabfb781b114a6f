package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"skyflow/internal/config"
	"skyflow/internal/dispatch"
)

func newEnqueueCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <flight-id>...",
		Short: "Queue publish tasks for the given flights",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseFlightID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			if a.cfg.Queue.Driver != config.QueueDriverAsynq {
				return fmt.Errorf("enqueue needs the asynq queue driver, got %q", a.cfg.Queue.Driver)
			}
			enqueuer, closeClient, err := a.newAsynqEnqueuer()
			if err != nil {
				return err
			}
			defer closeClient()

			for _, id := range ids {
				err := enqueuer.Enqueue(cmd.Context(), id)
				if errors.Is(err, dispatch.ErrAlreadyQueued) {
					a.printf(cmd, "flight %d already queued\n", id)
					continue
				}
				if err != nil {
					return err
				}
				a.metrics.ObserveEnqueue("cli")
				a.printf(cmd, "flight %d queued\n", id)
			}
			return nil
		},
	}
}
