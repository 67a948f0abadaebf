package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/client"
	"github.com/example/mechanic-dispatch/internal/models"
)

type TrackOptions struct {
	*RootOptions
	As    string
	Count int
}

func NewTrackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "track <request-id>",
		Short:         "Join a tracking room and print location updates",
		Example:       `  dispatchctl track 42 --secret dev --as U1 --count 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return track(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.As, "as", "", "user id to authenticate as (requires --secret)")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many updates (0 runs until interrupted)")

	return cmd
}

func track(ctx context.Context, opts *TrackOptions, requestID string, out io.Writer) error {
	var token string
	if opts.As != "" {
		tok, err := mintToken(opts.Secret, opts.As, auth.RoleUser, time.Hour)
		if err != nil {
			return err
		}
		token = tok
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		seen int
	)
	c := client.New(client.Options{
		URL:    opts.wsURL(),
		Token:  token,
		Logger: opts.logger(),
		OnState: func(connected bool) {
			fmt.Fprintf(out, "connected=%t\n", connected)
		},
	})
	c.On(models.EventLocationUpdate, func(data json.RawMessage) {
		var u models.LocationUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			fmt.Fprintf(out, "undecodable update: %s\n", data)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		fmt.Fprintf(out, "%s mechanic=%s lat=%.6f lon=%.6f\n",
			time.UnixMilli(u.Timestamp).UTC().Format(time.RFC3339), u.MechanicID, u.Location.Lat, u.Location.Lon)
		if opts.Count > 0 && seen >= opts.Count {
			cancel()
		}
	})
	c.On(models.EventError, func(data json.RawMessage) {
		fmt.Fprintf(out, "error: %s\n", data)
	})
	if err := c.JoinTrackingRoom(requestID); err != nil {
		return err
	}

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
