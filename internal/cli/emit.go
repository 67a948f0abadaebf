package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/client"
	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/models"
)

type EmitOptions struct {
	*RootOptions
	MechanicID string
	FromLat    float64
	FromLon    float64
	ToLat      float64
	ToLon      float64
	Steps      int
	Tick       time.Duration
	Interval   time.Duration
}

func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "emit <request-id>",
		Short: "Stream simulated mechanic positions for a request",
		Long: `Stream simulated mechanic positions for a request.

The mechanic moves in a straight line from --from to --to over --steps
ticks. Positions are offered to the sharer every --tick and sent at most
once per --interval.`,
		Example:       `  dispatchctl emit 42 --secret dev --mechanic M1 --from-lat 40.70 --from-lon -74.01 --to-lat 40.72 --to-lon -74.00`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.MechanicID, "mechanic", "", "mechanic id to stream as")
	cmd.Flags().Float64Var(&opts.FromLat, "from-lat", 0, "start latitude")
	cmd.Flags().Float64Var(&opts.FromLon, "from-lon", 0, "start longitude")
	cmd.Flags().Float64Var(&opts.ToLat, "to-lat", 0, "end latitude")
	cmd.Flags().Float64Var(&opts.ToLon, "to-lon", 0, "end longitude")
	cmd.Flags().IntVar(&opts.Steps, "steps", 30, "number of simulated positions")
	cmd.Flags().DurationVar(&opts.Tick, "tick", time.Second, "time between simulated positions")
	cmd.Flags().DurationVar(&opts.Interval, "interval", client.DefaultShareInterval, "minimum time between sent samples")

	return cmd
}

// path returns steps evenly spaced points from a to b inclusive.
func path(a, b models.Coord, steps int) []models.Coord {
	if steps < 2 {
		return []models.Coord{b}
	}
	out := make([]models.Coord, steps)
	for i := range out {
		f := float64(i) / float64(steps-1)
		out[i] = models.Coord{
			Lat: a.Lat + (b.Lat-a.Lat)*f,
			Lon: a.Lon + (b.Lon-a.Lon)*f,
		}
	}
	return out
}

func emit(ctx context.Context, opts *EmitOptions, requestID string, out io.Writer) error {
	if opts.MechanicID == "" {
		return errors.New("--mechanic is required")
	}
	from := models.Coord{Lat: opts.FromLat, Lon: opts.FromLon}
	to := models.Coord{Lat: opts.ToLat, Lon: opts.ToLon}
	for _, c := range []models.Coord{from, to} {
		if err := geo.ValidateCoord(c.Lat, c.Lon); err != nil {
			return err
		}
	}
	token, err := mintToken(opts.Secret, opts.MechanicID, auth.RoleMechanic, time.Hour)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := client.New(client.Options{URL: opts.wsURL(), Token: token, Logger: opts.logger()})
	c.On(models.EventError, func(data json.RawMessage) {
		fmt.Fprintf(out, "error: %s\n", data)
	})
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sharer := client.NewLocationSharer(c, opts.MechanicID, requestID, opts.Interval)
	ticker := time.NewTicker(opts.Tick)
	defer ticker.Stop()

	sent := 0
	for i, p := range path(from, to, opts.Steps) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		ok, err := sharer.Share(p.Lat, p.Lon, nil)
		switch {
		case errors.Is(err, client.ErrNotConnected):
			fmt.Fprintf(out, "step %d: not connected, skipped\n", i)
		case err != nil:
			return err
		case ok:
			sent++
			fmt.Fprintf(out, "step %d: sent %.6f,%.6f\n", i, p.Lat, p.Lon)
		}
	}
	fmt.Fprintf(out, "sent %d of %d positions\n", sent, opts.Steps)
	cancel()
	<-done
	return nil
}
