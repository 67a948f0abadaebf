// Package cli implements dispatchctl, an operator tool for poking a running
// dispatch service: minting tokens, racing accept calls, following a
// tracking room and streaming simulated mechanic positions.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Secret  string
	Verbose bool
}

func (o *RootOptions) logger() *zap.Logger {
	if o.Verbose {
		return logging.NewLogger("debug", "dispatchctl")
	}
	return logging.NewLogger("warn", "dispatchctl")
}

// wsURL maps the http(s) base URL onto the websocket endpoint.
func (o *RootOptions) wsURL() string {
	base := strings.TrimRight(o.Server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/realtime/ws"
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Operate and exercise a mechanic dispatch service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !strings.HasPrefix(opts.Server, "http://") && !strings.HasPrefix(opts.Server, "https://") {
				return fmt.Errorf("invalid --server %q: must start with http:// or https://", opts.Server)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "base URL of the dispatch service")
	cmd.PersistentFlags().StringVar(&opts.Secret, "secret", "", "JWT signing secret used to mint tokens")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewStormCommand(opts))
	cmd.AddCommand(NewTrackCommand(opts))
	cmd.AddCommand(NewEmitCommand(opts))

	return cmd
}
