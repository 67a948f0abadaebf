package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/mechanic-dispatch/internal/auth"
)

type StormOptions struct {
	*RootOptions
	Mechanics []string
	Timeout   time.Duration
}

// StormResult is the outcome of one mechanic's accept attempt.
type StormResult struct {
	MechanicID string
	Status     int
	Message    string
	Err        error
}

func NewStormCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StormOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "storm <request-id>",
		Short: "Fire concurrent accepts for one request and report the winners",
		Long: `Fire concurrent accepts for one request and report the winners.

Every listed mechanic sends "accepted" at the same instant. A healthy
service reports exactly one winner.`,
		Example:       `  dispatchctl storm 42 --secret dev --mechanic M1 --mechanic M2 --mechanic M3`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.Mechanics) == 0 {
				return fmt.Errorf("at least one --mechanic is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			results, err := runStorm(ctx, http.DefaultClient, opts.Server, opts.Secret, args[0], opts.Mechanics)
			if err != nil {
				return err
			}
			winners := printStorm(cmd.OutOrStdout(), results)
			if winners != 1 {
				return fmt.Errorf("expected exactly one winner, got %d", winners)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.Mechanics, "mechanic", nil, "mechanic id to accept as (repeatable)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall deadline")

	return cmd
}

// runStorm releases every accept at once and collects the outcomes in
// mechanic order.
func runStorm(ctx context.Context, hc *http.Client, server, secret, requestID string, mechanics []string) ([]StormResult, error) {
	tokens := make([]string, len(mechanics))
	for i, id := range mechanics {
		tok, err := mintToken(secret, id, auth.RoleMechanic, time.Hour)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	body, err := json.Marshal(map[string]string{"requestId": requestID, "response": "accepted"})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(server, "/") + "/api/requests/respond"

	results := make([]StormResult, len(mechanics))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range mechanics {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := StormResult{MechanicID: mechanics[i]}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				res.Err = err
				results[i] = res
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+tokens[i])
			<-start
			resp, err := hc.Do(req)
			if err != nil {
				res.Err = err
				results[i] = res
				return
			}
			defer resp.Body.Close()
			var out struct {
				Message string `json:"message"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&out)
			res.Status = resp.StatusCode
			res.Message = out.Message
			results[i] = res
		}(i)
	}
	close(start)
	wg.Wait()
	return results, nil
}

func printStorm(w io.Writer, results []StormResult) int {
	winners := 0
	byMessage := map[string]int{}
	for _, r := range results {
		switch {
		case r.Err != nil:
			byMessage["error: "+r.Err.Error()]++
		case r.Status == http.StatusOK:
			winners++
			fmt.Fprintf(w, "winner: %s\n", r.MechanicID)
		default:
			byMessage[fmt.Sprintf("%d %s", r.Status, r.Message)]++
		}
	}
	keys := make([]string, 0, len(byMessage))
	for k := range byMessage {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%4d x %s\n", byMessage[k], k)
	}
	fmt.Fprintf(w, "attempts: %d, winners: %d\n", len(results), winners)
	return winners
}
