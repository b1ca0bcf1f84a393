// Command hostsim runs a local stand-in for the node hosting the Jeeves
// process, for developing the UI without a node.
//
// Usage: go run ./cmd/hostsim --base-path /jeeves:jeeves:template.os/ --tick 2s
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves/ui/internal/hostsim"
	"github.com/jeeves/ui/internal/hoststate"
	"github.com/jeeves/ui/internal/logging"
)

type options struct {
	addr            string
	basePath        string
	statePath       string
	greeting        []string
	tick            time.Duration
	requireIdentity bool
	logLevel        string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "hostsim",
		Short:         "Serve a simulated host for the Jeeves UI",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "127.0.0.1:8080", "Listen address")
	f.StringVar(&opts.basePath, "base-path", "/jeeves:jeeves:template.os/", "Path the process is served under")
	f.StringVar(&opts.statePath, "state", "", "JSON file with the state document to serve")
	f.StringArrayVar(&opts.greeting, "greeting", nil, "Raw frame sent to each client on connect (repeatable)")
	f.DurationVar(&opts.tick, "tick", 0, "Broadcast a Heartbeat message at this interval (0: never)")
	f.BoolVar(&opts.requireIdentity, "require-identity", false, "Reject clients without identity headers")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	return cmd
}

func run(parent context.Context, opts options) error {
	logger, err := logging.New(logging.Options{Level: opts.logLevel})
	if err != nil {
		return err
	}
	defer logger.Sync()

	simOpts := []hostsim.Option{hostsim.WithLogger(logger), hostsim.WithGreeting(opts.greeting...)}
	if opts.requireIdentity {
		simOpts = append(simOpts, hostsim.WithRequireIdentity())
	}
	if opts.statePath != "" {
		state, err := readState(opts.statePath)
		if err != nil {
			return err
		}
		simOpts = append(simOpts, hostsim.WithState(state))
	}
	sim := hostsim.New(opts.basePath, simOpts...)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.ListenAndServe(ctx, opts.addr, func(addr net.Addr) {
			fmt.Printf("Host simulator on http://%s%s\n", addr, opts.basePath)
		})
	})
	if opts.tick > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(opts.tick)
			defer ticker.Stop()
			for n := 1; ; n++ {
				select {
				case <-ctx.Done():
					return nil
				case at := <-ticker.C:
					if err := sim.Broadcast(map[string]any{
						"Heartbeat": map[string]any{"n": n, "at": at.UTC().Format(time.RFC3339)},
					}); err != nil {
						logger.Warn("heartbeat failed", zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

func readState(path string) (hoststate.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return hoststate.State{}, fmt.Errorf("read state file: %w", err)
	}
	state := hoststate.Empty()
	if err := json.Unmarshal(data, &state); err != nil {
		return hoststate.State{}, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return state, nil
}
