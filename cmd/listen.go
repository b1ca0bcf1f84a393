package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves/ui/internal/channel"
	"github.com/jeeves/ui/internal/connection"
	apperrors "github.com/jeeves/ui/internal/errors"
	"github.com/jeeves/ui/internal/hoststate"
	"github.com/jeeves/ui/internal/message"
)

type listenOptions struct {
	count     int
	timeout   time.Duration
	withState bool
}

func newListenCommand(a *app) *cobra.Command {
	var opts listenOptions
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect without the view and print inbound messages",
		Long: `Connect to the host exactly as the view does and print one line per
inbound message until interrupted, the channel gives up, or --count
messages have arrived.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runListen(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.count, "count", 0, "Exit after this many messages (0: run until interrupted)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up after this long (0: no limit)")
	cmd.Flags().BoolVar(&opts.withState, "with-state", false, "Also fetch and print the host state")
	return cmd
}

// lockedWriter serialises output from the channel goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func (a *app) runListen(ctx context.Context, stdout io.Writer, opts listenOptions) error {
	s := a.settings
	id := s.resolved.Identity
	if !id.Present() {
		return fmt.Errorf("%w (set %s and %s, or --node and --process)",
			apperrors.HostAbsent(id.Missing()), envNodeHelp, envProcessHelp)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	j, err := a.openJournal()
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
	}

	out := &lockedWriter{w: stdout}
	var (
		mu       sync.Mutex
		received int
	)
	router := message.NewRouter()
	router.Fallback(func(_ context.Context, env message.Envelope) error {
		mu.Lock()
		received++
		n := received
		mu.Unlock()

		out.printf("[%d] type=%s payload=%s\n", n, env.Type, env.Payload)
		if opts.count > 0 && n >= opts.count {
			cancel()
		}
		return nil
	})

	failed := make(chan error, 1)
	h := connection.New(s.connectionConfig(j), connection.WithLogger(a.logger), connection.WithRouter(router))

	out.printf("Connecting to %s...\n", s.wsEndpoint())
	mount := h.Mount(ctx, connection.WithStateObserver(func(state channel.State, err error) {
		switch state {
		case channel.StateConnected:
			out.printf("Connected! Waiting for messages...\n")
		case channel.StateRetrying:
			out.printf("Connection lost, retrying: %v\n", err)
		case channel.StateFailed:
			select {
			case failed <- err:
			default:
			}
		}
	}))
	defer mount.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-failed:
			return err
		}
	})
	if opts.withState {
		g.Go(func() error {
			state, err := hoststate.Fetch(gctx, nil, s.resolved.Endpoint)
			if err != nil {
				a.logger.Warn("host state unavailable", zap.Error(err))
				out.printf("Host state unavailable: %v\n", err)
				return nil
			}
			out.mu.Lock()
			state.WriteSummary(out.w)
			out.mu.Unlock()
			return nil
		})
	}

	err = g.Wait()

	mu.Lock()
	total := received
	mu.Unlock()
	out.printf("Total messages received: %d\n", total)
	return err
}
