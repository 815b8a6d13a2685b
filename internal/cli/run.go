package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dlqueue/internal/metrics"
	"dlqueue/internal/server"

	"github.com/spf13/cobra"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runForeground drives the queue in this process until nothing is Running.
// Ctrl-C stops at the next checkpoint and leaves the tasks Running.
func runForeground(cmd *cobra.Command, rt *runtime) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	return rt.foreground(ctx, cmd.OutOrStdout())
}

func newStartCmd() *cobra.Command {
	var (
		detach     bool
		byPosition bool
	)
	cmd := &cobra.Command{
		Use:   "start <id>...",
		Short: "Start or resume tasks and run the queue",
		Long: `Mark tasks running and download them in this process, in queue order
and within the concurrency limit. Starting a failed or cancelled task
retries it with a fresh retry budget. With --detach the tasks are only
marked running; a "dlq run" or "dlq serve" process picks them up.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				if err := eachTarget(rt, args, byPosition, rt.mgr.Start); err != nil {
					return err
				}
				if detach {
					return nil
				}
				return runForeground(cmd, rt)
			})
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "mark the tasks running without running them here")
	cmd.Flags().BoolVarP(&byPosition, "position", "p", false, "arguments are queue positions, not ids")
	return cmd
}

func newStartAllCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "start-all",
		Short: "Start every queued or paused task and run the queue",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				ids, err := rt.mgr.StartAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started %d task(s)\n", len(ids))
				if detach {
					return nil
				}
				return runForeground(cmd, rt)
			})
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "mark the tasks running without running them here")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run tasks already marked running, such as those left by a crash",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				return runForeground(cmd, rt)
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API and run the scheduler until interrupted",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			metrics.Register()

			return withRuntime(func(rt *runtime) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				scheduled := make(chan error, 1)
				go func() { scheduled <- rt.sched.Run(ctx) }()

				srv := server.NewServer(addr, rt.mgr, rt.bus, rt.cfg.DownloadDir)
				err := srv.Start(ctx)
				cancel()
				if serr := <-scheduled; serr != nil && !errors.Is(serr, context.Canceled) {
					log.Printf("scheduler: %v", serr)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}
