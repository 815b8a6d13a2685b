package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"dlqueue/internal/config"
	"dlqueue/internal/task"

	"github.com/spf13/cobra"
)

// withRuntime opens the queue for the duration of fn.
func withRuntime(fn func(rt *runtime) error) error {
	rt, err := openRuntime(config.GlobalConfig)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a task id", task.ErrInvalidTarget, s)
	}
	return id, nil
}

func parsePosition(s string) (int, error) {
	pos, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a position", task.ErrInvalidPosition, s)
	}
	return pos, nil
}

// targetIDs resolves args to task ids. Ids may be given as "3", "1-4" or
// "2,5"; with byPosition each argument is a queue position instead.
// Positions are resolved before anything changes, so removing several tasks
// by position is not affected by the renumbering in between.
func targetIDs(rt *runtime, args []string, byPosition bool) ([]int64, error) {
	if !byPosition {
		return task.ParseTargets(args)
	}
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		pos, err := parsePosition(arg)
		if err != nil {
			return nil, err
		}
		t, err := rt.mgr.AtPosition(pos)
		if err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// eachTarget applies fn to every task named by args.
func eachTarget(rt *runtime, args []string, byPosition bool, fn func(id int64) error) error {
	ids, err := targetIDs(rt, args, byPosition)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func newAddCmd() *cobra.Command {
	var (
		kind   string
		output string
		start  bool
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "add <url>...",
		Short: "Queue one or more downloads",
		Long: `Queue downloads at the tail of the queue. The kind is guessed from the
URL unless --kind is given: .m3u8 playlists are HLS streams, pages and
extensionless paths are scanned for links, anything else is a direct file.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k task.Kind
			if kind != "" {
				var err error
				if k, err = task.ParseKind(kind); err != nil {
					return err
				}
			}
			cfg := config.GlobalConfig
			return withRuntime(func(rt *runtime) error {
				for _, source := range args {
					req := task.AddRequest{Source: source, Kind: k}
					if req.Kind == "" {
						req.Kind = task.DetectKind(source)
					}
					switch {
					case output != "" && len(args) == 1:
						req.Destination = output
					case output != "":
						req.Destination = task.DefaultDestination(output, source, req.Kind)
					default:
						req.Destination = task.DefaultDestination(cfg.DownloadDir, source, req.Kind)
					}
					if abs, err := filepath.Abs(req.Destination); err == nil {
						req.Destination = abs
					}

					t, err := rt.mgr.Add(req)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", t.ID, t.Kind, t.Destination)
					if start {
						if err := rt.mgr.Start(t.ID); err != nil {
							return err
						}
					}
				}
				if !start || detach {
					return nil
				}
				return runForeground(cmd, rt)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "task kind: direct, page or hls")
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (one url) or directory (several)")
	cmd.Flags().BoolVar(&start, "start", false, "start the new tasks and run them")
	cmd.Flags().BoolVar(&detach, "detach", false, "with --start, mark the tasks running without running them here")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	var byPosition bool
	cmd := &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "Remove tasks from the queue",
		Args:    minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				return eachTarget(rt, args, byPosition, func(id int64) error {
					if err := rt.remove(id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", id)
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&byPosition, "position", "p", false, "arguments are queue positions, not ids")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>...",
		Short: "Pause tasks at their last checkpoint",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				return eachTarget(rt, args, false, rt.mgr.Pause)
			})
		},
	}
}

func newPauseAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause-all",
		Short: "Pause every queued or running task",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				ids, err := rt.mgr.PauseAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "paused %d task(s)\n", len(ids))
				return nil
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Stop tasks and keep them in the queue as cancelled",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				return eachTarget(rt, args, false, rt.mgr.Cancel)
			})
		},
	}
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <position>",
		Short: "Move a task to a queue position (0 is the head)",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			pos, err := parsePosition(args[1])
			if err != nil {
				return err
			}
			return withRuntime(func(rt *runtime) error {
				return rt.mgr.Move(id, pos)
			})
		},
	}
}

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up <id>",
		Short: "Move a task one position toward the head",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(func(rt *runtime) error {
				return rt.mgr.MoveUp(id)
			})
		},
	}
}

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down <id>",
		Short: "Move a task one position toward the tail",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(func(rt *runtime) error {
				return rt.mgr.MoveDown(id)
			})
		},
	}
}

func newSwapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "swap <position> <position>",
		Short: "Exchange the tasks at two queue positions",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			b, err := parsePosition(args[1])
			if err != nil {
				return err
			}
			return withRuntime(func(rt *runtime) error {
				return rt.mgr.Swap(a, b)
			})
		},
	}
}
