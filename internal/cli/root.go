// Package cli maps command line arguments onto queue operations.
package cli

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"dlqueue/internal/config"
	"dlqueue/internal/task"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitUser     = 1
	ExitInternal = 2
)

// usageError marks bad command line input that is not a queue error.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// ExitCode maps an error returned by a command onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ue usageError
	if errors.As(err, &ue) || task.IsUserError(err) || strings.HasPrefix(err.Error(), "unknown command") {
		return ExitUser
	}
	return ExitInternal
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return ExitCode(err)
}

// NewRootCmd builds the command tree. Configuration is loaded into the
// global viper instance before any subcommand runs.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "dlq",
		Short: "Persistent, resumable download queue",
		Long: `dlq keeps a persistent queue of downloads: direct files, links found on
HTML pages, and HLS streams. Downloads resume from their last checkpoint
after a pause, a crash or a restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, cfgFile)
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dlqueue.yaml)")
	flags.String("data-dir", "", "directory holding the queue store and staging cache")
	flags.String("store", "", "queue store: sqlite (shared by concurrent dlq processes) or pebble (one process at a time)")
	flags.String("download-dir", "", "default destination directory")
	flags.Int("max-concurrent", 0, "maximum tasks downloading at once")
	flags.BoolP("verbose", "v", false, "verbose logging")

	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("store", flags.Lookup("store"))
	viper.BindPFlag("download_dir", flags.Lookup("download-dir"))
	viper.BindPFlag("max_concurrent_tasks", flags.Lookup("max-concurrent"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))

	root.AddCommand(
		newAddCmd(),
		newListCmd(),
		newStartCmd(),
		newStartAllCmd(),
		newRunCmd(),
		newRemoveCmd(),
		newPauseCmd(),
		newPauseAllCmd(),
		newCancelCmd(),
		newMoveCmd(),
		newUpCmd(),
		newDownCmd(),
		newSwapCmd(),
		newServeCmd(),
	)
	return root
}

// initConfig layers defaults, the config file, DLQ_* environment variables
// and flags into config.GlobalConfig.
func initConfig(cmd *cobra.Command, cfgFile string) error {
	viper.SetEnvPrefix("DLQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfgFile = filepath.Join(home, ".dlqueue.yaml")
		}
	}
	if err := config.LoadConfig(cfgFile); err != nil {
		return usageError{err}
	}
	if err := config.InitConfig(); err != nil {
		return usageError{err}
	}

	log.SetOutput(cmd.ErrOrStderr())
	if config.GlobalConfig.Verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		log.SetFlags(log.LstdFlags)
	}
	return nil
}

// exactArgs is cobra.ExactArgs reporting a user error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s takes %d argument(s), got %d", cmd.Name(), n, len(args))}
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usageError{fmt.Errorf("%s takes at least %d argument(s)", cmd.Name(), n)}
		}
		return nil
	}
}
