package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/routerd/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "routerd: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "routerd",
		Short:         "RPC and publish/subscribe router",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if v := strings.TrimSpace(logLevel); v != "" {
				if _, ok := logging.ParseLevel(v); !ok {
					return fmt.Errorf("unknown log level %q", v)
				}
				if err := os.Setenv(logging.EnvLogLevel, v); err != nil {
					return err
				}
			}
			logging.ConfigureRuntime()
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error|off); overrides "+logging.EnvLogLevel)
	cmd.AddCommand(newServeCommand(), newDemoCommand(), newConfigCommand())
	return cmd
}
