package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

func step(use, short string, run func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := run(); err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			slog.Info("done", "step", use, "took", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// TestCmd runs unit tests; they use in-memory transports and need no hardware.
func TestCmd() *cobra.Command {
	return step("test", "Run unit tests", test.Test)
}

func LintCmd() *cobra.Command {
	return step("lint", "Run linters", test.Lint)
}

// IntegrationTestCmd runs tests against instruments attached to the host.
func IntegrationTestCmd() *cobra.Command {
	return step("integration-test", "Run tests against attached instruments", test.Integ)
}
