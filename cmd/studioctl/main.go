// studioctl supervises the local GPU generation workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edwinlacy/LocaldevScripts/internal/config"
	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// Exit codes.
const (
	exitOK            = 0
	exitFailure       = 1
	exitInformational = 2
	exitEnvironment   = 3
)

var jsonOutput bool

func main() {
	root := &cobra.Command{
		Use:           "studioctl",
		Short:         "Start, stop, reset and inspect local GPU workers",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		statusCmd(),
		startCmd(),
		stopCmd(),
		stopAllCmd(),
		resetCmd(),
		inspectCmd(),
		metricsCmd(),
		waitCmd(),
		serveCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	cancel()

	code := exitCode(err)
	if err != nil && code != exitInformational {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

// setupError marks failures to load configuration or the registry.
type setupError struct {
	err error
}

func (e setupError) Error() string { return e.err.Error() }
func (e setupError) Unwrap() error { return e.err }

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var setup setupError
	switch {
	case errors.As(err, &setup):
		return exitEnvironment
	case domain.Informational(err):
		return exitInformational
	case domain.KindOf(err) == domain.KindRegistry:
		return exitEnvironment
	default:
		return exitFailure
	}
}
