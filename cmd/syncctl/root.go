package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/medisync/internal/config"
	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/sync/connectivity"
	"github.com/kimhsiao/medisync/internal/sync/orchestrator"
)

// Exit codes.
const (
	ExitFailure      = 1 // sync or storage failure
	ExitCommandError = 2 // bad arguments, config or unknown IDs
)

// validFormats are the accepted --format values.
var validFormats = []string{"text", "json"}

// rootOptions holds the global flags.
type rootOptions struct {
	ConfigPath string
	Format     string
	Network    string
	Signal     int
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and drive the local MediSync engine",
		Long: `syncctl operates the offline-first sync engine of one device.

Every command opens the local store named by the configuration, does its
work and closes it again. Sync passes use the network type given by
--network, which defaults to a wired link.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return apperrors.Newf(apperrors.ErrInvalid, "invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.Network, "network", string(connectivity.TypeEthernet), "network type (wifi|cellular|ethernet|none)")
	cmd.PersistentFlags().IntVar(&opts.Signal, "signal", 100, "signal strength 0-100")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newRecordCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// open loads the configuration and initializes an orchestrator for one command.
func (o *rootOptions) open(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Logging.Level))

	// One-shot commands never schedule, and the host link is taken as settled.
	cfg.Sync.AutoSync = false
	cfg.Connection.DwellTime = 0

	orch := orchestrator.New(cfg)
	if err := orch.Initialize(ctx); err != nil {
		return nil, err
	}
	sig := connectivity.Signal{
		Type:           connectivity.NetworkType(strings.ToLower(o.Network)),
		SignalStrength: o.Signal,
	}
	if err := orch.ObserveConnection(sig); err != nil {
		_ = orch.Close()
		return nil, err
	}
	return orch, nil
}

// run wraps a command body with open, output setup and close.
func (o *rootOptions) run(fn func(ctx context.Context, orch *orchestrator.Orchestrator, out *output) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		orch, err := o.open(ctx)
		if err != nil {
			return err
		}
		out := &output{format: o.Format, w: cmd.OutOrStdout()}
		runErr := fn(ctx, orch, out)
		if err := orch.Close(); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	}
}

// readPayload returns arg itself, the contents of the file named by @path,
// or stdin for "-".
func readPayload(cmd *cobra.Command, arg string) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("read payload file %s", arg[1:]), err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}

func exitCode(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrInvalidConfig, apperrors.ErrNotFound, apperrors.ErrSerialization:
		return ExitCommandError
	}
	return ExitFailure
}
