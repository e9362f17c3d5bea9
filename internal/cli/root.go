// Package cli implements the scorekeeper command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/volley-sync/internal/api"
	"github.com/example/volley-sync/internal/config"
	"github.com/example/volley-sync/internal/device"
	syncstate "github.com/example/volley-sync/internal/sync"
	"github.com/example/volley-sync/internal/types"
	"github.com/example/volley-sync/internal/ws"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server    string
	Slug      string
	PIN       string
	DeviceDir string
	Format    string
	Attempts  int
	Verbose   bool

	env *Env
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// HistoryReader serves past versions of a tournament.
type HistoryReader interface {
	StateAt(ctx context.Context, slug string, version int64) (types.VersionedDocument, error)
}

// Env carries the collaborators a command runs against.
type Env struct {
	Store   syncstate.Store
	Push    syncstate.PushChannel
	History HistoryReader
	Device  types.DeviceID
	Logger  zerolog.Logger
}

// EnvFactory builds the Env once flags have been parsed.
type EnvFactory func(ctx context.Context, opts *RootOptions) (*Env, error)

// NewRootCommand creates the scorekeeper command talking to a server.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithEnv(RemoteEnv)
}

// NewRootCommandWithEnv creates the root command using factory for its
// collaborators.
func NewRootCommandWithEnv(factory EnvFactory) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scorekeeper",
		Short: "Keep score for a volleyball tournament",
		Long: `Keep score for a volleyball tournament shared between several devices.

Every change is committed against the version this device last saw. When
another device committed first, the change is recomputed on the fresh state
and retried.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			if opts.Server == "" {
				opts.Server = cfg.ServerURL
			}
			if opts.Slug == "" {
				opts.Slug = cfg.Slug
			}
			if opts.PIN == "" {
				opts.PIN = cfg.PIN
			}
			if opts.DeviceDir == "" {
				opts.DeviceDir = cfg.DeviceDir
			}
			if opts.Attempts < 1 {
				opts.Attempts = 1
			}
			env, err := factory(cmd.Context(), opts)
			if err != nil {
				return err
			}
			opts.env = env
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Server, "server", "", "server URL (default $VB_SERVER_URL)")
	flags.StringVarP(&opts.Slug, "tournament", "t", "", "tournament slug (default $VB_SLUG or \"default\")")
	flags.StringVar(&opts.PIN, "pin", "", "tournament PIN (default $VB_PIN)")
	flags.StringVar(&opts.DeviceDir, "device-dir", "", "directory holding this device's identifier")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.IntVar(&opts.Attempts, "attempts", 3, "commit attempts before giving up on conflicts")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewTeamCommand(opts))
	cmd.AddCommand(NewMatchCommand(opts))
	cmd.AddCommand(NewPointCommand(opts))
	cmd.AddCommand(NewClaimCommand(opts))
	cmd.AddCommand(NewReleaseCommand(opts))
	cmd.AddCommand(NewConfirmCommand(opts))
	cmd.AddCommand(NewUnconfirmCommand(opts))
	cmd.AddCommand(NewProgramCommand(opts))
	cmd.AddCommand(NewCourtCommand(opts))
	cmd.AddCommand(NewStandingsCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// RemoteEnv talks to the HTTP API and the WebSocket push stream of a server.
func RemoteEnv(_ context.Context, opts *RootOptions) (*Env, error) {
	level := zerolog.WarnLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	client, err := api.NewClient(opts.Server, nil)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "server", Reason: err.Error()}
	}
	sub, err := ws.NewSubscriber(client.WebSocketURL(), logger)
	if err != nil {
		return nil, err
	}
	id, err := device.Load(opts.DeviceDir)
	if err != nil {
		return nil, err
	}
	return &Env{Store: client, Push: sub, History: client, Device: id, Logger: logger}, nil
}

// openSession binds a session to the selected tournament.
func (o *RootOptions) openSession(ctx context.Context) (*syncstate.Session, error) {
	s := syncstate.NewSession(o.env.Store, o.env.Push, o.env.Logger, syncstate.WithDevice(o.env.Device))
	s.SetSecret(o.PIN)
	if _, err := s.LoadState(ctx, o.Slug); err != nil {
		return nil, err
	}
	return s, nil
}

func (o *RootOptions) output(w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: w}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
