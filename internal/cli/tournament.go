package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/types"
)

// CreateOptions holds options for the create command.
type CreateOptions struct {
	*RootOptions
	Seed string
}

type createOutput struct {
	ID      types.TournamentID `json:"id"`
	Slug    string             `json:"slug"`
	Version int64              `json:"version"`
}

// NewCreateCommand creates the tournament unless the slug exists.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the tournament if it does not exist yet",
		Long: `Create the tournament named by --tournament, protected by --pin.

When the slug already exists nothing is changed and the existing tournament
is reported. --seed initializes a new tournament from a YAML file listing
teams and matches.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.PIN == "" {
				return NewExitError(ExitCommandError, "a PIN is required to create a tournament")
			}
			var initial *types.TournamentDocument
			if opts.Seed != "" {
				doc, err := loadSeed(opts.Seed, time.Now())
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid seed", err)
				}
				initial = &doc
			}

			ctx := cmd.Context()
			id, err := opts.env.Store.EnsureTournament(ctx, opts.Slug, opts.PIN, initial)
			if err != nil {
				return err
			}
			doc, err := opts.env.Store.Load(ctx, id)
			if err != nil {
				return err
			}
			out := createOutput{ID: id, Slug: opts.Slug, Version: doc.Version}
			return opts.output(cmd.OutOrStdout()).Success(out, func(w io.Writer) {
				fmt.Fprintf(w, "tournament %s (%s) at version %d\n", out.Slug, out.ID, out.Version)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML file with initial teams and matches")
	return cmd
}

// NewShowCommand prints the current tournament state.
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Show teams, matches and courts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			base, _ := s.Current()
			doc := types.VersionedDocument{State: base.State, Version: base.Version}
			return opts.output(cmd.OutOrStdout()).Success(doc, func(w io.Writer) {
				writeDocument(w, opts.Slug, doc)
			})
		},
	}
}

type standingsOutput struct {
	Group     string           `json:"group"`
	Standings []rules.Standing `json:"standings"`
}

// NewStandingsCommand prints group tables computed from confirmed matches.
func NewStandingsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "standings [group]",
		Short:         "Show group standings",
		Long:          "Show the standings of one group, or of every group when none is given. Only confirmed group matches count.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			base, _ := s.Current()

			groups := rules.DeriveGroups(base.State.Teams)
			if len(args) == 1 {
				groups = []string{args[0]}
			}
			tables := make([]standingsOutput, 0, len(groups))
			for _, g := range groups {
				tables = append(tables, standingsOutput{
					Group:     g,
					Standings: rules.ComputeStandings(g, base.State.Teams, base.State.Matches),
				})
			}
			return opts.output(cmd.OutOrStdout()).Success(tables, func(w io.Writer) {
				for i, t := range tables {
					if i > 0 {
						fmt.Fprintln(w)
					}
					writeStandings(w, t.Group, t.Standings)
				}
			})
		},
	}
}

// NewHistoryCommand prints the tournament as it was at a past version.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "history <version>",
		Short:         "Show the tournament at a past version",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || version < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid version %q", args[0]))
			}
			if opts.env.History == nil {
				return NewExitError(ExitCommandError, "history is not available")
			}
			doc, err := opts.env.History.StateAt(cmd.Context(), opts.Slug, version)
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout()).Success(doc, func(w io.Writer) {
				writeDocument(w, opts.Slug, doc)
			})
		},
	}
}

// WatchOptions holds options for the watch command.
type WatchOptions struct {
	*RootOptions
	Count int
}

// NewWatchCommand streams committed versions until interrupted.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "watch",
		Short:         "Print every new version as other devices commit",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			updates := make(chan types.VersionedDocument, 16)
			if _, err := s.Subscribe(ctx, func(doc types.VersionedDocument) {
				select {
				case updates <- doc:
				case <-ctx.Done():
				}
			}); err != nil {
				return err
			}

			out := opts.output(cmd.OutOrStdout())
			base, _ := s.Current()
			if err := printVersion(out, types.VersionedDocument{State: base.State, Version: base.Version}); err != nil {
				return err
			}
			for seen := 0; opts.Count <= 0 || seen < opts.Count; seen++ {
				select {
				case <-ctx.Done():
					return nil
				case doc := <-updates:
					if err := printVersion(out, doc); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many updates (0 watches forever)")
	return cmd
}

func printVersion(out *OutputFormatter, doc types.VersionedDocument) error {
	return out.Success(doc, func(w io.Writer) {
		fmt.Fprintf(w, "version %d\n", doc.Version)
		for _, m := range doc.State.Matches {
			if m.Status == types.StatusLive {
				fmt.Fprintf(w, "  %s\n", matchLine(doc.State, m))
			}
		}
	})
}
