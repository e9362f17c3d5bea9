package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/volley-sync/internal/rules"
	syncstate "github.com/example/volley-sync/internal/sync"
	"github.com/example/volley-sync/internal/types"
)

// commit applies mutate to the latest state, rebasing on conflicts, and
// reports the result. matchID, when set, names the match to report once mutate
// has resolved it.
func (o *RootOptions) commit(cmd *cobra.Command, matchID *string, mutate syncstate.Mutation) error {
	ctx := cmd.Context()
	s, err := o.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := syncstate.ApplyWithRetry(ctx, s, o.Attempts, mutate)
	if err != nil {
		return err
	}
	reported := ""
	if matchID != nil {
		reported = *matchID
	}
	o.env.Logger.Debug().Int64("version", res.Version).Str("match", reported).Msg("committed")
	return o.output(cmd.OutOrStdout()).Committed(res, reported)
}

// NewTeamCommand groups team management commands.
func NewTeamCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
	}
	cmd.AddCommand(newTeamAddCommand(opts))
	return cmd
}

func newTeamAddCommand(opts *RootOptions) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:           "add <name>",
		Short:         "Add a team",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return NewExitError(ExitCommandError, "team name is required")
			}
			var added types.Team
			err := opts.commit(cmd, nil, func(doc types.TournamentDocument) (types.TournamentDocument, error) {
				for _, t := range doc.Teams {
					if strings.EqualFold(t.Name, name) {
						return doc, NewExitError(ExitFailure, fmt.Sprintf("team %q already exists", t.Name))
					}
				}
				var out types.TournamentDocument
				out, added = rules.AddTeam(doc, types.Team{Name: name, Group: group})
				return out, nil
			})
			if err != nil {
				return err
			}
			if opts.Format == "text" {
				fmt.Fprintf(cmd.OutOrStdout(), "team %s added as %s\n", added.Name, added.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "group label")
	return cmd
}

// NewMatchCommand groups match management commands.
func NewMatchCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Manage matches",
	}
	cmd.AddCommand(newMatchAddCommand(opts))
	return cmd
}

func newMatchAddCommand(opts *RootOptions) *cobra.Command {
	var stageFlag, group string
	cmd := &cobra.Command{
		Use:   "add <team1> <team2>",
		Short: "Schedule a match between two teams",
		Long: `Schedule a pending match. Teams are given by name or id. Group stage
matches default to the group of the first team.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStage(stageFlag)
			if err != nil {
				return err
			}
			var created types.Match
			var matchID string
			return opts.commit(cmd, &matchID, func(doc types.TournamentDocument) (types.TournamentDocument, error) {
				team1, err := findTeam(doc, args[0])
				if err != nil {
					return doc, err
				}
				team2, err := findTeam(doc, args[1])
				if err != nil {
					return doc, err
				}
				if team1.ID == team2.ID {
					return doc, NewExitError(ExitCommandError, "a team cannot play itself")
				}
				g := group
				if g == "" {
					g = team1.Group
				}
				created = rules.CreateMatch(stage, g, team1.ID, team2.ID, time.Now())
				matchID = created.ID
				return rules.AddMatch(doc, created), nil
			})
		},
	}
	cmd.Flags().StringVar(&stageFlag, "stage", string(types.StageGroup), "stage (group|quarterfinal|semifinal|thirdplace|final)")
	cmd.Flags().StringVarP(&group, "group", "g", "", "group label for group stage matches")
	return cmd
}

// NewPointCommand scores points in the current set of a match.
func NewPointCommand(opts *RootOptions) *cobra.Command {
	var delta int
	cmd := &cobra.Command{
		Use:   "point <match> <A|B>",
		Short: "Add a point to one side of a match",
		Long: `Add --delta points (default 1, negative to undo) to side A or B in the
current set. The match must not be finished or confirmed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := parseSide(args[1])
			if err != nil {
				return err
			}
			if delta == 0 {
				return NewExitError(ExitCommandError, "delta must not be zero")
			}
			var matchID string
			return opts.commit(cmd, &matchID, func(doc types.TournamentDocument) (types.TournamentDocument, error) {
				m, err := findMatch(doc, args[0])
				if err != nil {
					return doc, err
				}
				matchID = m.ID
				if !rules.CanScore(m) {
					return doc, refused("match is " + string(m.Status))
				}
				out, _ := rules.UpdateMatch(doc, m.ID, func(m types.Match) types.Match {
					return rules.ApplyPoint(m, side, delta)
				})
				return out, nil
			})
		},
	}
	cmd.Flags().IntVarP(&delta, "delta", "d", 1, "points to add")
	return cmd
}

// transition builds a command that runs a refusable lifecycle step.
func transition(opts *RootOptions, use, short string, step func(types.Match, time.Time, types.DeviceID) rules.Outcome) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <match>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var matchID string
			return opts.commit(cmd, &matchID, func(doc types.TournamentDocument) (types.TournamentDocument, error) {
				m, err := findMatch(doc, args[0])
				if err != nil {
					return doc, err
				}
				matchID = m.ID
				out, res := rules.ApplyOutcome(doc, m.ID, func(m types.Match) rules.Outcome {
					return step(m, time.Now(), opts.env.Device)
				})
				if !res.OK {
					return doc, refused(string(res.Reason))
				}
				return out, nil
			})
		},
	}
}

// NewClaimCommand takes the scoring claim on a match for this device.
func NewClaimCommand(opts *RootOptions) *cobra.Command {
	return transition(opts, "claim", "Claim a match for scoring on this device",
		func(m types.Match, now time.Time, device types.DeviceID) rules.Outcome {
			return rules.ClaimMatch(m, device, now)
		})
}

// NewReleaseCommand drops this device's claim on a match.
func NewReleaseCommand(opts *RootOptions) *cobra.Command {
	return transition(opts, "release", "Release this device's claim on a match",
		func(m types.Match, _ time.Time, device types.DeviceID) rules.Outcome {
			return rules.ReleaseMatch(m, device)
		})
}

// NewConfirmCommand confirms a finished group match.
func NewConfirmCommand(opts *RootOptions) *cobra.Command {
	return transition(opts, "confirm", "Confirm a finished group match so it counts in the standings",
		func(m types.Match, _ time.Time, _ types.DeviceID) rules.Outcome {
			return rules.ConfirmMatch(m)
		})
}

// NewUnconfirmCommand reverts a confirmed group match to finished.
func NewUnconfirmCommand(opts *RootOptions) *cobra.Command {
	return transition(opts, "unconfirm", "Revert a confirmed group match to finished",
		func(m types.Match, _ time.Time, _ types.DeviceID) rules.Outcome {
			return rules.UnconfirmMatch(m)
		})
}

// NewProgramCommand sets or clears the match shown as now playing.
func NewProgramCommand(opts *RootOptions) *cobra.Command {
	var unset bool
	cmd := &cobra.Command{
		Use:           "program [match]",
		Short:         "Set the match shown as now playing",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if unset == (len(args) == 1) {
				return NewExitError(ExitCommandError, "give a match or --clear")
			}
			var matchID string
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			return opts.commit(cmd, &matchID, func(doc types.TournamentDocument) (types.TournamentDocument, error) {
				if unset {
					return rules.SetProgramMatch(doc, ""), nil
				}
				m, err := findMatch(doc, ref)
				if err != nil {
					return doc, err
				}
				matchID = m.ID
				return rules.SetProgramMatch(doc, m.ID), nil
			})
		},
	}
	cmd.Flags().BoolVar(&unset, "clear", false, "clear the now playing match")
	return cmd
}

type courtAssignment struct {
	MatchID string `json:"matchId"`
}

// NewCourtCommand assigns a match to a court or clears the court.
func NewCourtCommand(opts *RootOptions) *cobra.Command {
	var unset bool
	cmd := &cobra.Command{
		Use:           "court <court> [match]",
		Short:         "Assign a match to a court",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			court := args[0]
			if unset == (len(args) == 2) {
				return NewExitError(ExitCommandError, "give a match or --clear")
			}
			return opts.commit(cmd, nil, func(doc types.TournamentDocument) (types.TournamentDocument, error) {
				if unset {
					return rules.ClearCourt(doc, court), nil
				}
				m, err := findMatch(doc, args[1])
				if err != nil {
					return doc, err
				}
				raw, err := json.Marshal(courtAssignment{MatchID: m.ID})
				if err != nil {
					return doc, err
				}
				return rules.AssignCourt(doc, court, raw), nil
			})
		},
	}
	cmd.Flags().BoolVar(&unset, "clear", false, "clear the court")
	return cmd
}
