package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/example/volley-sync/internal/rules"
	syncstate "github.com/example/volley-sync/internal/sync"
	"github.com/example/volley-sync/internal/types"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Change refused or lost to concurrent edits
	ExitCommandError = 2 // Bad arguments, configuration or connectivity
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case errors.Is(err, types.ErrConflict), errors.Is(err, errRefused):
		return ExitFailure
	}
	return ExitCommandError
}

// errRefused marks a change the tournament rules did not allow.
var errRefused = errors.New("change refused")

func refused(reason string) error {
	return fmt.Errorf("%w: %s", errRefused, reason)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// Success writes data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

type commitOutput struct {
	Version int64        `json:"version"`
	Match   *types.Match `json:"match,omitempty"`
}

// Committed reports an accepted commit, optionally with the match it touched.
func (f *OutputFormatter) Committed(res syncstate.CommitResult, matchID string) error {
	out := commitOutput{Version: res.Version}
	if matchID != "" {
		if m, ok := rules.FindMatch(res.State, matchID); ok {
			out.Match = &m
		}
	}
	return f.Success(out, func(w io.Writer) {
		if out.Match != nil {
			fmt.Fprintf(w, "%s  (version %d)\n", matchLine(res.State, *out.Match), res.Version)
			return
		}
		fmt.Fprintf(w, "committed version %d\n", res.Version)
	})
}

func teamName(doc types.TournamentDocument, id string) string {
	if t, ok := rules.FindTeam(doc, id); ok {
		return t.Name
	}
	if id == "" {
		return "?"
	}
	return id
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func matchLine(doc types.TournamentDocument, m types.Match) string {
	line := fmt.Sprintf("%s  %-12s", shortID(m.ID), m.Stage.Label())
	if m.Group != "" {
		line += " " + m.Group
	}
	line += fmt.Sprintf("  %s vs %s  %d:%d", teamName(doc, m.Team1ID), teamName(doc, m.Team2ID), m.ASets, m.BSets)
	for _, s := range m.Sets {
		line += fmt.Sprintf(" [%d-%d]", s.A, s.B)
	}
	line += "  " + string(m.Status)
	if m.ClaimedBy != "" {
		line += "  claimed by " + string(m.ClaimedBy)
	}
	return line
}

func writeDocument(w io.Writer, slug string, doc types.VersionedDocument) {
	fmt.Fprintf(w, "%s  version %d\n", slug, doc.Version)
	fmt.Fprintf(w, "\nTeams (%d)\n", len(doc.State.Teams))
	for _, t := range doc.State.Teams {
		group := t.Group
		if group == "" {
			group = "-"
		}
		fmt.Fprintf(w, "  %s  %-2s %s\n", shortID(t.ID), group, t.Name)
	}
	fmt.Fprintf(w, "\nMatches (%d)\n", len(doc.State.Matches))
	for _, m := range doc.State.Matches {
		marker := " "
		if m.ID == doc.State.ProgramMatchID {
			marker = "*"
		}
		fmt.Fprintf(w, " %s%s\n", marker, matchLine(doc.State, m))
	}
	if len(doc.State.Courts) > 0 {
		fmt.Fprintln(w, "\nCourts")
		courts := make([]string, 0, len(doc.State.Courts))
		for court := range doc.State.Courts {
			courts = append(courts, court)
		}
		sort.Strings(courts)
		for _, court := range courts {
			fmt.Fprintf(w, "  %s  %s\n", court, string(doc.State.Courts[court]))
		}
	}
}

func writeStandings(w io.Writer, group string, rows []rules.Standing) {
	fmt.Fprintf(w, "Group %s\n", group)
	fmt.Fprintf(w, "  %-3s %-24s %3s %3s %7s %9s %6s\n", "#", "Team", "M", "Pts", "Sets", "Points", "Ratio")
	for i, r := range rows {
		fmt.Fprintf(w, "  %-3d %-24s %3d %3d %3d:%-3d %4d:%-4d %6.3f\n",
			i+1, r.Name, r.Played, r.Points, r.SetsWon, r.SetsLost, r.PointsWon, r.PointsLost, r.Ratio)
	}
}
