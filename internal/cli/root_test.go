package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/volley-sync/internal/broadcast"
	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/storage"
	"github.com/example/volley-sync/internal/types"
)

const seedYAML = `teams:
  - name: Eagles
    group: A
  - name: Hawks
    group: A
matches:
  - stage: group
    group: A
    team1: Eagles
    team2: Hawks
program: 1
`

type memoryHistory struct {
	store *storage.MemoryStore
}

func (h memoryHistory) StateAt(ctx context.Context, slug string, version int64) (types.VersionedDocument, error) {
	id, err := h.store.ResolveSlug(ctx, slug)
	if err != nil {
		return types.VersionedDocument{}, err
	}
	return h.store.History(ctx, id, version)
}

type fixture struct {
	store *storage.MemoryStore
	hub   *broadcast.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	hub := broadcast.NewHub()
	return &fixture{store: storage.NewMemoryStore(hub), hub: hub}
}

func (f *fixture) env(device types.DeviceID) EnvFactory {
	return func(context.Context, *RootOptions) (*Env, error) {
		return &Env{
			Store:   f.store,
			Push:    f.hub,
			History: memoryHistory{store: f.store},
			Device:  device,
			Logger:  zerolog.New(io.Discard),
		}, nil
	}
}

func run(t *testing.T, factory EnvFactory, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommandWithEnv(factory)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"-t", "cup", "--pin", "1234"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func runJSON(t *testing.T, factory EnvFactory, into any, args ...string) {
	t.Helper()
	out, err := run(t, factory, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, out)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, into))
}

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "scorekeeper", cmd.Use)
	assert.Contains(t, cmd.Long, "retried")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"create"}, {"show"}, {"team", "add"}, {"match", "add"}, {"point"}, {"claim"}, {"release"},
		{"confirm"}, {"unconfirm"}, {"program"}, {"court"}, {"standings"}, {"watch"}, {"history"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	slugFlag := cmd.PersistentFlags().Lookup("tournament")
	require.NotNil(t, slugFlag)
	assert.Equal(t, "t", slugFlag.Shorthand)

	attemptsFlag := cmd.PersistentFlags().Lookup("attempts")
	require.NotNil(t, attemptsFlag)
	assert.Equal(t, "3", attemptsFlag.DefValue)
}

func TestPointCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	pointCmd, _, err := cmd.Find([]string{"point"})
	require.NoError(t, err)

	deltaFlag := pointCmd.Flags().Lookup("delta")
	require.NotNil(t, deltaFlag)
	assert.Equal(t, "d", deltaFlag.Shorthand)
	assert.Equal(t, "1", deltaFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	f := newFixture(t)
	_, err := run(t, f.env("dev_a"), "--format", "xml", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestCreateRequiresPin(t *testing.T) {
	f := newFixture(t)
	cmd := NewRootCommandWithEnv(f.env("dev_a"))
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"-t", "cup", "create"})
	t.Setenv("VB_PIN", "")
	require.NoError(t, os.Unsetenv("VB_PIN"))

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScoringFlow(t *testing.T) {
	f := newFixture(t)
	env := f.env("dev_a")

	var created createOutput
	runJSON(t, env, &created, "create", "--seed", writeSeed(t))
	assert.Equal(t, "cup", created.Slug)
	assert.Equal(t, int64(0), created.Version)

	var doc types.VersionedDocument
	runJSON(t, env, &doc, "show")
	require.Len(t, doc.State.Teams, 2)
	require.Len(t, doc.State.Matches, 1)
	match := doc.State.Matches[0]
	assert.Equal(t, match.ID, doc.State.ProgramMatchID)
	ref := match.ID[:8]

	_, err := run(t, env, "claim", ref)
	require.NoError(t, err)

	var commit commitOutput
	runJSON(t, env, &commit, "point", ref, "A", "--delta", "25")
	runJSON(t, env, &commit, "point", ref, "A", "--delta", "25")
	require.NotNil(t, commit.Match)
	assert.Equal(t, types.StatusFinished, commit.Match.Status)
	assert.Equal(t, types.SideA, commit.Match.Winner)
	assert.Equal(t, 2, commit.Match.ASets)
	assert.Equal(t, int64(3), commit.Version)

	_, err = run(t, env, "point", ref, "B")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var standings []standingsOutput
	runJSON(t, env, &standings, "standings", "A")
	require.Len(t, standings, 1)
	assert.Zero(t, standings[0].Standings[0].Played, "unconfirmed matches do not count")

	runJSON(t, env, &commit, "confirm", ref)
	assert.Equal(t, types.StatusConfirmed, commit.Match.Status)

	runJSON(t, env, &standings, "standings")
	require.Len(t, standings, 1)
	rows := standings[0].Standings
	require.Len(t, rows, 2)
	assert.Equal(t, match.Team1ID, rows[0].TeamID)
	assert.Greater(t, rows[0].Points, rows[1].Points)

	out, err := run(t, env, "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Eagles vs Hawks")
	assert.Contains(t, out, "confirmed")
}

func TestClaimHeldByAnotherDevice(t *testing.T) {
	f := newFixture(t)
	runJSON(t, f.env("dev_a"), new(createOutput), "create", "--seed", writeSeed(t))

	var doc types.VersionedDocument
	runJSON(t, f.env("dev_a"), &doc, "show")
	id := doc.State.Matches[0].ID

	_, err := run(t, f.env("dev_a"), "claim", id)
	require.NoError(t, err)

	_, err = run(t, f.env("dev_b"), "claim", id)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), string(rules.ReasonClaimed))

	_, err = run(t, f.env("dev_b"), "release", id)
	require.Error(t, err)

	_, err = run(t, f.env("dev_a"), "release", id)
	require.NoError(t, err)
	_, err = run(t, f.env("dev_b"), "claim", id)
	require.NoError(t, err)
}

func TestTeamAndMatchAdd(t *testing.T) {
	f := newFixture(t)
	env := f.env("dev_a")
	runJSON(t, env, new(createOutput), "create")

	out, err := run(t, env, "team", "add", "Owls", "-g", "B")
	require.NoError(t, err)
	assert.Contains(t, out, "team Owls added")
	_, err = run(t, env, "team", "add", "Foxes", "-g", "B")
	require.NoError(t, err)

	_, err = run(t, env, "team", "add", "owls")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var commit commitOutput
	runJSON(t, env, &commit, "match", "add", "Owls", "Foxes")
	require.NotNil(t, commit.Match)
	assert.Equal(t, "B", commit.Match.Group)
	assert.Equal(t, types.StatusPending, commit.Match.Status)

	runJSON(t, env, &commit, "match", "add", "Owls", "Foxes", "--stage", "final", "-g", "B")
	assert.Empty(t, commit.Match.Group, "group is dropped outside the group stage")

	_, err = run(t, env, "match", "add", "Owls", "Owls")
	require.Error(t, err)
	_, err = run(t, env, "match", "add", "Owls", "Foxes", "--stage", "league")
	require.Error(t, err)
}

func TestProgramAndCourt(t *testing.T) {
	f := newFixture(t)
	env := f.env("dev_a")
	runJSON(t, env, new(createOutput), "create", "--seed", writeSeed(t))

	var doc types.VersionedDocument
	runJSON(t, env, &doc, "show")
	id := doc.State.Matches[0].ID

	_, err := run(t, env, "program", "--clear")
	require.NoError(t, err)
	_, err = run(t, env, "court", "Center", id)
	require.NoError(t, err)

	runJSON(t, env, &doc, "show")
	assert.Empty(t, doc.State.ProgramMatchID)
	require.Contains(t, doc.State.Courts, "Center")
	assert.JSONEq(t, `{"matchId":"`+id+`"}`, string(doc.State.Courts["Center"]))

	_, err = run(t, env, "court", "Center", "--clear")
	require.NoError(t, err)
	runJSON(t, env, &doc, "show")
	assert.NotContains(t, doc.State.Courts, "Center")

	_, err = run(t, env, "program")
	require.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	f := newFixture(t)
	env := f.env("dev_a")
	runJSON(t, env, new(createOutput), "create", "--seed", writeSeed(t))
	_, err := run(t, env, "team", "add", "Owls")
	require.NoError(t, err)

	var doc types.VersionedDocument
	runJSON(t, env, &doc, "history", "0")
	assert.Equal(t, int64(0), doc.Version)
	assert.Len(t, doc.State.Teams, 2)

	runJSON(t, env, &doc, "history", "1")
	assert.Len(t, doc.State.Teams, 3)

	_, err = run(t, env, "history", "9")
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = run(t, env, "history", "-1")
	require.Error(t, err)
}

func TestUnknownTournament(t *testing.T) {
	f := newFixture(t)
	_, err := run(t, f.env("dev_a"), "show")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestWrongPin(t *testing.T) {
	f := newFixture(t)
	env := f.env("dev_a")
	runJSON(t, env, new(createOutput), "create", "--seed", writeSeed(t))

	cmd := NewRootCommandWithEnv(env)
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"-t", "cup", "--pin", "9999", "team", "add", "Owls"})
	err := cmd.Execute()
	require.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestWatchPrintsCommittedVersions(t *testing.T) {
	f := newFixture(t)
	env := f.env("dev_a")
	runJSON(t, env, new(createOutput), "create", "--seed", writeSeed(t))
	id, err := f.store.ResolveSlug(context.Background(), "cup")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watch := NewRootCommandWithEnv(f.env("dev_w"))
	var out bytes.Buffer
	watch.SetOut(&out)
	watch.SetArgs([]string{"-t", "cup", "watch", "--count", "1"})
	done := make(chan error, 1)
	go func() { done <- watch.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return f.hub.Subscribers(id) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = run(t, env, "team", "add", "Owls")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not exit")
	}
	assert.Contains(t, out.String(), "version 0")
	assert.Contains(t, out.String(), "version 1")
	assert.Zero(t, f.hub.Subscribers(id))
}
