package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/volley-sync/internal/api"
	"github.com/example/volley-sync/internal/device"
	"github.com/example/volley-sync/internal/rules"
	syncstate "github.com/example/volley-sync/internal/sync"
	"github.com/example/volley-sync/internal/types"
	"github.com/example/volley-sync/internal/ws"
)

const stampCourt = "loadtest"

type latencySample struct {
	dur time.Duration
}

type stamp struct {
	SentAt int64 `json:"sentAt"`
}

// countingStore tallies compare-and-set outcomes on top of the HTTP client.
type countingStore struct {
	syncstate.Store
	accepted  atomic.Int64
	conflicts atomic.Int64
}

func (c *countingStore) CompareAndSet(ctx context.Context, id types.TournamentID, req types.CASRequest) (types.CASResult, error) {
	res, err := c.Store.CompareAndSet(ctx, id, req)
	if err == nil {
		switch res.Status {
		case types.CASAccepted:
			c.accepted.Add(1)
		case types.CASConflict:
			c.conflicts.Add(1)
		}
	}
	return res, err
}

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	slug := flag.String("slug", "loadtest", "tournament slug used by all clients")
	pin := flag.String("pin", "loadtest", "tournament PIN")
	writers := flag.Int("writers", 8, "number of concurrent scorekeeping sessions")
	watchers := flag.Int("watchers", 100, "number of websocket watchers")
	points := flag.Int("points", 50, "points each writer commits")
	attempts := flag.Int("attempts", 10, "commit attempts per point before giving up")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("slug", *slug).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := api.NewClient(*server, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid server address")
	}
	id, matchIDs, err := prepare(ctx, client, *slug, *pin, *writers)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare tournament")
	}

	latencyCh := make(chan latencySample, *watchers**writers**points)
	var watchWG sync.WaitGroup
	watchCtx, stopWatching := context.WithCancel(ctx)
	for i := 0; i < *watchers; i++ {
		sub, err := ws.NewSubscriber(client.WebSocketURL(), logger.Level(zerolog.WarnLevel))
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid websocket address")
		}
		cancel, err := sub.Subscribe(watchCtx, id, func(evt types.Event) {
			var s stamp
			if raw, ok := evt.State.Courts[stampCourt]; ok && json.Unmarshal(raw, &s) == nil && s.SentAt > 0 {
				select {
				case latencyCh <- latencySample{dur: time.Since(time.Unix(0, s.SentAt))}:
				default:
				}
			}
		})
		if err != nil {
			logger.Error().Err(err).Int("watcher", i).Msg("subscribe failed")
			continue
		}
		watchWG.Add(1)
		go func() {
			defer watchWG.Done()
			<-watchCtx.Done()
			cancel()
		}()
	}

	store := &countingStore{Store: client}
	var failed atomic.Int64
	var writeWG sync.WaitGroup
	start := time.Now()
	for i := 0; i < *writers; i++ {
		writeWG.Add(1)
		go func(matchID string) {
			defer writeWG.Done()
			session := syncstate.NewSession(store, nil, logger, syncstate.WithDevice(device.New()))
			session.SetSecret(*pin)
			if _, err := session.LoadState(ctx, *slug); err != nil {
				logger.Error().Err(err).Msg("load state failed")
				return
			}
			for j := 0; j < *points; j++ {
				side := types.SideA
				if j%2 == 1 {
					side = types.SideB
				}
				_, err := syncstate.ApplyWithRetry(ctx, session, *attempts, func(doc types.TournamentDocument) (types.TournamentDocument, error) {
					out, _ := rules.UpdateMatch(doc, matchID, func(m types.Match) types.Match {
						return rules.ApplyPoint(m, side, 1)
					})
					raw, err := json.Marshal(stamp{SentAt: time.Now().UnixNano()})
					if err != nil {
						return doc, err
					}
					return rules.AssignCourt(out, stampCourt, raw), nil
				})
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					failed.Add(1)
					logger.Warn().Err(err).Str("match", matchID).Msg("point not committed")
				}
			}
		}(matchIDs[i])
	}

	writeWG.Wait()
	elapsed := time.Since(start)
	// Give watchers a moment to drain the last pushes.
	time.Sleep(500 * time.Millisecond)
	stopWatching()
	watchWG.Wait()
	close(latencyCh)

	fmt.Fprintf(os.Stdout, "Commits: %d accepted, %d conflicts, %d gave up in %s (%.1f/s)\n",
		store.accepted.Load(), store.conflicts.Load(), failed.Load(), elapsed.Round(time.Millisecond),
		float64(store.accepted.Load())/elapsed.Seconds())
	report(latencyCh, logger)
}

// prepare ensures the tournament exists and adds one fresh match per writer so
// that writers contend on the document without finishing each other's sets.
func prepare(ctx context.Context, client *api.Client, slug, pin string, writers int) (types.TournamentID, []string, error) {
	logger := zerolog.Nop()
	session := syncstate.NewSession(client, nil, logger)
	session.SetSecret(pin)
	id, err := session.EnsureTournament(ctx, slug, pin, nil)
	if err != nil {
		return "", nil, err
	}
	if _, err := session.LoadState(ctx, slug); err != nil {
		return "", nil, err
	}

	var ids []string
	_, err = syncstate.ApplyWithRetry(ctx, session, 5, func(doc types.TournamentDocument) (types.TournamentDocument, error) {
		ids = ids[:0]
		now := time.Now()
		for i := 0; i < writers; i++ {
			var home, away types.Team
			doc, home = rules.AddTeam(doc, types.Team{Name: fmt.Sprintf("Load %d home", i), Group: "L"})
			doc, away = rules.AddTeam(doc, types.Team{Name: fmt.Sprintf("Load %d away", i), Group: "L"})
			m := rules.CreateMatch(types.StageGroup, "L", home.ID, away.ID, now)
			doc = rules.AddMatch(doc, m)
			ids = append(ids, m.ID)
		}
		return doc, nil
	})
	return id, ids, err
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var longest time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > longest {
			longest = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no push samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Push samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, longest, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of pushes met the 50ms target")
	}
}
