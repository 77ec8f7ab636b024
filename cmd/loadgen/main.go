package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type options struct {
	endpoints []string
	players   int
	keys      []string
	workers   int
	duration  time.Duration
	settle    time.Duration
}

type incrementRequest struct {
	Op    string `json:"op"`
	Value int64  `json:"value"`
}

type snapshot struct {
	Player string           `json:"player"`
	Stats  map[string]int64 `json:"stats"`
}

// Report summarizes one load run
type Report struct {
	Sent       int64            `json:"sent"`
	Failed     int64            `json:"failed"`
	Expected   map[string]int64 `json:"expected_totals"`
	Observed   map[string]int64 `json:"observed_totals"`
	Converged  bool             `json:"converged"`
	Divergent  []string         `json:"divergent,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Drive concurrent statistic increments against one or more nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := run(ctx, http.DefaultClient, opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringSliceVar(&opts.endpoints, "endpoints", []string{"http://localhost:8081"}, "node base URLs")
	cmd.Flags().IntVar(&opts.players, "players", 20, "number of distinct players")
	cmd.Flags().StringSliceVar(&opts.keys, "keys", []string{"kills", "blocks_mined"}, "statistic keys to increment")
	cmd.Flags().IntVar(&opts.workers, "workers", 8, "concurrent request workers")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "how long to send increments")
	cmd.Flags().DurationVar(&opts.settle, "settle", 15*time.Second, "time to wait for nodes to converge before checking")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, client *http.Client, opts options) (*Report, error) {
	if len(opts.endpoints) == 0 || opts.players < 1 || len(opts.keys) == 0 {
		return nil, fmt.Errorf("endpoints, players and keys are required")
	}
	start := time.Now()

	players := make([]string, opts.players)
	for i := range players {
		players[i] = uuid.NewString()
		for _, ep := range opts.endpoints {
			if err := post(ctx, client, ep+"/v1/players/"+players[i]+"/join", nil); err != nil {
				return nil, fmt.Errorf("join %s on %s: %w", players[i], ep, err)
			}
		}
	}

	var (
		sent, failed atomic.Int64
		mu           sync.Mutex
		expected     = make(map[string]int64)
		wg           sync.WaitGroup
	)
	loadCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	body, _ := json.Marshal(incrementRequest{Op: "increment", Value: 1})
	for w := 0; w < opts.workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for loadCtx.Err() == nil {
				ep := opts.endpoints[rnd.Intn(len(opts.endpoints))]
				p := players[rnd.Intn(len(players))]
				k := opts.keys[rnd.Intn(len(opts.keys))]

				// in-flight requests finish so every applied increment is counted
				if err := post(ctx, client, ep+"/v1/players/"+p+"/stats/"+k, body); err != nil {
					failed.Add(1)
					continue
				}
				sent.Add(1)
				mu.Lock()
				expected[k]++
				mu.Unlock()
			}
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()

	select {
	case <-time.After(opts.settle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	observed, divergent, err := compare(ctx, client, opts.endpoints, players)
	if err != nil {
		return nil, err
	}
	return &Report{
		Sent:       sent.Load(),
		Failed:     failed.Load(),
		Expected:   expected,
		Observed:   observed,
		Converged:  len(divergent) == 0,
		Divergent:  divergent,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// compare reads every player from every endpoint and lists players whose
// statistics differ between nodes. Totals are taken from the first endpoint.
func compare(ctx context.Context, client *http.Client, endpoints, players []string) (map[string]int64, []string, error) {
	totals := make(map[string]int64)
	var divergent []string
	for _, p := range players {
		var first map[string]int64
		for i, ep := range endpoints {
			s, err := fetch(ctx, client, ep+"/v1/players/"+p+"/stats")
			if err != nil {
				return nil, nil, err
			}
			if i == 0 {
				first = s.Stats
				for k, v := range s.Stats {
					totals[k] += v
				}
				continue
			}
			if !equal(first, s.Stats) {
				divergent = append(divergent, p)
				break
			}
		}
	}
	return totals, divergent, nil
}

func equal(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", strings.TrimPrefix(url, "http://"), resp.Status)
	}
	return nil
}

func fetch(ctx context.Context, client *http.Client, url string) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()

	var s snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return snapshot{}, fmt.Errorf("decode %s: %w", url, err)
	}
	return s, nil
}
