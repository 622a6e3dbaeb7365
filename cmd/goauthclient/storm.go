package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/internal/authtest"
)

type stormOptions struct {
	calls          int
	concurrency    int
	path           string
	accessTTL      time.Duration
	refreshLatency time.Duration
	username       string
	password       string
	rotate         bool
}

func newStormCommand(root *rootOptions) *cobra.Command {
	opts := &stormOptions{}

	cmd := &cobra.Command{
		Use:   "storm",
		Short: "Fire concurrent protected calls at an expiring session and count refreshes",
		Long: `storm establishes a session whose access token is about to expire and
fires concurrent protected calls through the client. With no --base-url an
in-process auth server is started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStorm(cmd.Context(), cmd.OutOrStdout(), root, opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.calls, "calls", 256, "total protected calls")
	f.IntVar(&opts.concurrency, "concurrency", 64, "concurrent workers")
	f.StringVar(&opts.path, "path", "/api/ping", "protected path, relative to the base URL")
	f.DurationVar(&opts.accessTTL, "access-ttl", time.Second, "initial access token lifetime; below the expiry margin every call starts stale (in-process server only)")
	f.DurationVar(&opts.refreshLatency, "refresh-latency", 50*time.Millisecond, "refresh delay (in-process server only)")
	f.StringVar(&opts.username, "username", "storm", "login username")
	f.StringVar(&opts.password, "password", "", "login password (remote server only)")
	f.BoolVar(&opts.rotate, "rotate", true, "rotate refresh tokens (in-process server only)")
	return cmd
}

func runStorm(ctx context.Context, out io.Writer, root *rootOptions, opts *stormOptions) error {
	if opts.calls <= 0 || opts.concurrency <= 0 {
		return errors.New("calls and concurrency must be > 0")
	}

	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	logger, err := root.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var srv *authtest.Server
	if cfg.BaseURL == "" {
		srv, err = authtest.New(authtest.Options{Rotate: opts.rotate})
		if err != nil {
			return err
		}
		srv.SetLatency(opts.refreshLatency)
		srv.Handle("GET "+opts.path, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		ts := srv.Start()
		defer ts.Close()
		cfg.BaseURL = ts.URL
		fmt.Fprintf(out, "using in-process auth server at %s\n", ts.URL)
	}

	b := goAuthClient.New().
		WithConfig(cfg).
		WithLogger(logger).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		WithAuditSink(goAuthClient.NewZapSink(logger))

	if cfg.Persist.Backend == goAuthClient.PersistRedis && cfg.Persist.RedisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		defer rc.Close()
		b = b.WithRedis(rc)
		fmt.Fprintf(out, "using miniredis at %s\n", mr.Addr())
	}

	client, err := b.Build()
	if err != nil {
		return err
	}
	defer client.Close()

	var pair authtest.TokenPair
	if srv != nil {
		pair, err = srv.LoginWithTTL(opts.username, opts.accessTTL)
	} else {
		err = client.DoJSON(ctx, http.MethodPost, authtest.LoginPath, map[string]string{
			"username": opts.username,
			"password": opts.password,
		}, &pair)
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := client.Establish(ctx, goAuthClient.Pair{Access: pair.AccessToken, Refresh: pair.RefreshToken}); err != nil {
		return err
	}
	stats := fire(ctx, client, opts)

	snap := client.MetricsSnapshot()
	fmt.Fprintln(out, "---- results ----")
	printStats(out, "calls", stats)
	fmt.Fprintf(out, "refresh: started=%d success=%d failure=%d joined=%d skipped=%d\n",
		snap.Counters[goAuthClient.MetricRefreshStarted],
		snap.Counters[goAuthClient.MetricRefreshSuccess],
		snap.Counters[goAuthClient.MetricRefreshFailure],
		snap.Counters[goAuthClient.MetricRefreshJoined],
		snap.Counters[goAuthClient.MetricRefreshSkipped],
	)
	fmt.Fprintf(out, "session: state=%s refresh_state=%s terminated=%d\n",
		client.State(), client.RefreshState(), snap.Counters[goAuthClient.MetricSessionTerminated])
	if srv != nil {
		fmt.Fprintf(out, "server: refreshes=%d rejections=%d\n", srv.Refreshes(), srv.Rejections())
	}
	if d, ok, err := client.PersistLatency(ctx); err != nil {
		fmt.Fprintf(out, "persist: unreachable: %v\n", err)
	} else if ok {
		fmt.Fprintf(out, "persist: backend=%s ping=%s\n", cfg.Persist.Backend, d.Round(time.Microsecond))
	}
	return nil
}

func fire(ctx context.Context, client *goAuthClient.Client, opts *stormOptions) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, opts.calls)
		mu        sync.Mutex
		startGate = make(chan struct{})
	)

	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startGate
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= opts.calls {
					return
				}
				t0 := time.Now()
				err := call(ctx, client, opts.path)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}

	start := time.Now()
	close(startGate)
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func call(ctx context.Context, client *goAuthClient.Client, path string) error {
	req, err := client.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(out io.Writer, name string, s phaseStats) {
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
