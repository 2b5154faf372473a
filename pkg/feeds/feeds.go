// Package feeds aggregates third-party threat and ad-block feeds into a
// single blocklist file.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"
	"dns-firewall/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// ErrAllSourcesFailed is returned when no source could be fetched. Nothing
// is published in that case.
var ErrAllSourcesFailed = errors.New("all feed sources failed")

// maxFeedBytes bounds a single feed body
const maxFeedBytes = 256 << 20

// SourceResult reports one source of an update
type SourceResult struct {
	Name     string
	Domains  int
	Duration time.Duration
	Err      error
}

// Result reports one update cycle
type Result struct {
	Domains    int
	Sources    []SourceResult
	Output     string
	BackupPath string
}

// Aggregator downloads the configured sources and publishes the merged
// blocklist
type Aggregator struct {
	cfg     *config.FeedsConfig
	client  *http.Client
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates an aggregator. client should resolve through the upstream
// (see resolver.NewHTTPClient); nil falls back to a plain client.
func New(cfg *config.FeedsConfig, client *http.Client, logger *logging.Logger, metrics *telemetry.Metrics) *Aggregator {
	logger = logger.WithComponent("feeds")
	if client == nil {
		logger.Warn("No HTTP client provided, using default client with system DNS resolver")
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	return &Aggregator{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Collect fetches every source concurrently and merges the results. A failing
// source is logged and skipped.
func (a *Aggregator) Collect(ctx context.Context) (map[string]struct{}, []SourceResult, error) {
	results := make([]SourceResult, len(a.cfg.Sources))
	sets := make([]map[string]struct{}, len(a.cfg.Sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range a.cfg.Sources {
		g.Go(func() error {
			start := time.Now()
			domains, err := a.fetch(gctx, src)
			results[i] = SourceResult{Name: src.Name, Duration: time.Since(start), Err: err}
			if err != nil {
				a.logger.Warn("Feed fetch failed", "source", src.Name, "url", src.URL, "error", err)
				return nil
			}
			sets[i] = domains
			results[i].Domains = len(domains)
			a.logger.Info("Feed downloaded",
				"source", src.Name,
				"domains", len(domains),
				"duration", results[i].Duration)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, results, err
	}

	merged := make(map[string]struct{})
	succeeded := 0
	for _, set := range sets {
		if set == nil {
			continue
		}
		succeeded++
		for d := range set {
			merged[d] = struct{}{}
		}
	}
	if succeeded == 0 && len(a.cfg.Sources) > 0 {
		return nil, results, ErrAllSourcesFailed
	}
	return merged, results, nil
}

func (a *Aggregator) fetch(ctx context.Context, src config.FeedSource) (map[string]struct{}, error) {
	if a.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	domains, err := Parse(src.Format, io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return domains, nil
}

// UpdateOnce runs one collect-and-publish cycle
func (a *Aggregator) UpdateOnce(ctx context.Context) (*Result, error) {
	start := time.Now()
	domains, sources, err := a.Collect(ctx)
	res := &Result{Sources: sources, Output: a.cfg.Output}
	if err != nil {
		a.metrics.RecordFeedUpdate(ctx, false, 0)
		return res, err
	}

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		if s.Err == nil {
			names = append(names, s.Name)
		}
	}

	now := a.now()
	if a.cfg.BackupDir != "" {
		path, err := Backup(a.cfg.Output, a.cfg.BackupDir, now)
		switch {
		case err != nil:
			a.logger.Warn("Blocklist backup failed", "error", err)
		case path != "":
			res.BackupPath = path
			a.logger.Info("Backed up previous blocklist", "path", path)
		}
	}

	if err := Publish(a.cfg.Output, domains, names, now); err != nil {
		a.metrics.RecordFeedUpdate(ctx, false, 0)
		return res, err
	}

	res.Domains = len(domains)
	a.metrics.RecordFeedUpdate(ctx, true, len(domains))
	a.logger.Info("Blocklist published",
		"output", a.cfg.Output,
		"domains", len(domains),
		"sources", len(names),
		"duration", time.Since(start))
	return res, nil
}

// Run updates immediately and then every interval until ctx is done. After a
// failed cycle the next attempt waits an exponential, jittered backoff instead.
func (a *Aggregator) Run(ctx context.Context) error {
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	failures := 0
	for {
		wait := interval
		if _, err := a.UpdateOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait = calcBackoff(a.cfg.InitialBackoff, a.cfg.MaxBackoff, failures)
			a.logger.Error("Feed update failed",
				"attempt", failures,
				"backoff", wait,
				"error", err)
		} else {
			if failures > 0 {
				a.logger.Info("Feed update recovered", "failures", failures)
			}
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("Feed updater stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// calcBackoff doubles initial per consecutive failure up to max, then applies
// +/-20% jitter
func calcBackoff(initial, max time.Duration, failures int) time.Duration {
	if initial <= 0 {
		initial = 30 * time.Second
	}
	if max < initial {
		max = initial
	}
	backoff := max
	if f := float64(initial) * math.Pow(2, float64(failures-1)); f < float64(max) {
		backoff = time.Duration(f)
	}

	const jitterFrac = 0.2
	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFrac * float64(backoff))
	return backoff + jitter
}
