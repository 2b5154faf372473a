// Package reload watches the blocklist file and republishes the matcher when
// its content changes.
package reload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce      = 100 * time.Millisecond
	fallbackPollInterval = 30 * time.Second
)

// Reloader rebuilds and publishes a snapshot. blocklist.Manager implements it.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Controller triggers reloads from filesystem events, periodic polling and
// explicit requests. All triggers funnel into a single goroutine, so reloads
// never overlap.
type Controller struct {
	path     string
	reloader Reloader
	logger   *logging.Logger

	watch    bool
	poll     time.Duration
	debounce time.Duration

	trigger chan struct{}
}

// New creates a controller for the blocklist described by cfg
func New(cfg *config.BlocklistConfig, reloader Reloader, logger *logging.Logger) *Controller {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		abs = filepath.Clean(cfg.Path)
	}

	return &Controller{
		path:     abs,
		reloader: reloader,
		logger:   logger,
		watch:    cfg.Watch,
		poll:     cfg.PollInterval,
		debounce: debounce,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a reload. Requests made while one is pending collapse.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run processes reload triggers until ctx is cancelled
func (c *Controller) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error

	poll := c.poll
	if c.watch {
		w, err := c.newWatcher()
		if err != nil {
			c.logger.Warn("File watch unavailable, falling back to polling", "path", c.path, "error", err)
			if poll <= 0 {
				poll = fallbackPollInterval
			}
		} else {
			defer func() { _ = w.Close() }()
			events = w.Events
			watchErrs = w.Errors
		}
	}

	var pollC <-chan time.Time
	if poll > 0 {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		pollC = ticker.C
	}
	last := c.stat()

	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	defer debounceTimer.Stop()

	c.logger.Info("Blocklist reload controller started",
		"path", c.path,
		"watch", events != nil,
		"poll_interval", poll,
		"debounce", c.debounce)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Blocklist reload controller stopped")
			return nil

		case event, ok := <-events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounceTimer.Reset(c.debounce)
			}

		case err, ok := <-watchErrs:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			c.logger.Error("Blocklist watcher error", "error", err)

		case <-debounceTimer.C:
			last = c.stat()
			c.reload(ctx, "watch")

		case <-pollC:
			cur := c.stat()
			if cur != last {
				last = cur
				c.reload(ctx, "poll")
			}

		case <-c.trigger:
			last = c.stat()
			c.reload(ctx, "manual")
		}
	}
}

// newWatcher watches the parent directory rather than the file itself so that
// write-temp-then-rename replacements are observed.
func (c *Controller) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(c.path), err)
	}
	return w, nil
}

func (c *Controller) reload(ctx context.Context, reason string) {
	c.logger.Debug("Reloading blocklist", "reason", reason)
	if err := c.reloader.Reload(ctx); err != nil {
		c.logger.Warn("Blocklist reload failed", "reason", reason, "error", err)
	}
}

type fileState struct {
	modTime int64
	size    int64
	exists  bool
}

func (c *Controller) stat() fileState {
	fi, err := os.Stat(c.path)
	if err != nil {
		return fileState{}
	}
	return fileState{modTime: fi.ModTime().UnixNano(), size: fi.Size(), exists: true}
}
