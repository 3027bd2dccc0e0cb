package schemaindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/querygate/pkg/metrics"
)

const (
	defaultWatchInterval = 30 * time.Second
	defaultMaxLoadTries  = 3
)

type WatcherConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    Store
	Holder   *Holder
	Interval time.Duration

	// OnChange is called after a new snapshot has been published. previous is
	// empty on the first load.
	OnChange func(previous, current string)

	MaxLoadTries uint
}

func (cfg *WatcherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Holder == nil {
		return errors.New("holder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultWatchInterval
	}
	if cfg.Interval < 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.MaxLoadTries == 0 {
		cfg.MaxLoadTries = defaultMaxLoadTries
	}
	return nil
}

// Watcher keeps a Holder in step with the Store, publishing a new snapshot
// whenever the stored version changes.
type Watcher struct {
	log *slog.Logger
	cfg WatcherConfig
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Watcher{log: cfg.Logger, cfg: cfg}, nil
}

// Sync loads and publishes the stored snapshot if its version differs from
// the published one. It reports whether a new snapshot was published.
func (w *Watcher) Sync(ctx context.Context) (bool, error) {
	version, err := w.cfg.Store.Version(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read index version: %w", err)
	}
	if version == w.cfg.Holder.Version() {
		return false, nil
	}

	snap, err := backoff.Retry(ctx, func() (*Snapshot, error) {
		s, err := w.cfg.Store.Load(ctx)
		if errors.Is(err, ErrEmptyStore) || errors.Is(err, ErrDimensionMismatch) {
			return nil, backoff.Permanent(err)
		}
		return s, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(w.cfg.MaxLoadTries))
	if err != nil {
		return false, fmt.Errorf("failed to load index: %w", err)
	}

	var previous string
	if prev := w.cfg.Holder.Replace(snap); prev != nil {
		previous = prev.Version
	}
	metrics.IndexVersionChangesTotal.Inc()
	metrics.IndexEntities.Set(float64(len(snap.Entities)))
	w.log.Info("schemaindex: published snapshot", "previous", previous, "version", snap.Version, "entities", len(snap.Entities))

	if w.cfg.OnChange != nil {
		w.cfg.OnChange(previous, snap.Version)
	}
	return true, nil
}

// Run syncs immediately and then on every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.Sync(ctx); err != nil {
		w.log.Warn("schemaindex: initial sync failed", "error", err)
	}

	ticker := w.cfg.Clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := w.Sync(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("schemaindex: sync failed", "error", err)
			}
		}
	}
}
