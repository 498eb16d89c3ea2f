// Package watch implements the scheduled unit of work: fetch new
// illustrations, drop ones already pushed, and deliver the rest.
package watch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"pixiwatch/internal/notifier"
	"pixiwatch/internal/pixiv"
	"pixiwatch/internal/storage"
	logx "pixiwatch/pkg/logx"
)

// Fetcher is the listing side of the pixiv client.
type Fetcher interface {
	Ranking(ctx context.Context, mode string, limit int) ([]pixiv.Illust, error)
	FollowLatest(ctx context.Context, limit int) ([]pixiv.Illust, error)
}

type Config struct {
	Source       string // "ranking" (default) or "follow"
	RankingMode  string
	Limit        int
	MinBookmarks int
	AllowR18     bool
	SeenTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Source) == "" {
		c.Source = "ranking"
	}
	if c.Limit <= 0 {
		c.Limit = 30
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = 7 * 24 * time.Hour
	}
	return c
}

// Counts summarizes the last completed run for persistence.
type Counts struct {
	Fetched int
	Pushed  int
}

// Watcher is the scheduler's Task. One Run is one invocation.
type Watcher struct {
	cfg    Config
	fetch  Fetcher
	notify notifier.Notifier
	store  storage.Store // nil when storage is disabled
	log    logx.Logger

	mu   sync.Mutex
	last Counts
	// In-memory dedup fallback so repeated runs without storage still
	// don't re-push within one process lifetime.
	memSeen map[string]time.Time
}

func New(cfg Config, fetch Fetcher, notify notifier.Notifier, store storage.Store, log logx.Logger) *Watcher {
	return &Watcher{
		cfg:     cfg.withDefaults(),
		fetch:   fetch,
		notify:  notify,
		store:   store,
		log:     log,
		memSeen: map[string]time.Time{},
	}
}

func (w *Watcher) Name() string { return "pixiv:push" }

// LastCounts reports the most recent run's fetch/push totals.
func (w *Watcher) LastCounts() Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Watcher) Run(ctx context.Context) error {
	var illusts []pixiv.Illust
	var err error
	switch w.cfg.Source {
	case "follow":
		illusts, err = w.fetch.FollowLatest(ctx, w.cfg.Limit)
	default:
		illusts, err = w.fetch.Ranking(ctx, w.cfg.RankingMode, w.cfg.Limit)
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", w.cfg.Source, err)
	}

	fresh := make([]pixiv.Illust, 0, len(illusts))
	for _, il := range illusts {
		if !w.cfg.AllowR18 && il.R18 {
			continue
		}
		if w.cfg.MinBookmarks > 0 && il.BookmarkCount < w.cfg.MinBookmarks {
			continue
		}
		seen, err := w.wasSeen(ctx, seenKey(il.ID))
		if err != nil {
			w.log.Warn("seen lookup failed", logx.Int64("illust", il.ID), logx.Err(err))
		}
		if seen {
			continue
		}
		fresh = append(fresh, il)
	}

	w.setCounts(Counts{Fetched: len(illusts)})
	if len(fresh) == 0 {
		w.log.Info("no new illustrations", logx.Int("fetched", len(illusts)))
		return nil
	}

	sent, err := w.notify.SendIllusts(ctx, fresh)
	for _, id := range sent {
		if perr := w.putSeen(ctx, seenKey(id)); perr != nil {
			w.log.Warn("seen record failed", logx.Int64("illust", id), logx.Err(perr))
		}
	}
	w.setCounts(Counts{Fetched: len(illusts), Pushed: len(sent)})
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	w.log.Info("push completed",
		logx.Int("fetched", len(illusts)),
		logx.Int("fresh", len(fresh)),
		logx.Int("pushed", len(sent)),
	)
	return nil
}

func (w *Watcher) setCounts(c Counts) {
	w.mu.Lock()
	w.last = c
	w.mu.Unlock()
}

func (w *Watcher) wasSeen(ctx context.Context, key string) (bool, error) {
	if w.store != nil {
		return w.store.WasSeen(ctx, key)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.memSeen[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(until) {
		delete(w.memSeen, key)
		return false, nil
	}
	return true, nil
}

func (w *Watcher) putSeen(ctx context.Context, key string) error {
	until := time.Now().Add(w.cfg.SeenTTL)
	if w.store != nil {
		return w.store.PutSeen(ctx, key, until)
	}
	w.mu.Lock()
	w.memSeen[key] = until
	w.mu.Unlock()
	return nil
}

func seenKey(id int64) string { return "illust:" + strconv.FormatInt(id, 10) }
