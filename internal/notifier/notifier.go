// Package notifier delivers pushed illustrations to a chat backend.
// Backends are paced with a shared rate limiter so a large batch never
// floods the receiving bot (the upstream adapters throttle hard).
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"pixiwatch/internal/config"
	"pixiwatch/internal/pixiv"
	logx "pixiwatch/pkg/logx"
)

// Notifier is the push side of the watch task.
//
// SendIllusts returns the IDs that were delivered; a partial batch with
// some failures is not an error as long as at least one push succeeded.
type Notifier interface {
	SendIllusts(ctx context.Context, illusts []pixiv.Illust) ([]int64, error)
	SendText(ctx context.Context, text string) error
	Close() error
}

// imageFetcher is what a backend needs from the pixiv client.
type imageFetcher interface {
	DownloadImage(ctx context.Context, url string, maxBytes int) ([]byte, error)
}

// New builds the configured backend. Driver "none" (or empty) returns a
// notifier that logs instead of pushing, so dry runs stay useful.
func New(cfg config.NotifyConfig, fetcher imageFetcher, log logx.Logger) (Notifier, error) {
	lim := newLimiter(cfg.RatePerSec)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return &nopNotifier{log: log}, nil
	case "astrbot":
		if cfg.AstrBot == nil {
			return nil, errors.New("notify.astrbot config missing")
		}
		return newAstrBot(*cfg.AstrBot, fetcher, lim, log), nil
	case "telegram":
		if cfg.Telegram == nil {
			return nil, errors.New("notify.telegram config missing")
		}
		return newTelegram(*cfg.Telegram, lim, log)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		perSec = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

// nopNotifier is the "none" driver: pushes become log lines.
type nopNotifier struct{ log logx.Logger }

func (n *nopNotifier) SendIllusts(ctx context.Context, illusts []pixiv.Illust) ([]int64, error) {
	_ = ctx
	ids := make([]int64, 0, len(illusts))
	for _, il := range illusts {
		n.log.Info("push (dry-run)", logx.Int64("illust", il.ID), logx.String("title", il.Title))
		ids = append(ids, il.ID)
	}
	return ids, nil
}

func (n *nopNotifier) SendText(ctx context.Context, text string) error {
	_ = ctx
	n.log.Info("push text (dry-run)", logx.String("text", text))
	return nil
}

func (n *nopNotifier) Close() error { return nil }
