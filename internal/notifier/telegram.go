package notifier

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pixiwatch/internal/config"
	"pixiwatch/internal/pixiv"
	logx "pixiwatch/pkg/logx"
)

// telegram pushes via the Bot API. Send-only: no poller is started.
type telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	lim  *rate.Limiter
	log  logx.Logger
}

func newTelegram(cfg config.TelegramConfig, lim *rate.Limiter, log logx.Logger) (*telegram, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: nil, // default HTTP client
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		lim:  lim,
		log:  log,
	}, nil
}

func (t *telegram) Close() error {
	// telebot Stop is expected to be fast; run it async just in case.
	done := make(chan struct{})
	go func() {
		t.bot.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (t *telegram) SendIllusts(ctx context.Context, illusts []pixiv.Illust) ([]int64, error) {
	var sent []int64
	var lastErr error
	for _, il := range illusts {
		if err := t.lim.Wait(ctx); err != nil {
			return sent, err
		}

		// Telegram fetches photo URLs itself; pixiv's image hosts reject
		// that, so always hand it the proxy URL.
		photo := &tele.Photo{
			File:    tele.FromURL(il.ProxyImageURL()),
			Caption: Caption(il),
		}
		if _, err := t.bot.Send(t.chat, photo); err != nil {
			// Fall back to a plain text message when the photo upload fails
			// (oversized or proxy outage).
			if _, terr := t.bot.Send(t.chat, Caption(il), &tele.SendOptions{DisableWebPagePreview: false}); terr != nil {
				lastErr = err
				t.log.Warn("telegram push failed", logx.Int64("illust", il.ID), logx.Err(err))
				continue
			}
		}
		sent = append(sent, il.ID)
	}
	if len(sent) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return sent, nil
}

func (t *telegram) SendText(ctx context.Context, text string) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
