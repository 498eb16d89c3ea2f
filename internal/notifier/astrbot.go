package notifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pixiwatch/internal/config"
	"pixiwatch/internal/pixiv"
	logx "pixiwatch/pkg/logx"
)

const defaultMaxImageBytes = 4 << 20

// astrBot pushes through the AstrBot HTTP adapter:
// POST {url}/api/v1/send with a unified_msg_origin and a message chain.
type astrBot struct {
	cfg     config.AstrBotConfig
	fetcher imageFetcher
	lim     *rate.Limiter
	log     logx.Logger
	http    *http.Client
}

// messagePart is one element of an AstrBot message chain.
// Type is "Plain" (text) or "Image" (base64 payload or URL).
type messagePart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Base64 string `json:"base64,omitempty"`
	URL    string `json:"url,omitempty"`
}

type sendRequest struct {
	UnifiedMsgOrigin string        `json:"unified_msg_origin"`
	Message          []messagePart `json:"message"`
}

func newAstrBot(cfg config.AstrBotConfig, fetcher imageFetcher, lim *rate.Limiter, log logx.Logger) *astrBot {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	return &astrBot{
		cfg:     cfg,
		fetcher: fetcher,
		lim:     lim,
		log:     log,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *astrBot) Close() error { return nil }

func (a *astrBot) SendIllusts(ctx context.Context, illusts []pixiv.Illust) ([]int64, error) {
	var sent []int64
	var lastErr error
	for _, il := range illusts {
		if err := a.lim.Wait(ctx); err != nil {
			return sent, err
		}

		chain := make([]messagePart, 0, 2)
		if part, ok := a.imagePart(ctx, il); ok {
			chain = append(chain, part)
		}
		chain = append(chain, messagePart{Type: "Plain", Text: Caption(il)})

		if err := a.post(ctx, chain); err != nil {
			lastErr = err
			a.log.Warn("astrbot push failed", logx.Int64("illust", il.ID), logx.Err(err))
			continue
		}
		sent = append(sent, il.ID)
	}
	if len(sent) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return sent, nil
}

func (a *astrBot) SendText(ctx context.Context, text string) error {
	if err := a.lim.Wait(ctx); err != nil {
		return err
	}
	return a.post(ctx, []messagePart{{Type: "Plain", Text: text}})
}

// imagePart builds the cover-image chain element: inline base64 when the
// download succeeds, pixiv.cat URL fallback otherwise. Multi-page works
// only ship their cover.
func (a *astrBot) imagePart(ctx context.Context, il pixiv.Illust) (messagePart, bool) {
	if !a.cfg.ImagesEnabled() {
		return messagePart{}, false
	}
	if il.CoverURL != "" && a.fetcher != nil {
		data, err := a.fetcher.DownloadImage(ctx, il.CoverURL, a.cfg.MaxImageBytes)
		if err == nil {
			return messagePart{Type: "Image", Base64: base64.StdEncoding.EncodeToString(data)}, true
		}
		a.log.Debug("cover download failed; using proxy url", logx.Int64("illust", il.ID), logx.Any("err", err))
	}
	return messagePart{Type: "Image", URL: il.ProxyImageURL()}, true
}

func (a *astrBot) post(ctx context.Context, chain []messagePart) error {
	body, err := json.Marshal(sendRequest{
		UnifiedMsgOrigin: a.cfg.Origin,
		Message:          chain,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL+"/api/v1/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if k := strings.TrimSpace(a.cfg.APIKey); k != "" {
		req.Header.Set("Authorization", "Bearer "+k)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("astrbot: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
