// Package pixiv is a minimal client for the pixiv web API: ranking and
// follow-latest listings plus image download with the mandatory Referer.
package pixiv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	logx "pixiwatch/pkg/logx"
)

const (
	defaultBaseURL   = "https://www.pixiv.net"
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	// pixiv image hosts 403 anything without this referer.
	imageReferer = "https://www.pixiv.net/"
)

var ErrNotAuthenticated = errors.New("pixiv session required")

type Config struct {
	BaseURL   string
	Session   string // PHPSESSID cookie value; required for follow-latest
	UserAgent string
	Timeout   time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if s := strings.TrimSpace(c.cfg.Session); s != "" {
		req.AddCookie(&http.Cookie{Name: "PHPSESSID", Value: s})
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pixiv: GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// rankingResponse mirrors /ranking.php?format=json. Numeric fields arrive
// as strings in some positions, hence the raw types.
type rankingResponse struct {
	Contents []struct {
		IllustID        int64           `json:"illust_id"`
		Title           string          `json:"title"`
		UserName        string          `json:"user_name"`
		Tags            []string        `json:"tags"`
		URL             string          `json:"url"`
		IllustPageCount json.RawMessage `json:"illust_page_count"`
		RatingCount     int             `json:"rating_count"`
	} `json:"contents"`
}

// Ranking fetches the current ranking list. mode is daily/weekly/monthly/
// rookie/original/male/female (default daily). No session required.
func (c *Client) Ranking(ctx context.Context, mode string, limit int) ([]Illust, error) {
	if strings.TrimSpace(mode) == "" {
		mode = "daily"
	}
	url := fmt.Sprintf("%s/ranking.php?format=json&mode=%s&p=1", c.cfg.BaseURL, mode)

	var rr rankingResponse
	if err := c.getJSON(ctx, url, &rr); err != nil {
		return nil, fmt.Errorf("ranking fetch: %w", err)
	}

	out := make([]Illust, 0, len(rr.Contents))
	for _, it := range rr.Contents {
		il := Illust{
			ID:            it.IllustID,
			Title:         it.Title,
			UserName:      it.UserName,
			Tags:          it.Tags,
			PageCount:     flexInt(it.IllustPageCount, 1),
			BookmarkCount: it.RatingCount,
			CoverURL:      it.URL,
			R18:           hasR18Tag(it.Tags),
		}
		out = append(out, il)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// followLatestResponse mirrors /ajax/follow_latest/illust.
type followLatestResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Body    struct {
		Thumbnails struct {
			Illust []struct {
				ID            string   `json:"id"`
				Title         string   `json:"title"`
				UserName      string   `json:"userName"`
				Tags          []string `json:"tags"`
				PageCount     int      `json:"pageCount"`
				XRestrict     int      `json:"xRestrict"`
				URL           string   `json:"url"`
				BookmarkCount int      `json:"bookmarkCount"`
			} `json:"illust"`
		} `json:"thumbnails"`
	} `json:"body"`
}

// FollowLatest fetches the newest works from followed artists.
// Requires a logged-in session.
func (c *Client) FollowLatest(ctx context.Context, limit int) ([]Illust, error) {
	if strings.TrimSpace(c.cfg.Session) == "" {
		return nil, ErrNotAuthenticated
	}
	url := c.cfg.BaseURL + "/ajax/follow_latest/illust?p=1&mode=all&lang=en"

	var fr followLatestResponse
	if err := c.getJSON(ctx, url, &fr); err != nil {
		return nil, fmt.Errorf("follow-latest fetch: %w", err)
	}
	if fr.Error {
		return nil, fmt.Errorf("follow-latest fetch: pixiv: %s", fr.Message)
	}

	out := make([]Illust, 0, len(fr.Body.Thumbnails.Illust))
	for _, it := range fr.Body.Thumbnails.Illust {
		id, err := strconv.ParseInt(it.ID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Illust{
			ID:            id,
			Title:         it.Title,
			UserName:      it.UserName,
			Tags:          it.Tags,
			PageCount:     it.PageCount,
			BookmarkCount: it.BookmarkCount,
			CoverURL:      it.URL,
			R18:           it.XRestrict > 0,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DownloadImage fetches an image with the pixiv Referer. maxBytes caps
// the body (0 means 8MiB); oversized images return an error so callers
// can fall back to a proxy URL.
func (c *Client) DownloadImage(ctx context.Context, url string, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Referer", imageReferer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pixiv: image %s: %s", url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBytes {
		return nil, fmt.Errorf("pixiv: image %s exceeds %d bytes", url, maxBytes)
	}
	return data, nil
}

// flexInt decodes a JSON number that may arrive as a quoted string.
func flexInt(raw json.RawMessage, def int) int {
	if len(raw) == 0 {
		return def
	}
	s := strings.Trim(string(raw), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func hasR18Tag(tags []string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, "R-18") || strings.EqualFold(t, "R-18G") {
			return true
		}
	}
	return false
}
