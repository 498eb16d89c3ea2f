package notifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"pixiwatch/internal/config"
	"pixiwatch/internal/pixiv"
	logx "pixiwatch/pkg/logx"
)

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) DownloadImage(ctx context.Context, url string, maxBytes int) ([]byte, error) {
	return f.data, f.err
}

type captured struct {
	mu   sync.Mutex
	reqs []sendRequest
	auth []string
}

func newAstrBotServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	cap := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		cap.mu.Lock()
		cap.reqs = append(cap.reqs, req)
		cap.auth = append(cap.auth, r.Header.Get("Authorization"))
		cap.mu.Unlock()
		w.WriteHeader(status)
	}))
	return srv, cap
}

func illust() pixiv.Illust {
	return pixiv.Illust{
		ID:            12345,
		Title:         "Sunset",
		UserName:      "alice",
		Tags:          []string{"landscape"},
		PageCount:     1,
		BookmarkCount: 50,
		CoverURL:      "https://i.pximg.net/img/12345_p0.jpg",
	}
}

func TestAstrBotSendIllusts(t *testing.T) {
	t.Parallel()
	srv, cap := newAstrBotServer(t, http.StatusOK)
	defer srv.Close()

	cfg := config.AstrBotConfig{URL: srv.URL, Origin: "QQOfficial:group:42", APIKey: "k3y"}
	n := newAstrBot(cfg, &fakeFetcher{data: []byte("img")}, newLimiter(100), logx.Nop())

	sent, err := n.SendIllusts(context.Background(), []pixiv.Illust{illust()})
	if err != nil {
		t.Fatalf("SendIllusts: %v", err)
	}
	if len(sent) != 1 || sent[0] != 12345 {
		t.Fatalf("sent = %v", sent)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if len(cap.reqs) != 1 {
		t.Fatalf("requests = %d", len(cap.reqs))
	}
	req := cap.reqs[0]
	if req.UnifiedMsgOrigin != "QQOfficial:group:42" {
		t.Fatalf("origin = %q", req.UnifiedMsgOrigin)
	}
	if cap.auth[0] != "Bearer k3y" {
		t.Fatalf("auth = %q", cap.auth[0])
	}
	if len(req.Message) != 2 {
		t.Fatalf("chain length = %d, want image+text", len(req.Message))
	}
	img, text := req.Message[0], req.Message[1]
	if img.Type != "Image" || img.Base64 != base64.StdEncoding.EncodeToString([]byte("img")) {
		t.Fatalf("image part = %+v", img)
	}
	if text.Type != "Plain" || text.Text != Caption(illust()) {
		t.Fatalf("text part = %+v", text)
	}
}

func TestAstrBotProxyFallback(t *testing.T) {
	t.Parallel()
	srv, cap := newAstrBotServer(t, http.StatusOK)
	defer srv.Close()

	cfg := config.AstrBotConfig{URL: srv.URL, Origin: "o"}
	n := newAstrBot(cfg, &fakeFetcher{err: errors.New("403")}, newLimiter(100), logx.Nop())

	if _, err := n.SendIllusts(context.Background(), []pixiv.Illust{illust()}); err != nil {
		t.Fatalf("SendIllusts: %v", err)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	img := cap.reqs[0].Message[0]
	if img.Base64 != "" {
		t.Fatal("base64 used despite download failure")
	}
	if img.URL != illust().ProxyImageURL() {
		t.Fatalf("fallback url = %q, want %q", img.URL, illust().ProxyImageURL())
	}
}

func TestAstrBotImagesDisabled(t *testing.T) {
	t.Parallel()
	srv, cap := newAstrBotServer(t, http.StatusOK)
	defer srv.Close()

	off := false
	cfg := config.AstrBotConfig{URL: srv.URL, Origin: "o", WithImages: &off}
	n := newAstrBot(cfg, &fakeFetcher{data: []byte("img")}, newLimiter(100), logx.Nop())

	if _, err := n.SendIllusts(context.Background(), []pixiv.Illust{illust()}); err != nil {
		t.Fatalf("SendIllusts: %v", err)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if len(cap.reqs[0].Message) != 1 || cap.reqs[0].Message[0].Type != "Plain" {
		t.Fatalf("chain = %+v, want text only", cap.reqs[0].Message)
	}
}

func TestAstrBotAllPushesFailed(t *testing.T) {
	t.Parallel()
	srv, _ := newAstrBotServer(t, http.StatusBadGateway)
	defer srv.Close()

	cfg := config.AstrBotConfig{URL: srv.URL, Origin: "o"}
	n := newAstrBot(cfg, &fakeFetcher{data: []byte("img")}, newLimiter(100), logx.Nop())

	sent, err := n.SendIllusts(context.Background(), []pixiv.Illust{illust()})
	if err == nil {
		t.Fatal("expected error when every push failed")
	}
	if len(sent) != 0 {
		t.Fatalf("sent = %v", sent)
	}
}

func TestNewDispatch(t *testing.T) {
	t.Parallel()
	if _, err := New(config.NotifyConfig{Driver: "none"}, nil, logx.Nop()); err != nil {
		t.Fatalf("none driver: %v", err)
	}
	if _, err := New(config.NotifyConfig{Driver: "astrbot"}, nil, logx.Nop()); err == nil {
		t.Fatal("astrbot driver accepted without astrbot config")
	}
	if _, err := New(config.NotifyConfig{Driver: "smoke-signal"}, nil, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestNopNotifier(t *testing.T) {
	t.Parallel()
	n, err := New(config.NotifyConfig{}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids, err := n.SendIllusts(context.Background(), []pixiv.Illust{illust()})
	if err != nil {
		t.Fatalf("SendIllusts: %v", err)
	}
	if len(ids) != 1 || ids[0] != 12345 {
		t.Fatalf("ids = %v", ids)
	}
}
