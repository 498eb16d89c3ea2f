package pixiv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "pixiwatch/pkg/logx"
)

const rankingJSON = `{
  "contents": [
    {
      "illust_id": 111,
      "title": "Sunrise",
      "user_name": "alice",
      "tags": ["landscape", "original"],
      "url": "https://i.pximg.net/img/111_p0.jpg",
      "illust_page_count": "3",
      "rating_count": 420
    },
    {
      "illust_id": 222,
      "title": "After Dark",
      "user_name": "bob",
      "tags": ["R-18", "night"],
      "url": "https://i.pximg.net/img/222_p0.jpg",
      "illust_page_count": 1,
      "rating_count": 99
    }
  ]
}`

func TestRanking(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ranking.php" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("format") != "json" || q.Get("mode") != "weekly" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(rankingJSON))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, logx.Nop())
	got, err := c.Ranking(context.Background(), "weekly", 0)
	if err != nil {
		t.Fatalf("Ranking: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	first := got[0]
	if first.ID != 111 || first.Title != "Sunrise" || first.UserName != "alice" {
		t.Fatalf("first = %+v", first)
	}
	// Page count arrives as a quoted string here.
	if first.PageCount != 3 {
		t.Fatalf("PageCount = %d, want 3", first.PageCount)
	}
	if first.BookmarkCount != 420 || first.R18 {
		t.Fatalf("first = %+v", first)
	}
	if !got[1].R18 {
		t.Fatal("R-18 tag not detected")
	}
}

func TestRankingLimit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rankingJSON))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, logx.Nop())
	got, err := c.Ranking(context.Background(), "", 1)
	if err != nil {
		t.Fatalf("Ranking: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestRankingHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, logx.Nop())
	if _, err := c.Ranking(context.Background(), "daily", 0); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestFollowLatest(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ajax/follow_latest/illust") {
			t.Errorf("path = %s", r.URL.Path)
		}
		cookie, err := r.Cookie("PHPSESSID")
		if err != nil || cookie.Value != "sess-token" {
			t.Errorf("PHPSESSID cookie = %v, err = %v", cookie, err)
		}
		resp := map[string]any{
			"error": false,
			"body": map[string]any{
				"thumbnails": map[string]any{
					"illust": []map[string]any{
						{
							"id": "333", "title": "Portrait", "userName": "carol",
							"tags": []string{"portrait"}, "pageCount": 2, "xRestrict": 0,
							"url": "https://i.pximg.net/img/333_p0.jpg", "bookmarkCount": 12,
						},
						{
							"id": "444", "title": "Hidden", "userName": "dan",
							"tags": []string{}, "pageCount": 1, "xRestrict": 1,
							"url": "https://i.pximg.net/img/444_p0.jpg", "bookmarkCount": 7,
						},
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Session: "sess-token"}, logx.Nop())
	got, err := c.FollowLatest(context.Background(), 0)
	if err != nil {
		t.Fatalf("FollowLatest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != 333 || got[0].PageCount != 2 || got[0].R18 {
		t.Fatalf("first = %+v", got[0])
	}
	if !got[1].R18 {
		t.Fatal("xRestrict > 0 not mapped to R18")
	}
}

func TestFollowLatestRequiresSession(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{}, logx.Nop())
	if _, err := c.FollowLatest(context.Background(), 0); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestFollowLatestAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": true, "message": "not logged in"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Session: "expired"}, logx.Nop())
	_, err := c.FollowLatest(context.Background(), 0)
	if err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("err = %v", err)
	}
}

func TestDownloadImageSendsReferer(t *testing.T) {
	t.Parallel()
	payload := []byte("fake-image-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != "https://www.pixiv.net/" {
			t.Errorf("Referer = %q", r.Header.Get("Referer"))
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c := NewClient(Config{}, logx.Nop())
	data, err := c.DownloadImage(context.Background(), srv.URL+"/img.jpg", 0)
	if err != nil {
		t.Fatalf("DownloadImage: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("data = %q", data)
	}
}

func TestDownloadImageSizeCap(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	c := NewClient(Config{}, logx.Nop())
	if _, err := c.DownloadImage(context.Background(), srv.URL+"/big.jpg", 1024); err == nil {
		t.Fatal("oversized image accepted")
	}
}

func TestFlexInt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want int
	}{
		{`"5"`, 5},
		{`7`, 7},
		{`"x"`, 1},
		{``, 1},
	}
	for _, tt := range tests {
		if got := flexInt(json.RawMessage(tt.raw), 1); got != tt.want {
			t.Fatalf("flexInt(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}
