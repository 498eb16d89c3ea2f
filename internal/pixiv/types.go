package pixiv

import "fmt"

// Illust is one artwork as surfaced by the web API listings.
type Illust struct {
	ID            int64    `json:"id"`
	Title         string   `json:"title"`
	UserName      string   `json:"user_name"`
	Tags          []string `json:"tags"`
	PageCount     int      `json:"page_count"`
	BookmarkCount int      `json:"bookmark_count"`
	R18           bool     `json:"r18"`

	// CoverURL is the listing thumbnail; full-size originals need auth
	// and are not fetched here.
	CoverURL string `json:"cover_url,omitempty"`
}

// PageURL is the canonical artwork page.
func (i Illust) PageURL() string {
	return fmt.Sprintf("https://www.pixiv.net/artworks/%d", i.ID)
}

// ProxyImageURL is the pixiv.cat mirror used when direct image download
// fails (pixiv image hosts reject requests without a pixiv Referer).
func (i Illust) ProxyImageURL() string {
	return fmt.Sprintf("https://pixiv.cat/%d.jpg", i.ID)
}
