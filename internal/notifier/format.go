package notifier

import (
	"fmt"
	"strings"

	"pixiwatch/internal/pixiv"
)

const maxCaptionTags = 5

// Caption renders the per-illust push text. The layout mirrors what the
// deployment's chat consumers already parse: marks, title with page count,
// author, bookmarks, tags, link.
func Caption(il pixiv.Illust) string {
	var b strings.Builder

	if il.R18 {
		b.WriteString("🔞 ")
	}
	b.WriteString("🎨 ")
	b.WriteString(il.Title)
	if il.PageCount > 1 {
		fmt.Fprintf(&b, " (%dP)", il.PageCount)
	}
	b.WriteString("\n👤 ")
	b.WriteString(il.UserName)
	fmt.Fprintf(&b, "\n❤️ %d", il.BookmarkCount)

	tags := il.Tags
	if len(tags) > maxCaptionTags {
		tags = tags[:maxCaptionTags]
	}
	if len(tags) > 0 {
		b.WriteString("\n🏷️")
		for _, t := range tags {
			b.WriteString(" #")
			b.WriteString(t)
		}
	}
	b.WriteString("\n🔗 ")
	b.WriteString(il.PageURL())
	return b.String()
}
