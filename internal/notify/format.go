package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"news_ingest/internal/model"
)

// maxMessageLen is Telegram's limit for a single text message.
const maxMessageLen = 4096

// FormatItem formats one high-impact story as a notification block.
func FormatItem(item model.NewsItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", item.Source, item.PublishedAt.Format("02 Jan 15:04"))
	b.WriteString(item.Title)
	if item.URL != "" {
		b.WriteString("\n")
		b.WriteString(item.URL)
	}
	return b.String()
}

// FormatDigest splits the high-impact stories of a run into messages that each fit
// within Telegram's length limit. It returns nil when there is nothing to report.
func FormatDigest(result model.RunResult) []string {
	if len(result.HighImpact) == 0 {
		return nil
	}

	header := fmt.Sprintf("High impact news (%d)", len(result.HighImpact))
	var (
		msgs []string
		b    strings.Builder
	)
	b.WriteString(header)
	for _, item := range result.HighImpact {
		block := FormatItem(item)
		if b.Len()+2+len(block) > maxMessageLen && b.Len() > 0 {
			msgs = append(msgs, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(truncate(block, maxMessageLen))
	}
	if b.Len() > 0 {
		msgs = append(msgs, b.String())
	}
	return msgs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const ellipsis = "…"
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
