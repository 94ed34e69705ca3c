package history

import (
	"context"
	"strings"

	"github.com/haasonsaas/chatkit/pkg/models"
)

const (
	snippetBefore = 50
	snippetWindow = 100
)

// Search finds the user's threads whose title or message content matches
// the query, deduplicated by thread and ordered by relevance. Each result
// carries a snippet around the first literal occurrence of the query; when
// only a stemmed form matched, the snippet falls back to the thread title.
func (l *Log) Search(ctx context.Context, userID, query string) ([]models.ThreadSearchResult, error) {
	st, err := l.reg.Store()
	if err != nil {
		return nil, err
	}
	records, err := st.FullTextSearch(ctx, userID, threadsStore, query, 20, 0)
	if err != nil {
		return nil, err
	}

	results := make([]models.ThreadSearchResult, 0, len(records))
	for _, rec := range records {
		thread := threadFromRecord(rec)
		results = append(results, models.ThreadSearchResult{
			ThreadID: thread.ID,
			Title:    thread.Title,
			Snippet:  l.snippetFor(ctx, userID, thread, query),
		})
	}
	return results, nil
}

func (l *Log) snippetFor(ctx context.Context, userID string, thread models.Thread, query string) string {
	if snippet, ok := snippetAround(thread.Title, query); ok {
		return snippet
	}
	messages, err := l.Messages(ctx, userID, thread.ID)
	if err != nil {
		l.logger.Warn("snippet lookup failed", "thread_id", thread.ID, "error", err)
		return truncateRunes(thread.Title, snippetWindow)
	}
	for _, msg := range messages {
		if snippet, ok := snippetAround(msg.Content, query); ok {
			return snippet
		}
	}
	return truncateRunes(thread.Title, snippetWindow)
}

// snippetAround cuts a fixed-size window starting a little before the first
// case-insensitive occurrence of query in content.
func snippetAround(content, query string) (string, bool) {
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		return "", false
	}
	runes := []rune(content)
	at := len([]rune(content[:idx]))

	start := at - snippetBefore
	if start < 0 {
		start = 0
	}
	end := start + snippetWindow
	if end > len(runes) {
		end = len(runes)
	}

	snippet := string(runes[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet += "..."
	}
	return snippet, true
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
