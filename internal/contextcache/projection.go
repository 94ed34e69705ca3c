package contextcache

import (
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatkit/pkg/models"
)

// Project maps a thread's history onto the model-visible view:
//
//   - user message_text becomes a user entry;
//   - assistant message_text becomes an assistant entry;
//   - tool updates collapse to one tool entry per call_id carrying the
//     final result line, dropping interim progress;
//   - thinking content is dropped, since regeneration only sees turns whose
//     tool calls have already resolved.
func Project(messages []models.Message) []models.ContextEntry {
	entries := []models.ContextEntry{}
	callEntry := map[string]int{}

	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleUser && msg.Type == models.TypeMessageText:
			entries = append(entries, models.ContextEntry{
				ID:      uuid.NewString(),
				Role:    models.RoleUser,
				Content: msg.Content,
			})
		case msg.Role == models.RoleAssistant && msg.Type == models.TypeMessageText:
			entries = append(entries, models.ContextEntry{
				ID:      uuid.NewString(),
				Role:    models.RoleAssistant,
				Content: msg.Content,
			})
		case msg.Role == models.RoleTool && msg.Type == models.TypeToolUpdate && msg.CallID != "":
			if !isFinalToolLine(msg.Content) {
				continue
			}
			if i, ok := callEntry[msg.CallID]; ok {
				entries[i].Content = msg.Content
				continue
			}
			entries = append(entries, models.ContextEntry{
				ID:         uuid.NewString(),
				Role:       models.RoleTool,
				Content:    msg.Content,
				ToolCallID: msg.CallID,
			})
			callEntry[msg.CallID] = len(entries) - 1
		}
	}
	return entries
}

// isFinalToolLine recognizes the terminal result line of a tool call, as
// opposed to the initial call line and interim progress.
func isFinalToolLine(content string) bool {
	return strings.HasPrefix(content, "✅") || strings.HasPrefix(content, "❌")
}
