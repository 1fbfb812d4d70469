package router

import (
	"fmt"
	"strings"

	"github.com/genbridge/gateway/internal/binder"
	"github.com/genbridge/gateway/internal/domain"
)

// composeMessage folds the system prompt, prior turns and the current
// message into the single text block Upstream's query.parts[0].text expects
// (chat_service.py's _build_full_message). Reuses binder.RenderHistoryBlock
// for the per-turn rendering so the two packages agree on one "User: .../
// Assistant: ..." format.
func composeMessage(message, systemPrompt string, history []domain.ChatMessage) string {
	var parts []string

	if systemPrompt != "" {
		parts = append(parts, fmt.Sprintf("[System Instructions]\n%s\n[End of System Instructions]\n", systemPrompt))
	}
	if len(history) > 0 {
		block := strings.TrimSuffix(binder.RenderHistoryBlock(history), "\n")
		parts = append(parts, block, "[End of Conversation History]\n")
	}
	if len(parts) == 0 {
		return message
	}
	parts = append(parts, fmt.Sprintf("[Current Message]\n%s", message))
	return strings.Join(parts, "\n")
}

// estimateTokens is the CJK-weighted token estimate chat.py's estimate_tokens
// uses in place of a real tokenizer: Chinese characters are pricier than the
// rest, and the floor is always at least 1.
func estimateTokens(text string) int {
	var chineseCount, otherCount int
	for _, r := range text {
		if r >= '一' && r <= '鿿' {
			chineseCount++
		} else {
			otherCount++
		}
	}
	tokens := int(float64(chineseCount)*1.5) + otherCount/4
	if tokens < 1 {
		return 1
	}
	return tokens
}
