package translator

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"openui-router/internal/models"
)

const (
	encodingName = "cl100k_base"

	// charsPerToken approximates the cl100k ratio for English text and markup.
	charsPerToken = 4
)

// encoding loads the embedded cl100k ranks once; nothing is fetched at runtime.
var encoding = sync.OnceValues(func() (*tiktoken.Tiktoken, error) {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	return tiktoken.GetEncoding(encodingName)
})

// CountInputTokens counts the cl100k tokens of a request's text content.
// Image parts are not counted. If the encoding cannot be loaded the count
// falls back to EstimateTokens.
func CountInputTokens(msgs []models.Message) int {
	var builder strings.Builder
	for _, msg := range msgs {
		builder.WriteString(msg.Text())
	}
	return CountTokens(builder.String())
}

// CountTokens returns the cl100k token count of text.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := encoding()
	if err != nil {
		slog.Warn("token encoding unavailable, estimating", "encoding", encodingName, "err", err)
		return EstimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateTokens returns ceil(runes / charsPerToken).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}
