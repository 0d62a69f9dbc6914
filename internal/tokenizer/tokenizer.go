// Package tokenizer provides chat.TokenCounter implementations.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/HerbHall/azurechat/pkg/chat"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE encoding used by chat-tuned GPT deployments.
const DefaultEncoding = "cl100k_base"

// EncodingEstimate selects the Estimator instead of a BPE encoding.
const EncodingEstimate = "estimate"

// stopMarker is the completion stop sequence; it is never counted.
const stopMarker = "<|im_end|>"

// Compile-time interface guards.
var (
	_ chat.TokenCounter = (*TikToken)(nil)
	_ chat.TokenCounter = Estimator{}
)

var loaderOnce sync.Once

// TikToken counts tokens with a tiktoken BPE encoding. The encoding tables
// are embedded, so no network access is needed.
type TikToken struct {
	enc *tiktoken.Tiktoken
}

// NewTikToken loads the named encoding (e.g. "cl100k_base").
func NewTikToken(encoding string) (*TikToken, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TikToken{enc: enc}, nil
}

// Count returns the number of BPE tokens in text.
func (t *TikToken) Count(text string) (int, error) {
	return len(t.enc.Encode(stripStopMarker(text), nil, nil)), nil
}

// Estimator approximates token cost at roughly four characters per token.
// Good enough for budget checks; not billing-accurate.
type Estimator struct{}

// Count returns ceil(len(text)/4).
func (Estimator) Count(text string) (int, error) {
	text = stripStopMarker(text)
	if len(text) == 0 {
		return 0, nil
	}
	return (len(text) + 3) / 4, nil
}

// New returns the counter for the named encoding. EncodingEstimate and the
// empty string select Estimator and DefaultEncoding respectively.
func New(encoding string) (chat.TokenCounter, error) {
	switch encoding {
	case EncodingEstimate:
		return Estimator{}, nil
	case "":
		return NewTikToken(DefaultEncoding)
	default:
		return NewTikToken(encoding)
	}
}

func stripStopMarker(text string) string {
	return strings.ReplaceAll(text, stopMarker, "")
}
