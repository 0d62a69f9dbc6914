package conversation

import (
	"time"

	"github.com/HerbHall/azurechat/pkg/chat"
)

// SendOption configures a single SendMessage call.
type SendOption func(*Options)

// Options is the resolved form of a SendOption list. Callers that wrap or
// substitute Client use ResolveOptions to read what a call asked for.
type Options struct {
	ParentMessageID string
	MessageID       string
	Name            string
	SystemMessage   string
	Timeout         time.Duration
	Progress        chat.ProgressFunc
	Stream          *bool // nil when WithStream was not given
}

// Streaming reports whether the call streams: the WithStream override if
// present, otherwise whether a progress function is set.
func (o *Options) Streaming() bool {
	if o.Stream != nil {
		return *o.Stream
	}
	return o.Progress != nil
}

func (o *Options) apply(opts []SendOption) {
	for _, opt := range opts {
		opt(o)
	}
}

// ResolveOptions applies opts to an empty Options.
func ResolveOptions(opts ...SendOption) Options {
	var o Options
	o.apply(opts)
	return o
}

// WithParentMessageID continues the conversation from the given message.
func WithParentMessageID(id string) SendOption {
	return func(o *Options) { o.ParentMessageID = id }
}

// WithMessageID sets the ID of the new user message instead of a random UUID.
func WithMessageID(id string) SendOption {
	return func(o *Options) { o.MessageID = id }
}

// WithName attaches a speaker name to the new user message.
func WithName(name string) SendOption {
	return func(o *Options) { o.Name = name }
}

// WithSystemMessage overrides the configured system message for this call.
func WithSystemMessage(msg string) SendOption {
	return func(o *Options) { o.SystemMessage = msg }
}

// WithTimeout bounds the call. Zero disables the client default.
func WithTimeout(d time.Duration) SendOption {
	return func(o *Options) { o.Timeout = d }
}

// WithProgress streams the reply and reports each partial result to fn.
func WithProgress(fn chat.ProgressFunc) SendOption {
	return func(o *Options) { o.Progress = fn }
}

// WithStream forces streaming on or off. By default a call streams only
// when a progress function is set.
func WithStream(stream bool) SendOption {
	return func(o *Options) { o.Stream = &stream }
}
