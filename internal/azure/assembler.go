package azure

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/HerbHall/azurechat/pkg/chat"
)

// doneSentinel is the data payload that terminates a completion stream.
const doneSentinel = "[DONE]"

// State is the lifecycle position of an Assembler.
type State int

// Assembler states. Open and Accumulating may move to Done or Failed;
// Done and Failed are terminal.
const (
	StateOpen State = iota
	StateAccumulating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAccumulating:
		return "accumulating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Assembler folds the partial-update events of one streamed completion into
// a single reply. An Assembler belongs to exactly one request and is not
// safe for concurrent use.
type Assembler struct {
	reply      chat.Result
	onProgress chat.ProgressFunc
	state      State
}

// NewAssembler starts an assembly from seed (normally an empty assistant
// message with a provisional ID). onProgress may be nil.
func NewAssembler(seed chat.Result, onProgress chat.ProgressFunc) *Assembler {
	return &Assembler{reply: seed, onProgress: onProgress}
}

// State reports the current lifecycle state.
func (a *Assembler) State() State {
	return a.state
}

// Result returns the reply assembled so far. Once State is StateDone it is
// the finished reply.
func (a *Assembler) Result() *chat.Result {
	r := a.reply
	return &r
}

// Apply consumes one event payload. It returns done=true when the payload
// is the end-of-stream sentinel. A payload that cannot be parsed fails the
// whole assembly.
func (a *Assembler) Apply(data []byte) (done bool, err error) {
	switch a.state {
	case StateDone:
		return false, chat.NewError(chat.ErrCodeProtocol, "event received after end of stream", nil)
	case StateFailed:
		return false, chat.NewError(chat.ErrCodeProtocol, "event received after stream failure", nil)
	}

	payload := bytes.TrimSpace(data)
	if string(payload) == doneSentinel {
		a.reply.Text = strings.TrimRightFunc(a.reply.Text, unicode.IsSpace)
		a.reply.Delta = ""
		a.state = StateDone
		return true, nil
	}

	var ev deltaResponse
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.state = StateFailed
		return false, chat.NewError(chat.ErrCodeProtocol, "malformed stream event", err)
	}

	if ev.ID != "" {
		a.reply.ID = ev.ID
	}

	if len(ev.Choices) == 0 {
		return false, nil
	}

	delta := ev.Choices[0].Delta
	a.reply.Delta = delta.Content
	a.reply.Text += delta.Content
	a.reply.Detail = json.RawMessage(bytes.Clone(payload))
	if delta.Role != "" {
		a.reply.Role = delta.Role
	}
	a.state = StateAccumulating

	if a.onProgress != nil {
		a.onProgress(*a.Result())
	}
	return false, nil
}

// deltaResponse is one streamed chat completion chunk.
type deltaResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
	} `json:"choices"`
}
