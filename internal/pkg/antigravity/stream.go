package antigravity

import (
	"bytes"
	"regexp"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Event types emitted by the reassembler.
type EventType string

const (
	EventText      EventType = "text"
	EventReasoning EventType = "reasoning"
	EventImage     EventType = "image"
	EventToolCalls EventType = "toolCalls"
	EventError     EventType = "error"
)

// StreamEvent is one typed fragment reconstructed from the upstream SSE body.
type StreamEvent struct {
	Type      EventType
	Text      string
	Image     *InlineImage
	ToolCalls []ToolCallDelta
	Message   string // error detail for EventError
}

type InlineImage struct {
	MimeType string
	Data     string
}

// ToolCallDelta is an upstream function call shaped for OpenAI relay.
type ToolCallDelta struct {
	ID        string
	Name      string
	Arguments string
}

// Usage mirrors the upstream usageMetadata block.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

var sseDataPrefix = regexp.MustCompile(`^data:\s*`)

// Reassembler consumes the upstream's chunked SSE byte stream and rebuilds
// complete "data: <json>" records regardless of where the read boundaries
// fall. Each stream is consumed exactly once, forward-only.
//
// Function-call parts are buffered and flushed as a single toolCalls event
// when a record carrying a terminal finish indicator arrives; they are never
// emitted before one is seen. The first thought signature encountered is
// captured once for later storage.
type Reassembler struct {
	carry        []byte
	pendingCalls []ToolCallDelta
	signature    string
	finishReason string
	usage        *Usage
	malformed    int
}

func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends a read chunk and returns the events completed by it.
func (r *Reassembler) Feed(chunk []byte) []StreamEvent {
	r.carry = append(r.carry, chunk...)

	var events []StreamEvent
	for {
		nl := bytes.IndexByte(r.carry, '\n')
		if nl < 0 {
			break
		}
		line := r.carry[:nl]
		r.carry = r.carry[nl+1:]
		events = append(events, r.processLine(line)...)
	}
	return events
}

// Close handles end-of-stream: a trailing record without a line break is still
// processed. EOF without a terminal finish record is a normal close.
func (r *Reassembler) Close() []StreamEvent {
	if len(r.carry) == 0 {
		return nil
	}
	line := r.carry
	r.carry = nil
	return r.processLine(line)
}

func (r *Reassembler) processLine(line []byte) []StreamEvent {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	loc := sseDataPrefix.FindIndex(line)
	if loc == nil {
		// Comment or event framing line; not a data record.
		return nil
	}
	payload := line[loc[1]:]
	if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
		return nil
	}
	if !gjson.ValidBytes(payload) {
		// A single malformed record never aborts the stream.
		r.malformed++
		return nil
	}
	return r.processRecord(payload)
}

func (r *Reassembler) processRecord(payload []byte) []StreamEvent {
	root := gjson.ParseBytes(payload)
	if resp := root.Get("response"); resp.Exists() {
		root = resp
	}

	if errObj := root.Get("error"); errObj.Exists() {
		msg := errObj.Get("message").String()
		if msg == "" {
			msg = errObj.Raw
		}
		return []StreamEvent{{Type: EventError, Message: msg}}
	}

	if um := root.Get("usageMetadata"); um.Exists() {
		r.usage = &Usage{
			PromptTokens:     int(um.Get("promptTokenCount").Int()),
			CompletionTokens: int(um.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(um.Get("totalTokenCount").Int()),
		}
	}

	var events []StreamEvent
	candidate := root.Get("candidates.0")
	if candidate.Exists() {
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			events = append(events, r.classifyPart(part)...)
			return true
		})
	}

	if finish := candidate.Get("finishReason"); finish.Exists() && finish.String() != "" {
		r.finishReason = finish.String()
		if len(r.pendingCalls) > 0 {
			events = append(events, StreamEvent{Type: EventToolCalls, ToolCalls: r.pendingCalls})
			r.pendingCalls = nil
		}
	}
	return events
}

func (r *Reassembler) classifyPart(part gjson.Result) []StreamEvent {
	if sig := part.Get("thoughtSignature"); sig.Exists() && r.signature == "" {
		r.signature = sig.String()
	}

	if call := part.Get("functionCall"); call.Exists() {
		args := call.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		r.pendingCalls = append(r.pendingCalls, ToolCallDelta{
			ID:        "call_" + uuid.NewString(),
			Name:      call.Get("name").String(),
			Arguments: args,
		})
		return nil
	}

	if inline := part.Get("inlineData"); inline.Exists() {
		return []StreamEvent{{
			Type: EventImage,
			Image: &InlineImage{
				MimeType: inline.Get("mimeType").String(),
				Data:     inline.Get("data").String(),
			},
		}}
	}

	text := part.Get("text")
	if !text.Exists() {
		return nil
	}
	if part.Get("thought").Bool() {
		return []StreamEvent{{Type: EventReasoning, Text: text.String()}}
	}
	if text.String() == "" {
		return nil
	}
	return []StreamEvent{{Type: EventText, Text: text.String()}}
}

// Signature returns the first thought signature observed, if any.
func (r *Reassembler) Signature() string { return r.signature }

// FinishReason returns the terminal finish indicator, empty when the stream
// closed without one.
func (r *Reassembler) FinishReason() string { return r.finishReason }

// Usage returns the last usageMetadata seen, nil when the stream carried none.
func (r *Reassembler) Usage() *Usage { return r.usage }

// MalformedRecords reports how many data records failed to parse and were
// skipped.
func (r *Reassembler) MalformedRecords() int { return r.malformed }
