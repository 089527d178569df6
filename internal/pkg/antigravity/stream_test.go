//go:build unit

package antigravity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// normalizeEvents zeroes the generated tool-call IDs so event sequences can be
// compared across runs.
func normalizeEvents(events []StreamEvent) []StreamEvent {
	out := make([]StreamEvent, len(events))
	for i, ev := range events {
		calls := make([]ToolCallDelta, len(ev.ToolCalls))
		for j, call := range ev.ToolCalls {
			call.ID = ""
			calls[j] = call
		}
		ev.ToolCalls = calls
		out[i] = ev
	}
	return out
}

func collectAll(re *Reassembler, chunks ...[]byte) []StreamEvent {
	var events []StreamEvent
	for _, chunk := range chunks {
		events = append(events, re.Feed(chunk)...)
	}
	return append(events, re.Close()...)
}

const sampleStream = `data: {"response":{"candidates":[{"content":{"parts":[{"text":"想一想","thought":true,"thoughtSignature":"sig-a"}]}}]}}

data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}}

data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Tokyo"}}}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":34,"totalTokenCount":46}}}

data: [DONE]
`

func TestReassembler_SplitAtEveryByteBoundary(t *testing.T) {
	t.Parallel()

	raw := []byte(sampleStream)
	baseline := normalizeEvents(collectAll(NewReassembler(), raw))
	require.NotEmpty(t, baseline)

	for cut := 1; cut < len(raw); cut++ {
		re := NewReassembler()
		got := normalizeEvents(collectAll(re, raw[:cut], raw[cut:]))
		require.Equal(t, baseline, got, "切分点 %d 处事件序列不一致", cut)
		require.Equal(t, "sig-a", re.Signature())
		require.Equal(t, "STOP", re.FinishReason())
		require.NotNil(t, re.Usage())
		require.Equal(t, 46, re.Usage().TotalTokens)
	}
}

func TestReassembler_ToolCallsFlushOnlyOnFinish(t *testing.T) {
	t.Parallel()
	re := NewReassembler()

	// 函数调用记录先到达，但没有 finishReason：不允许发出 toolCalls 事件
	events := re.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"a"}}}]}}]}}` + "\n"))
	for _, ev := range events {
		require.NotEqual(t, EventToolCalls, ev.Type)
	}

	events = re.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup2"}}],"role":"model"},"finishReason":"STOP"}]}}` + "\n"))
	var flushed []StreamEvent
	for _, ev := range events {
		if ev.Type == EventToolCalls {
			flushed = append(flushed, ev)
		}
	}
	require.Len(t, flushed, 1, "终止记录应一次性吐出全部函数调用")
	require.Len(t, flushed[0].ToolCalls, 2)
	require.Equal(t, "lookup", flushed[0].ToolCalls[0].Name)
	require.Equal(t, `{"q":"a"}`, flushed[0].ToolCalls[0].Arguments)
	require.Equal(t, "{}", flushed[0].ToolCalls[1].Arguments)
	for _, call := range flushed[0].ToolCalls {
		require.True(t, strings.HasPrefix(call.ID, "call_"))
	}
}

func TestReassembler_EOFWithoutFinishIsNormalClose(t *testing.T) {
	t.Parallel()
	re := NewReassembler()

	_ = re.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}}` + "\n"))
	// 未收到 finishReason 即 EOF
	events := re.Close()
	require.Empty(t, events)
	require.Equal(t, "", re.FinishReason())
}

func TestReassembler_TrailingRecordWithoutNewline(t *testing.T) {
	t.Parallel()
	re := NewReassembler()

	_ = re.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}}`))
	events := re.Close()
	require.Len(t, events, 1)
	require.Equal(t, EventText, events[0].Type)
	require.Equal(t, "a", events[0].Text)
}

func TestReassembler_MalformedRecordSkipped(t *testing.T) {
	t.Parallel()
	re := NewReassembler()

	var events []StreamEvent
	events = append(events, re.Feed([]byte("data: {not json}\n"))...)
	events = append(events, re.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}}`+"\n"))...)

	require.Len(t, events, 1)
	require.Equal(t, "ok", events[0].Text)
	require.Equal(t, 1, re.MalformedRecords())
}

func TestReassembler_FirstSignatureWins(t *testing.T) {
	t.Parallel()
	re := NewReassembler()

	_ = re.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"t","thought":true,"thoughtSignature":"first"}]}}]}}` + "\n"))
	_ = re.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"t2","thought":true,"thoughtSignature":"second"}]}}]}}` + "\n"))
	require.Equal(t, "first", re.Signature())
}

func TestReassembler_ErrorRecord(t *testing.T) {
	t.Parallel()
	re := NewReassembler()

	events := re.Feed([]byte(`data: {"error":{"code":500,"message":"internal"}}` + "\n"))
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	require.Equal(t, "internal", events[0].Message)
}

func TestReassembler_SkipsNonDataLines(t *testing.T) {
	t.Parallel()
	re := NewReassembler()

	events := collectAll(re,
		[]byte(": comment\n"),
		[]byte("event: message\n"),
		[]byte("\r\n"),
		[]byte("data:{\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]}}]}}\n"),
	)
	require.Len(t, events, 1)
	require.Equal(t, "x", events[0].Text)
	require.Zero(t, re.MalformedRecords())
}

func TestReassembler_InlineImageEvent(t *testing.T) {
	t.Parallel()
	re := NewReassembler()

	events := re.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aGk="}}]}}]}}` + "\n"))
	require.Len(t, events, 1)
	require.Equal(t, EventImage, events[0].Type)
	require.Equal(t, "image/png", events[0].Image.MimeType)
	require.Equal(t, "aGk=", events[0].Image.Data)
}
