package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

// sliceSource replays a fixed list of events.
type sliceSource struct {
	events []schema.StreamEvent
	err    error
	pos    int
	reads  int
	closed bool
}

func (s *sliceSource) Next() bool {
	s.reads++

	if s.closed || s.pos >= len(s.events) {
		return false
	}

	s.pos++

	return true
}

func (s *sliceSource) Current() schema.StreamEvent { return s.events[s.pos-1] }
func (s *sliceSource) Err() error                  { return s.err }
func (s *sliceSource) Close() error                { s.closed = true; return nil }

type recordingWriter struct {
	frames    [][]byte
	failAfter int
}

func (w *recordingWriter) WriteChunk(frame []byte) error {
	if w.failAfter > 0 && len(w.frames) >= w.failAfter {
		return errors.New("broken pipe")
	}

	w.frames = append(w.frames, bytes.Clone(frame))

	return nil
}

type streamResult struct {
	chunks []schema.ChatCompletionChunk
	done   int
	last   string
}

func parseFrames(t *testing.T, frames [][]byte) streamResult {
	t.Helper()

	var res streamResult

	for _, frame := range frames {
		s := string(frame)
		require.True(t, strings.HasPrefix(s, "data: "), "frame %q", s)
		require.True(t, strings.HasSuffix(s, "\n\n"), "frame %q", s)

		payload := strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")
		res.last = payload

		if payload == "[DONE]" {
			res.done++
			continue
		}

		require.Zero(t, res.done, "no chunk may follow [DONE]")

		var chunk schema.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		res.chunks = append(res.chunks, chunk)
	}

	return res
}

func (r streamResult) contents() []string {
	var out []string

	for _, c := range r.chunks {
		if len(c.Choices) > 0 && c.Choices[0].Delta.Content != nil {
			out = append(out, *c.Choices[0].Delta.Content)
		}
	}

	return out
}

func (r streamResult) finishReasons() []string {
	var out []string

	for _, c := range r.chunks {
		if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
			out = append(out, *c.Choices[0].FinishReason)
		}
	}

	return out
}

func (r streamResult) toolCalls() []schema.ToolCall {
	var out []schema.ToolCall

	for _, c := range r.chunks {
		if len(c.Choices) > 0 {
			out = append(out, c.Choices[0].Delta.ToolCalls...)
		}
	}

	return out
}

// assertWellFormed checks the chunk sequence invariants every stream must hold.
func assertWellFormed(t *testing.T, res streamResult) {
	t.Helper()

	require.NotEmpty(t, res.chunks)
	assert.Equal(t, schema.RoleAssistant, res.chunks[0].Choices[0].Delta.Role, "first chunk announces the role")
	assert.Len(t, res.finishReasons(), 1, "exactly one finish chunk")
	assert.Equal(t, 1, res.done, "exactly one [DONE]")
	assert.Equal(t, "[DONE]", res.last, "[DONE] is the last frame")

	for _, c := range res.chunks {
		assert.Equal(t, schema.ObjectChatCompletionChunk, c.Object)
		assert.Equal(t, res.chunks[0].ID, c.ID, "stable id across chunks")
	}
}

func runStream(t *testing.T, events []schema.StreamEvent, opts StreamOptions) (streamResult, StreamStats) {
	t.Helper()

	w := &recordingWriter{}
	stats, err := newTestConverter().ConvertStream(context.Background(), &sliceSource{events: events}, w, opts)
	require.NoError(t, err)

	return parseFrames(t, w.frames), stats
}

func messageStart(id string) schema.StreamEvent {
	return schema.StreamEvent{
		Type:    schema.EventMessageStart,
		Message: &schema.MessagesResponse{ID: id, Model: "claude-x", Usage: &schema.ClaudeUsage{InputTokens: 10}},
	}
}

func blockStart(index int, block schema.ContentBlock) schema.StreamEvent {
	return schema.StreamEvent{Type: schema.EventContentBlockStart, Index: index, ContentBlock: &block}
}

func textDelta(text string) schema.StreamEvent {
	return schema.StreamEvent{Type: schema.EventContentBlockDelta, Delta: &schema.EventDelta{Type: schema.DeltaText, Text: text}}
}

func thinkingDelta(text string) schema.StreamEvent {
	return schema.StreamEvent{Type: schema.EventContentBlockDelta, Delta: &schema.EventDelta{Type: schema.DeltaThinking, Thinking: text}}
}

func jsonDelta(partial string) schema.StreamEvent {
	return schema.StreamEvent{Type: schema.EventContentBlockDelta, Delta: &schema.EventDelta{Type: schema.DeltaInputJSON, PartialJSON: partial}}
}

func blockStop(index int) schema.StreamEvent {
	return schema.StreamEvent{Type: schema.EventContentBlockStop, Index: index}
}

func messageDelta(reason string, outputTokens int) schema.StreamEvent {
	return schema.StreamEvent{
		Type:  schema.EventMessageDelta,
		Delta: &schema.EventDelta{StopReason: &reason},
		Usage: &schema.ClaudeUsage{OutputTokens: outputTokens},
	}
}

func messageStop() schema.StreamEvent {
	return schema.StreamEvent{Type: schema.EventMessageStop}
}

func TestConvertStream_Text(t *testing.T) {
	res, stats := runStream(t, []schema.StreamEvent{
		messageStart("msg_1"),
		blockStart(0, schema.TextBlock("")),
		{Type: schema.EventPing},
		textDelta("Hel"),
		textDelta("lo"),
		blockStop(0),
		messageDelta(schema.StopEndTurn, 2),
		messageStop(),
	}, StreamOptions{Model: "tinyy-model"})

	assertWellFormed(t, res)
	assert.Equal(t, "msg_1", res.chunks[0].ID)
	assert.Equal(t, "claude-x", res.chunks[0].Model)
	assert.Equal(t, []string{"Hel", "lo"}, res.contents())
	assert.Equal(t, []string{"stop"}, res.finishReasons())
	assert.False(t, stats.Truncated)
	assert.Equal(t, "stop", stats.FinishReason)
}

func TestConvertStream_TruncatedUpstream(t *testing.T) {
	res, stats := runStream(t, []schema.StreamEvent{
		messageStart("msg_2"),
		blockStart(0, schema.TextBlock("")),
		textDelta("partial"),
	}, StreamOptions{})

	assertWellFormed(t, res)
	assert.Equal(t, []string{"partial"}, res.contents())
	assert.Equal(t, []string{"stop"}, res.finishReasons())
	assert.True(t, stats.Truncated)
}

func TestConvertStream_EmptyUpstream(t *testing.T) {
	res, _ := runStream(t, nil, StreamOptions{Model: "tinyy-model"})

	assertWellFormed(t, res)
	assert.True(t, strings.HasPrefix(res.chunks[0].ID, "chatcmpl-"))
	assert.Equal(t, "tinyy-model", res.chunks[0].Model)
}

func TestConvertStream_MessageStopWithoutDelta(t *testing.T) {
	res, _ := runStream(t, []schema.StreamEvent{
		messageStart("msg_3"),
		textDelta("x"),
		messageStop(),
	}, StreamOptions{})

	assertWellFormed(t, res)
	// finish precedes the sentinel
	last := res.chunks[len(res.chunks)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
}

func TestConvertStream_EventsAfterStopIgnored(t *testing.T) {
	res, _ := runStream(t, []schema.StreamEvent{
		messageStart("msg_4"),
		messageDelta(schema.StopEndTurn, 1),
		messageStop(),
		textDelta("late"),
		messageDelta(schema.StopMaxTokens, 1),
		messageStop(),
	}, StreamOptions{})

	assertWellFormed(t, res)
	assert.Empty(t, res.contents())
}

func TestConvertStream_ToolCalls(t *testing.T) {
	res, stats := runStream(t, []schema.StreamEvent{
		messageStart("msg_5"),
		blockStart(0, schema.TextBlock("")),
		textDelta("Checking."),
		blockStop(0),
		blockStart(1, schema.ToolUseBlock("toolu_a", "lookup", json.RawMessage(`{}`))),
		jsonDelta(`{"a":`),
		jsonDelta(`1}`),
		blockStop(1),
		blockStart(2, schema.ToolUseBlock("toolu_b", "noop", nil)),
		blockStop(2),
		messageDelta(schema.StopToolUse, 20),
		messageStop(),
	}, StreamOptions{})

	assertWellFormed(t, res)
	assert.Equal(t, []string{"Checking."}, res.contents())
	assert.Equal(t, []string{"tool_calls"}, res.finishReasons())
	assert.Equal(t, 2, stats.ToolCalls)

	calls := res.toolCalls()
	require.Len(t, calls, 2, "one complete chunk per tool call")

	require.NotNil(t, calls[0].Index)
	assert.Equal(t, 0, *calls[0].Index)
	assert.Equal(t, "toolu_a", calls[0].ID)
	assert.Equal(t, "lookup", calls[0].Function.Name)
	assert.Equal(t, `{"a":1}`, calls[0].Function.Arguments)

	require.NotNil(t, calls[1].Index)
	assert.Equal(t, 1, *calls[1].Index)
	assert.Equal(t, "{}", calls[1].Function.Arguments)
}

func TestConvertStream_Reasoning(t *testing.T) {
	res, _ := runStream(t, []schema.StreamEvent{
		messageStart("msg_6"),
		blockStart(0, schema.ContentBlock{Type: schema.BlockThinking}),
		thinkingDelta("hmm"),
		{Type: schema.EventContentBlockDelta, Delta: &schema.EventDelta{Type: schema.DeltaSignature, Signature: "abc"}},
		blockStop(0),
		blockStart(1, schema.TextBlock("")),
		textDelta("ok"),
		blockStop(1),
		messageDelta(schema.StopEndTurn, 3),
		messageStop(),
	}, StreamOptions{})

	assertWellFormed(t, res)
	assert.Equal(t, []string{ReasoningOpen, "hmm", ReasoningClose, "ok"}, res.contents())
}

func TestConvertStream_ReasoningSplitAcrossDeltas(t *testing.T) {
	res, _ := runStream(t, []schema.StreamEvent{
		messageStart("msg_6b"),
		blockStart(0, schema.ContentBlock{Type: schema.BlockThinking}),
		thinkingDelta("step"),
		thinkingDelta(" 1"),
		blockStop(0),
		messageDelta(schema.StopEndTurn, 2),
		messageStop(),
	}, StreamOptions{})

	assertWellFormed(t, res)
	assert.Equal(t, []string{ReasoningOpen, "step", " 1", ReasoningClose}, res.contents())
	assert.Equal(t, "step 1", strings.Join(res.contents()[1:3], ""))
}

func TestConvertStream_TruncatedInsideReasoning(t *testing.T) {
	res, _ := runStream(t, []schema.StreamEvent{
		messageStart("msg_7"),
		blockStart(0, schema.ContentBlock{Type: schema.BlockThinking}),
		thinkingDelta("mid"),
	}, StreamOptions{})

	assertWellFormed(t, res)
	assert.Equal(t, []string{ReasoningOpen, "mid", ReasoningClose}, res.contents())
}

func TestConvertStream_FinishReasons(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{schema.StopEndTurn, "stop"},
		{schema.StopToolUse, "tool_calls"},
		{schema.StopMaxTokens, "length"},
		{schema.StopStopSequence, "stop"},
		{schema.StopRefusal, "stop"},
		{"some_future_reason", "stop"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			res, _ := runStream(t, []schema.StreamEvent{messageStart("m"), messageDelta(tt.reason, 1), messageStop()}, StreamOptions{})
			assert.Equal(t, []string{tt.want}, res.finishReasons())
		})
	}
}

func TestConvertStream_IncludeUsage(t *testing.T) {
	res, stats := runStream(t, []schema.StreamEvent{
		messageStart("msg_8"),
		textDelta("hi"),
		messageDelta(schema.StopEndTurn, 7),
		messageStop(),
	}, StreamOptions{IncludeUsage: true})

	assert.Equal(t, 1, res.done)

	usageChunk := res.chunks[len(res.chunks)-1]
	assert.Empty(t, usageChunk.Choices)
	require.NotNil(t, usageChunk.Usage)
	assert.Equal(t, schema.Usage{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17}, *usageChunk.Usage)
	assert.Equal(t, 7, stats.Usage.CompletionTokens)
}

func TestConvertStream_UpstreamErrorEvent(t *testing.T) {
	src := &sliceSource{events: []schema.StreamEvent{
		messageStart("msg_9"),
		textDelta("a"),
		{Type: schema.EventError, Error: &schema.ErrorDetail{Type: "overloaded_error", Message: "Overloaded"}},
		textDelta("never"),
	}}

	w := &recordingWriter{}
	_, err := newTestConverter().ConvertStream(context.Background(), src, w, StreamOptions{})
	require.NoError(t, err)

	res := parseFrames(t, w.frames)
	assertWellFormed(t, res)
	assert.Equal(t, []string{"a"}, res.contents())
	assert.True(t, src.closed)
}

func TestConvertStream_UpstreamReadError(t *testing.T) {
	src := &sliceSource{
		events: []schema.StreamEvent{messageStart("msg_10"), textDelta("a")},
		err:    errors.New("connection reset"),
	}

	w := &recordingWriter{}
	_, err := newTestConverter().ConvertStream(context.Background(), src, w, StreamOptions{})
	require.NoError(t, err)

	assertWellFormed(t, parseFrames(t, w.frames))
}

func TestConvertStream_ClientDisconnectStopsReading(t *testing.T) {
	events := []schema.StreamEvent{messageStart("msg_11")}
	for i := 0; i < 50; i++ {
		events = append(events, textDelta("x"))
	}

	src := &sliceSource{events: events}
	w := &recordingWriter{failAfter: 3}

	_, err := newTestConverter().ConvertStream(context.Background(), src, w, StreamOptions{})
	require.Error(t, err)

	assert.True(t, src.closed, "upstream is released")
	assert.LessOrEqual(t, src.reads, 4, "no reads after the client went away")
	assert.Len(t, w.frames, 3)
}

func TestConvertStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &sliceSource{events: []schema.StreamEvent{messageStart("msg_12")}}
	w := &recordingWriter{}

	_, err := newTestConverter().ConvertStream(ctx, src, w, StreamOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, w.frames)
	assert.True(t, src.closed)
}

func TestReencoder_FinishIsIdempotent(t *testing.T) {
	r := NewReencoder(StreamOptions{})
	r.Handle(messageStart("msg_13"))

	first := r.Finish()
	require.NotEmpty(t, first)
	assert.Equal(t, doneFrame, first[len(first)-1])
	assert.True(t, r.Done())
	assert.Nil(t, r.Finish())
	assert.Nil(t, r.Handle(textDelta("late")))
}
