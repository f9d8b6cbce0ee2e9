package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-openai-bridge/internal/schema"
)

var doneFrame = []byte("data: [DONE]\n\n")

type StreamOptions struct {
	// Model is reported in chunks until the upstream names its own.
	Model string
	// IncludeUsage adds a usage-only chunk before the terminal sentinel.
	IncludeUsage bool
}

// StreamStats summarises a finished stream for logging and metrics.
type StreamStats struct {
	ResponseID   string
	Chunks       int
	ToolCalls    int
	FinishReason string
	Usage        schema.Usage
	// Truncated is set when the upstream ended without message_stop.
	Truncated bool
}

// ChunkWriter receives framed chunks one at a time.
type ChunkWriter interface {
	WriteChunk(frame []byte) error
}

type flusher interface {
	Flush()
}

type flushingWriter struct {
	w io.Writer
}

// NewFlushingWriter writes each frame to w and flushes it when w supports it,
// as http.ResponseWriter does.
func NewFlushingWriter(w io.Writer) ChunkWriter {
	return &flushingWriter{w: w}
}

func (fw *flushingWriter) WriteChunk(frame []byte) error {
	if _, err := fw.w.Write(frame); err != nil {
		return err
	}

	if f, ok := fw.w.(flusher); ok {
		f.Flush()
	}

	return nil
}

type toolCallState struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// Reencoder turns upstream stream events into chat completion chunks. It is a
// plain state machine owned by one stream; Handle and Finish return the frames
// to write, already formatted as "data: <json>\n\n".
type Reencoder struct {
	opts StreamOptions

	responseID      string
	model           string
	created         int64
	started         bool
	insideReasoning bool
	current         *toolCallState
	toolCalls       int
	finishSent      bool
	terminalSent    bool

	stats StreamStats
}

func NewReencoder(opts StreamOptions) *Reencoder {
	return &Reencoder{
		opts:    opts,
		model:   opts.Model,
		created: time.Now().Unix(),
	}
}

// Done reports whether the terminal sentinel has been produced.
func (r *Reencoder) Done() bool { return r.terminalSent }

func (r *Reencoder) Stats() StreamStats {
	stats := r.stats
	stats.ResponseID = r.responseID
	stats.ToolCalls = r.toolCalls

	return stats
}

func (r *Reencoder) Handle(ev schema.StreamEvent) [][]byte {
	if r.terminalSent {
		return nil
	}

	var out [][]byte

	switch ev.Type {
	case schema.EventMessageStart:
		if msg := ev.Message; msg != nil && !r.started {
			if msg.ID != "" {
				r.responseID = msg.ID
			}

			if msg.Model != "" {
				r.model = msg.Model
			}

			if msg.Usage != nil {
				r.stats.Usage.PromptTokens = msg.Usage.InputTokens
			}
		}

		out = r.start(out)

	case schema.EventContentBlockStart:
		out = r.start(out)

		block := ev.ContentBlock
		if block == nil {
			break
		}

		switch block.Type {
		case schema.BlockToolUse:
			r.current = &toolCallState{index: r.toolCalls, id: block.ID, name: block.Name}
			r.toolCalls++

			if input := bytes.TrimSpace(block.Input); len(input) > 0 && !bytes.Equal(input, []byte("{}")) {
				r.current.args.Write(input)
			}
		case schema.BlockThinking:
			r.insideReasoning = true
			out = append(out, r.contentChunk(ReasoningOpen))

			if block.Thinking != "" {
				out = append(out, r.contentChunk(block.Thinking))
			}
		case schema.BlockText:
			if block.Text != "" {
				out = append(out, r.contentChunk(block.Text))
			}
		}

	case schema.EventContentBlockDelta:
		out = r.start(out)

		delta := ev.Delta
		if delta == nil {
			break
		}

		switch delta.Type {
		case schema.DeltaText:
			if delta.Text != "" {
				out = append(out, r.contentChunk(delta.Text))
			}
		case schema.DeltaThinking:
			if delta.Thinking != "" {
				out = append(out, r.contentChunk(delta.Thinking))
			}
		case schema.DeltaInputJSON:
			if r.current != nil {
				r.current.args.WriteString(delta.PartialJSON)
			}
		}

	case schema.EventContentBlockStop:
		out = r.start(out)

		if r.insideReasoning {
			r.insideReasoning = false
			out = append(out, r.contentChunk(ReasoningClose))
		}

		if r.current != nil {
			out = append(out, r.toolCallChunk(r.current))
			r.current = nil
		}

	case schema.EventMessageDelta:
		out = r.start(out)

		if ev.Usage != nil {
			r.stats.Usage.CompletionTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				r.stats.Usage.PromptTokens = ev.Usage.InputTokens
			}
		}

		if ev.Delta != nil && ev.Delta.StopReason != nil && !r.finishSent {
			out = append(out, r.finishChunk(streamFinishReason(*ev.Delta.StopReason)))
		}

	case schema.EventMessageStop:
		out = r.start(out)
		out = append(out, r.terminate()...)
	}

	r.stats.Chunks += len(out)

	return out
}

// Finish closes a stream the upstream left open. It is a no-op after a
// message_stop event; otherwise it supplies the missing finish chunk and
// terminal sentinel.
func (r *Reencoder) Finish() [][]byte {
	if r.terminalSent {
		return nil
	}

	r.stats.Truncated = true

	out := r.start(nil)
	out = append(out, r.terminate()...)
	r.stats.Chunks += len(out)

	return out
}

func (r *Reencoder) start(out [][]byte) [][]byte {
	if r.started {
		return out
	}

	r.started = true

	if r.responseID == "" {
		r.responseID = "chatcmpl-" + uuid.NewString()
	}

	return append(out, r.frame(r.chunk(schema.ChunkDelta{Role: schema.RoleAssistant}, nil)))
}

func (r *Reencoder) terminate() [][]byte {
	var out [][]byte

	if r.insideReasoning {
		r.insideReasoning = false
		out = append(out, r.contentChunk(ReasoningClose))
	}

	if !r.finishSent {
		out = append(out, r.finishChunk(schema.FinishStop))
	}

	if r.opts.IncludeUsage {
		usage := r.stats.Usage
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		out = append(out, r.frame(schema.ChatCompletionChunk{
			ID:      r.responseID,
			Object:  schema.ObjectChatCompletionChunk,
			Created: r.created,
			Model:   r.model,
			Choices: []schema.ChunkChoice{},
			Usage:   &usage,
		}))
	}

	r.terminalSent = true

	return append(out, doneFrame)
}

func (r *Reencoder) contentChunk(text string) []byte {
	return r.frame(r.chunk(schema.ChunkDelta{Content: &text}, nil))
}

func (r *Reencoder) toolCallChunk(call *toolCallState) []byte {
	args := call.args.String()
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}

	index := call.index

	return r.frame(r.chunk(schema.ChunkDelta{
		ToolCalls: []schema.ToolCall{{
			Index: &index,
			ID:    call.id,
			Type:  schema.ToolTypeFunction,
			Function: schema.FunctionCall{
				Name:      call.name,
				Arguments: args,
			},
		}},
	}, nil))
}

func (r *Reencoder) finishChunk(reason string) []byte {
	r.finishSent = true
	r.stats.FinishReason = reason

	return r.frame(r.chunk(schema.ChunkDelta{}, &reason))
}

func (r *Reencoder) chunk(delta schema.ChunkDelta, finish *string) schema.ChatCompletionChunk {
	return schema.ChatCompletionChunk{
		ID:      r.responseID,
		Object:  schema.ObjectChatCompletionChunk,
		Created: r.created,
		Model:   r.model,
		Choices: []schema.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

func (r *Reencoder) frame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("data: {\"error\":\"failed to marshal chunk\"}\n\n")
	}

	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)

	return append(frame, '\n', '\n')
}

// streamFinishReason maps a stop reason for the stream path. MapStopReason
// yields nil for reasons outside its table, which is fine for a whole
// completion, but a stream's finish chunk must carry a reason, so those
// become "stop" here. The truncation path uses the same default.
func streamFinishReason(reason string) string {
	if finish := MapStopReason(&reason); finish != nil {
		return *finish
	}

	return schema.FinishStop
}

// ConvertStream pumps src into sink until the upstream finishes, the client
// goes away or ctx ends. Each event's chunks are written and flushed before
// the next event is read. Unless the client is gone, the stream written to
// sink always ends with exactly one finish chunk and one [DONE] sentinel.
func (c *Converter) ConvertStream(ctx context.Context, src EventSource, sink ChunkWriter, opts StreamOptions) (StreamStats, error) {
	defer src.Close()

	enc := NewReencoder(opts)

	write := func(frames [][]byte) error {
		for _, frame := range frames {
			if err := sink.WriteChunk(frame); err != nil {
				return fmt.Errorf("write stream chunk: %w", err)
			}
		}

		return nil
	}

	for !enc.Done() && ctx.Err() == nil && src.Next() {
		ev := src.Current()

		if ev.Type == schema.EventError {
			msg := ""
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}

			c.logger.Error("Upstream stream error event", "error", msg)

			break
		}

		if err := write(enc.Handle(ev)); err != nil {
			c.logger.Debug("Client went away mid-stream", "error", err)
			return enc.Stats(), err
		}
	}

	if err := ctx.Err(); err != nil {
		c.logger.Debug("Stream cancelled", "error", err)
		return enc.Stats(), err
	}

	if err := src.Err(); err != nil {
		c.logger.Warn("Upstream stream ended with error", "error", err)
	}

	if err := write(enc.Finish()); err != nil {
		return enc.Stats(), err
	}

	stats := enc.Stats()
	if stats.Truncated {
		c.logger.Warn("Upstream stream ended without message_stop, closed it locally",
			"response_id", stats.ResponseID,
		)
	}

	return stats, nil
}
