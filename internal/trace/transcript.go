// Package trace parses agent transcripts. Transcripts are
// newline-delimited JSON; the adapter yields the tool calls lazily so
// multi-megabyte files never load whole.
package trace

import (
	"bufio"
	"encoding/json"
	"io"
	"iter"
	"os"
	"time"

	"tx/internal/txerr"
)

// maxLineBytes bounds a single transcript line; agent tool inputs can
// embed whole files.
const maxLineBytes = 16 * 1024 * 1024

// ToolCall is one tool invocation extracted from a transcript.
type ToolCall struct {
	Timestamp time.Time       `json:"timestamp"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// transcript line shapes. Flat records carry the call directly; agent
// adapters also emit assistant messages with embedded tool_use blocks.
type transcriptLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Name      string          `json:"name"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolCalls yields tool calls from an NDJSON stream in order. Lines
// that are not valid JSON or carry no tool call are skipped. A read
// error is yielded last with a zero ToolCall.
func ToolCalls(r io.Reader) iter.Seq2[ToolCall, error] {
	return func(yield func(ToolCall, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec transcriptLine
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			ts := parseTimestamp(rec.Timestamp)
			for _, call := range extractCalls(&rec, ts) {
				if !yield(call, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(ToolCall{}, txerr.Wrap(txerr.CodeValidationError, err, "read transcript"))
		}
	}
}

// ToolCallsFromFile opens a transcript and collects its tool calls.
func ToolCallsFromFile(path string) ([]ToolCall, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeValidationError, err, "open transcript %s", path)
	}
	defer f.Close()

	var calls []ToolCall
	for call, err := range ToolCalls(f) {
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func extractCalls(rec *transcriptLine, ts time.Time) []ToolCall {
	// Flat record: {"type":"tool_call","name":...} or {"tool":...}.
	name := rec.Name
	if name == "" {
		name = rec.Tool
	}
	if name != "" && rec.Message == nil {
		return []ToolCall{{Timestamp: ts, Name: name, Input: rec.Input}}
	}
	if rec.Message == nil {
		return nil
	}
	// Assistant message with embedded tool_use blocks.
	var calls []ToolCall
	for _, block := range rec.Message.Content {
		if block.Type != "tool_use" || block.Name == "" {
			continue
		}
		calls = append(calls, ToolCall{Timestamp: ts, Name: block.Name, Input: block.Input})
	}
	return calls
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
