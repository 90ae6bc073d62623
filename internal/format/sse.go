package format

import (
	"strings"
)

// StreamTransformer rewrites an SSE stream chunk by chunk, unwrapping the
// response envelope from each data line. Chunks can split lines anywhere, so
// incomplete lines are buffered until their remainder arrives.
type StreamTransformer struct {
	buffer strings.Builder
}

// NewStreamTransformer creates a StreamTransformer
func NewStreamTransformer() *StreamTransformer {
	return &StreamTransformer{}
}

// Transform processes one chunk and returns the transformed output for every
// complete line it contains. The trailing partial line is held back.
func (t *StreamTransformer) Transform(chunk []byte) []byte {
	t.buffer.Write(chunk)
	data := t.buffer.String()

	lastNewline := strings.LastIndexByte(data, '\n')
	if lastNewline < 0 {
		return nil
	}

	complete := data[:lastNewline+1]
	t.buffer.Reset()
	t.buffer.WriteString(data[lastNewline+1:])

	var out strings.Builder
	out.Grow(len(complete))
	for _, line := range strings.SplitAfter(complete, "\n") {
		if line == "" {
			continue
		}
		out.WriteString(transformSSELine(line))
	}
	return []byte(out.String())
}

// Flush returns whatever is left in the buffer once the stream ends
func (t *StreamTransformer) Flush() []byte {
	if t.buffer.Len() == 0 {
		return nil
	}
	remainder := t.buffer.String()
	t.buffer.Reset()
	return []byte(transformSSELine(remainder))
}

// transformSSELine unwraps the envelope from one SSE line. Comment lines,
// [DONE] markers, and anything that is not a data line pass through as-is.
func transformSSELine(line string) string {
	trimmed := strings.TrimRight(line, "\r\n")
	suffix := line[len(trimmed):]

	if !strings.HasPrefix(trimmed, "data:") {
		return line
	}
	payload := strings.TrimSpace(trimmed[len("data:"):])
	if payload == "" || payload == "[DONE]" {
		return line
	}

	unwrapped := UnwrapResponse([]byte(payload))
	return "data: " + string(unwrapped) + suffix
}
