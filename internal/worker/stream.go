package worker

import (
	"strings"

	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// crSquasher buffers partial lines per stream name and distinguishes a
// carriage-return progress update (text containing '\r' but no '\n') from
// a completed line, ported from the original worker's _StreamForwarder: a
// bare '\r...'-terminated fragment becomes a stream_update that replaces
// the previous progress line instead of piling up one stream event per
// tick of a progress bar.
type crSquasher struct {
	buf map[workerproto.StreamName]*strings.Builder
}

type streamChunk struct {
	isUpdate bool
	text     string
}

// feed consumes one write and returns zero or more chunks ready to publish:
// completed lines (including their trailing '\n') are flushed immediately;
// a trailing partial line is held back until the next write completes it.
func (c *crSquasher) feed(name workerproto.StreamName, text string) []streamChunk {
	if text == "" {
		return nil
	}
	if strings.Contains(text, "\r") && !strings.Contains(text, "\n") {
		segments := strings.Split(text, "\r")
		return []streamChunk{{isUpdate: true, text: segments[len(segments)-1]}}
	}
	if c.buf == nil {
		c.buf = make(map[workerproto.StreamName]*strings.Builder)
	}
	b, ok := c.buf[name]
	if !ok {
		b = &strings.Builder{}
		c.buf[name] = b
	}
	var chunks []streamChunk
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if i < len(lines)-1 {
			b.WriteString(line)
			chunks = append(chunks, streamChunk{text: b.String() + "\n"})
			b.Reset()
		} else if line != "" {
			b.WriteString(line)
		}
	}
	return chunks
}
