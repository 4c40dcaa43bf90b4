package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// Chunk is a run of consecutive messages handed to the extractor together
// with the byte range it covers. The range includes malformed lines skipped
// inside it, so advancing a cursor to End never re-reads them.
type Chunk struct {
	FilePath     string
	Messages     []Record
	Start        int64
	End          int64
	FirstMessage int // index of Messages[0] within the read
	LastMessage  int
	Skipped      int  // malformed lines inside the range
	Open         bool // ended by end of input rather than a chunk boundary
}

// Hash fingerprints the chunk by file path and message content.
func (c Chunk) Hash() string {
	h := sha256.New()
	h.Write([]byte(c.FilePath))
	for _, m := range c.Messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
		h.Write([]byte{0})
		h.Write([]byte(m.Text))
		for _, tc := range m.ToolCalls {
			h.Write([]byte{1})
			h.Write([]byte(tc))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Render formats the chunk for the extraction prompt, one message per line:
//
//	[user @ 2026-01-02T10:00:00Z] text (tools: grep, edit)
func (c Chunk) Render() string {
	var b strings.Builder
	for i, m := range c.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		if m.Timestamp.IsZero() {
			fmt.Fprintf(&b, "[%s] ", m.Role)
		} else {
			fmt.Fprintf(&b, "[%s @ %s] ", m.Role, m.Timestamp.UTC().Format(time.RFC3339))
		}
		b.WriteString(m.Text)
		if len(m.ToolCalls) > 0 {
			if m.Text != "" {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "(tools: %s)", strings.Join(m.ToolCalls, ", "))
		}
	}
	return b.String()
}

// Chunker groups records into chunks of MinMessages to roughly MaxMessages.
//
// Once a chunk holds MinMessages it closes before the next user message that
// starts a new exchange. Once it holds MaxMessages it closes at any change of
// speaker. Consecutive messages from one speaker are never split, so a long
// monologue can exceed MaxMessages.
type Chunker struct {
	MinMessages int
	MaxMessages int
}

// DefaultChunker returns the 10 to 15 message chunker.
func DefaultChunker() Chunker {
	return Chunker{MinMessages: 10, MaxMessages: 15}
}

// Chunks groups the records of one read that began at byte start. Malformed
// records (with a *ParseError) are folded into the surrounding chunk's range.
// Any other error is yielded once and ends the sequence. The final chunk at
// end of input is marked Open. It may be shorter than MinMessages, or hold
// no messages at all when only malformed lines remained, and a later read
// may still extend its last speaker's turn.
func (c Chunker) Chunks(path string, start int64, records iter.Seq2[Record, error]) iter.Seq2[Chunk, error] {
	minMsgs, maxMsgs := c.MinMessages, c.MaxMessages
	if minMsgs < 1 {
		minMsgs = 1
	}
	if maxMsgs < minMsgs {
		maxMsgs = minMsgs
	}

	return func(yield func(Chunk, error) bool) {
		cur := Chunk{FilePath: path, Start: start, End: start}
		index := 0

		flush := func() bool {
			if len(cur.Messages) == 0 && cur.Skipped == 0 {
				return true
			}
			ok := yield(cur, nil)
			cur = Chunk{FilePath: path, Start: cur.End, End: cur.End, FirstMessage: index}
			return ok
		}

		for rec, err := range records {
			if err != nil {
				var pe *ParseError
				if errors.As(err, &pe) {
					cur.End = pe.End
					cur.Skipped++
					continue
				}
				yield(Chunk{}, err)
				return
			}

			if n := len(cur.Messages); n > 0 && closesBefore(cur.Messages[n-1].Role, rec.Role, n, minMsgs, maxMsgs) {
				if !flush() {
					return
				}
			}

			if len(cur.Messages) == 0 {
				cur.FirstMessage = index
			}
			cur.Messages = append(cur.Messages, rec)
			cur.LastMessage = index
			cur.End = rec.End
			index++
		}

		cur.Open = true
		flush()
	}
}

// closesBefore reports whether a chunk of n messages ending with role prev
// should close before a message from next.
func closesBefore(prev, next Role, n, minMsgs, maxMsgs int) bool {
	if prev == next {
		return false
	}
	if n >= maxMsgs {
		return true
	}
	return n >= minMsgs && next == RoleUser
}
