package messaging

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// TextChunkBudget is the maximum body size sent in a single envelope;
// larger bodies are split into TEXT_CHUNK payloads.
const TextChunkBudget = 64 * 1024

// SplitText cuts a body into chunks of at most budget bytes. Cuts land on
// rune boundaries so each chunk stays valid UTF-8 and survives JSON
// encoding byte-identically.
func SplitText(text string, budget int) []string {
	if budget <= 0 || len(text) <= budget {
		return []string{text}
	}
	var out []string
	for len(text) > budget {
		cut := budget
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			// Not valid UTF-8 at all; fall back to a raw cut.
			cut = budget
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return append(out, text)
}

type chunkBuffer struct {
	kind   PayloadType
	total  int
	parts  []string
	filled []bool
	have   int
}

// assembler reassembles chunked bodies arriving in any order. Buffers are
// keyed by (session id, message id); a chunk whose metadata disagrees
// with the buffer's discards the whole buffer.
type assembler struct {
	mu   sync.Mutex
	bufs map[string]*chunkBuffer
}

func newAssembler() *assembler {
	return &assembler{bufs: make(map[string]*chunkBuffer)}
}

// add feeds one validated chunk. When the final piece lands it returns
// the reassembled body and true.
func (a *assembler) add(sid string, p *TextChunkPayload) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := sid + ":" + p.ID
	buf, ok := a.bufs[key]
	if ok && (buf.total != p.TotalChunks || buf.kind != p.Kind) {
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
			"message_id": p.ID,
		}).Warn("chunk metadata mismatch; discarding buffer")
		delete(a.bufs, key)
		return "", false, fmt.Errorf("%w: inconsistent chunk metadata", ErrInvalidPayload)
	}
	if !ok {
		buf = &chunkBuffer{
			kind:   p.Kind,
			total:  p.TotalChunks,
			parts:  make([]string, p.TotalChunks),
			filled: make([]bool, p.TotalChunks),
		}
		a.bufs[key] = buf
	}

	if !buf.filled[p.ChunkIndex] {
		buf.parts[p.ChunkIndex] = p.Chunk
		buf.filled[p.ChunkIndex] = true
		buf.have++
	}
	if buf.have < buf.total {
		return "", false, nil
	}

	delete(a.bufs, key)
	var body strings.Builder
	for _, part := range buf.parts {
		body.WriteString(part)
	}
	return body.String(), true, nil
}

// drop discards any partial buffer for a message.
func (a *assembler) drop(sid, id string) {
	a.mu.Lock()
	delete(a.bufs, sid+":"+id)
	a.mu.Unlock()
}
