package session

import (
	"bytes"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/internal/driver"
)

// recorder accumulates chunks drained from the page.
type recorder struct {
	mu     sync.Mutex
	chunks []driver.Chunk
}

func (r *recorder) add(chunks []driver.Chunk) {
	if len(chunks) == 0 {
		return
	}
	r.mu.Lock()
	r.chunks = append(r.chunks, chunks...)
	r.mu.Unlock()
}

// span reports how many chunks were collected and the time between the
// first and last of them, by page timestamp.
func (r *recorder) span() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) == 0 {
		return 0, 0
	}
	first, last := r.chunks[0].Time(), r.chunks[0].Time()
	for _, chunk := range r.chunks[1:] {
		at := chunk.Time()
		if at.Before(first) {
			first = at
		}
		if at.After(last) {
			last = at
		}
	}
	return len(r.chunks), last.Sub(first)
}

// assemble concatenates the chunks in page order. A chunk that fails to
// decode is logged and skipped; the rest are still assembled.
func (r *recorder) assemble(log *zap.Logger) ([]byte, int) {
	r.mu.Lock()
	chunks := append([]driver.Chunk(nil), r.chunks...)
	r.mu.Unlock()

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })

	var (
		buf    bytes.Buffer
		failed int
	)
	for _, chunk := range chunks {
		data, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			failed++
			log.Warn("skipping undecodable audio chunk", zap.Int("seq", chunk.Seq), zap.Error(err))
			continue
		}
		buf.Write(data)
	}
	return buf.Bytes(), failed
}
