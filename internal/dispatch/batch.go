package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultChunkTimeout = 10 * time.Second

// ChunkSender performs one vendor call. It must return one result per message
// in chunk order, or an error when the call failed as a whole.
type ChunkSender func(ctx context.Context, chunk []Message) ([]Result, error)

// Batch splits a send into vendor sized chunks.
type Batch struct {
	Size     int
	Timeout  time.Duration
	Validate func(token string) error
	Log      *zap.Logger
}

// Send runs send for every chunk and stitches the results back into input
// order. Malformed tokens never reach the vendor and a failed chunk marks its
// own messages as transport failures only.
func (b Batch) Send(ctx context.Context, messages []Message, send ChunkSender) []Result {
	results := make([]Result, len(messages))
	log := b.Log
	if log == nil {
		log = zap.NewNop()
	}

	pending := make([]int, 0, len(messages))
	for i, m := range messages {
		if b.Validate != nil {
			if err := b.Validate(m.To); err != nil {
				log.Warn("skipping malformed token", zap.Int("index", i), zap.Error(err))
				results[i] = Result{To: m.To, ErrorReason: ReasonTransport}
				continue
			}
		}
		pending = append(pending, i)
	}

	size := b.Size
	if size <= 0 {
		size = len(pending)
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultChunkTimeout
	}

	for start := 0; start < len(pending); start += size {
		end := min(start+size, len(pending))
		indexes := pending[start:end]

		chunk := make([]Message, len(indexes))
		for j, idx := range indexes {
			chunk[j] = messages[idx]
		}

		chunkResults, err := b.sendChunk(ctx, timeout, chunk, send)
		if err == nil && len(chunkResults) != len(chunk) {
			log.Error("provider returned mismatched result count",
				zap.Int("expected", len(chunk)), zap.Int("got", len(chunkResults)))
			chunkResults = nil
		}
		if err != nil {
			log.Warn("chunk send failed", zap.Int("chunk_start", start), zap.Int("chunk_size", len(chunk)), zap.Error(err))
		}
		if chunkResults == nil {
			chunkResults = FailAll(chunk, ReasonTransport)
		}

		for j, idx := range indexes {
			r := chunkResults[j]
			r.To = messages[idx].To
			results[idx] = r
		}
	}
	return results
}

func (b Batch) sendChunk(ctx context.Context, timeout time.Duration, chunk []Message, send ChunkSender) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return send(ctx, chunk)
}
