package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"canvaspix/internal/placement"
	"canvaspix/internal/protocol"
)

func chunkKey(canvasID, i, j uint8) string {
	return fmt.Sprintf("ch:%d:%d:%d", canvasID, i, j)
}

// Chunks keeps one Redis string of palette indices per chunk. A chunk that
// was never written reads as nil; a short chunk is zero padded by the
// reader.
type Chunks struct {
	rdb redis.Cmdable
}

var _ placement.ChunkStore = (*Chunks)(nil)

func NewChunks(rdb redis.Cmdable) *Chunks {
	return &Chunks{rdb: rdb}
}

func (c *Chunks) GetChunk(ctx context.Context, canvasID, i, j uint8) ([]byte, error) {
	s, err := c.rdb.GetRange(ctx, chunkKey(canvasID, i, j), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get chunk %d:%d:%d: %w", canvasID, i, j, err)
	}
	if s == "" {
		return nil, nil
	}
	return []byte(s), nil
}

// SetPixels writes every pixel in one pipelined round trip.
func (c *Chunks) SetPixels(ctx context.Context, canvasID, i, j uint8, pixels []protocol.Pixel) error {
	key := chunkKey(canvasID, i, j)
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, px := range pixels {
			pipe.SetRange(ctx, key, int64(px.Offset), string([]byte{px.Color}))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set pixels %d:%d:%d: %w", canvasID, i, j, err)
	}
	return nil
}

// SetChunk replaces a whole chunk.
func (c *Chunks) SetChunk(ctx context.Context, canvasID, i, j uint8, data []byte) error {
	if err := c.rdb.Set(ctx, chunkKey(canvasID, i, j), data, 0).Err(); err != nil {
		return fmt.Errorf("set chunk %d:%d:%d: %w", canvasID, i, j, err)
	}
	return nil
}
