package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/abdon-gadgets/merge-jwl/internal/wasm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// uploader streams backups into module-owned vectors.
type uploader struct {
	mem       *wasm.Memory
	chunkSize int
	logger    *zap.Logger
}

func newUploader(mem *wasm.Memory, chunkSize int, logger *zap.Logger) *uploader {
	return &uploader{
		mem:       mem,
		chunkSize: chunkSize,
		logger:    logger.With(zap.String("component", "uploader")),
	}
}

// upload copies src into a new vector of exactly src.Size() bytes.
// On any error the vector is released before returning.
func (u *uploader) upload(ctx context.Context, src Source) (*wasm.Vector, error) {
	size := src.Size()
	if size < 0 || size > math.MaxUint32 {
		return nil, &TransferError{
			Source:   src.Name(),
			Kind:     TransferRead,
			Declared: size,
			Err:      fmt.Errorf("declared size out of range"),
		}
	}

	chunks, err := openChunks(src, u.chunkSize)
	if err != nil {
		return nil, &TransferError{Source: src.Name(), Kind: TransferRead, Declared: size, Err: err}
	}
	defer chunks.Close()

	vec, err := u.mem.Allocate(ctx, uint32(size))
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes for %s: %w", size, src.Name(), err)
	}

	pos, err := u.fill(ctx, vec, chunks, src)
	if err != nil {
		if relErr := u.mem.Release(ctx, vec); relErr != nil {
			u.logger.Error("Failed to release partial upload",
				zap.String("source", src.Name()),
				zap.Error(relErr),
			)
		}
		return nil, err
	}

	if err := u.mem.SetLength(ctx, vec, pos); err != nil {
		_ = u.mem.Release(ctx, vec)
		return nil, err
	}

	u.logger.Debug("Upload complete",
		zap.String("source", src.Name()),
		zap.Uint32("bytes", pos),
	)
	return vec, nil
}

func (u *uploader) fill(ctx context.Context, vec *wasm.Vector, chunks ChunkReader, src Source) (uint32, error) {
	capacity := u.mem.Capacity(vec)
	var pos uint32
	for {
		if err := ctx.Err(); err != nil {
			return pos, &TransferError{Source: src.Name(), Kind: TransferRead,
				Declared: src.Size(), Received: int64(pos), Err: err}
		}

		chunk, err := chunks.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pos, &TransferError{Source: src.Name(), Kind: TransferRead,
				Declared: src.Size(), Received: int64(pos), Err: err}
		}

		if uint64(pos)+uint64(len(chunk)) > uint64(capacity) {
			return pos, &TransferError{Source: src.Name(), Kind: TransferOverflow,
				Declared: src.Size(), Received: int64(pos) + int64(len(chunk))}
		}
		if err := u.mem.WriteAt(vec, pos, chunk); err != nil {
			return pos, &TransferError{Source: src.Name(), Kind: TransferRead,
				Declared: src.Size(), Received: int64(pos), Err: err}
		}
		pos += uint32(len(chunk))
	}

	if pos != capacity {
		return pos, &TransferError{Source: src.Name(), Kind: TransferTruncated,
			Declared: src.Size(), Received: int64(pos)}
	}
	return pos, nil
}

// uploadAll streams every source concurrently. Either every vector is
// returned in source order, or none is and all of them were released.
func (u *uploader) uploadAll(ctx context.Context, sources []Source) ([]*wasm.Vector, error) {
	vectors := make([]*wasm.Vector, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			v, err := u.upload(gctx, src)
			if err != nil {
				return err
			}
			vectors[i] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, v := range vectors {
			if v == nil {
				continue
			}
			if relErr := u.mem.Release(ctx, v); relErr != nil {
				u.logger.Error("Failed to release upload after failure", zap.Error(relErr))
			}
		}
		return nil, err
	}
	return vectors, nil
}
