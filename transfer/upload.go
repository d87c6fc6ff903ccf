package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"linkbridge/protocol"
	"linkbridge/transport"
)

func (e *Engine) runUpload(ctx context.Context, w *worker, rec Record) error {
	file, err := os.Open(rec.FilePath)
	if err != nil {
		return fmt.Errorf("%w: source file missing: %v", ErrIO, err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat source: %v", ErrIO, err)
	}
	if info.Size() != rec.TotalSize {
		return fmt.Errorf("%w: source size changed from %d to %d", ErrChecksumMismatch, rec.TotalSize, info.Size())
	}
	if rec.TransferredSize > 0 && rec.Checksum != "" {
		checksum, err := FileChecksum(rec.FilePath, rec.ChecksumAlgorithm)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if !strings.EqualFold(checksum, rec.Checksum) {
			return fmt.Errorf("%w: source changed since transfer started", ErrChecksumMismatch)
		}
	}

	chunkSize := rec.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.opts.ChunkSize
	}

	request := protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":            protocol.ActionRequest,
		"transferId":        rec.TransferID,
		"fileName":          rec.FileName,
		"fileSize":          rec.TotalSize,
		"checksum":          rec.Checksum,
		"checksumAlgorithm": rec.ChecksumAlgorithm,
		"chunkSize":         chunkSize,
		"compression":       rec.Compression,
		"resumeFrom":        rec.NextChunk(),
		"targetDeviceId":    rec.PeerID,
	})
	if err := e.sendChunkEnvelope(request); err != nil {
		return err
	}
	if err := waitOrDone(ctx, e.opts.GracePeriod); err != nil {
		return err
	}

	limit := rate.Inf
	if e.opts.ChunkDelay > 0 {
		limit = rate.Every(e.opts.ChunkDelay)
	}
	pacer := rate.NewLimiter(limit, 1)

	offset := rec.TransferredSize
	chunkIndex := rec.NextChunk()
	buffer := make([]byte, chunkSize)
	for offset < rec.TotalSize {
		if err := pacer.Wait(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := file.ReadAt(buffer, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: read chunk %d: %v", ErrIO, chunkIndex, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: source truncated at offset %d", ErrIO, offset)
		}

		payload, err := compressChunk(rec.Compression, buffer[:n])
		if err != nil {
			return err
		}
		chunk := protocol.New(protocol.TypeFileTransfer, map[string]any{
			"action":      protocol.ActionChunk,
			"transferId":  rec.TransferID,
			"chunkNumber": chunkIndex,
			"chunkSize":   n,
			"offset":      offset,
			"totalSize":   rec.TotalSize,
			"data":        base64.StdEncoding.EncodeToString(payload),
		})
		if err := e.sendChunkEnvelope(chunk); err != nil {
			return err
		}

		offset += int64(n)
		if _, ok := e.advance(rec.TransferID, offset, chunkIndex); !ok {
			return nil
		}
		chunkIndex++
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	done := protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionComplete,
		"transferId": rec.TransferID,
		"success":    true,
		"checksum":   rec.Checksum,
	})
	if err := e.sendChunkEnvelope(done); err != nil {
		return err
	}
	e.complete(rec.TransferID)
	return nil
}

// sendChunkEnvelope refuses to send over a dropped transport so the record
// fails instead of silently losing data.
func (e *Engine) sendChunkEnvelope(env *protocol.Envelope) error {
	if !e.sender.IsConnected() {
		return fmt.Errorf("%w: transport disconnected", transport.ErrNotConnected)
	}
	if err := e.sender.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", env.String("action"), err)
	}
	return nil
}

// runDownloadRequest asks the peer to start or resume sending, then holds
// the worker slot until the inbound side settles the record.
func (e *Engine) runDownloadRequest(ctx context.Context, w *worker, rec Record) error {
	request := protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":         protocol.ActionDownloadRequest,
		"transferId":     rec.TransferID,
		"filePath":       rec.RemotePath,
		"resumeFrom":     rec.NextChunk(),
		"targetDeviceId": rec.PeerID,
	})
	if err := e.sendChunkEnvelope(request); err != nil {
		return err
	}
	e.log.Debug("download requested", zap.String("transfer_id", rec.TransferID), zap.String("remote_path", rec.RemotePath))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.settled:
		return nil
	}
}
