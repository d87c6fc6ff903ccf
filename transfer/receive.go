package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"linkbridge/protocol"
)

// sink is the open target file of one download.
type sink struct {
	mu        sync.Mutex
	file      *os.File
	closed    bool
	verifying bool
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// OnMessage consumes file_transfer envelopes from the active connection.
// Other envelope types are ignored.
func (e *Engine) OnMessage(env *protocol.Envelope) {
	if env == nil || env.Type != protocol.TypeFileTransfer {
		return
	}
	switch action := env.String("action"); action {
	case protocol.ActionRequest:
		e.acceptIncoming(env)
	case protocol.ActionChunk:
		e.writeChunk(env)
	case protocol.ActionProgress:
		received, _ := env.Int64("transferredSize")
		e.log.Debug("peer progress", zap.String("transfer_id", env.String("transferId")), zap.Int64("received", received))
	case protocol.ActionComplete:
		e.remoteComplete(env)
	case protocol.ActionCancel:
		e.remoteCancel(env)
	case protocol.ActionDownloadRequest:
		e.serveDownload(env)
	default:
		e.log.Warn("unknown file transfer action", zap.String("action", action))
	}
}

// acceptIncoming opens (or reopens on resume) the target file of a download
// announced by the sending peer.
func (e *Engine) acceptIncoming(env *protocol.Envelope) {
	transferID := env.String("transferId")
	fileName := sanitizeFileName(env.String("fileName"))
	totalSize, _ := env.Int64("fileSize")
	if transferID == "" || fileName == "" || totalSize < 0 {
		e.log.Warn("ignoring malformed transfer request", zap.String("transfer_id", transferID))
		return
	}
	chunkSize, _ := env.Int64("chunkSize")
	compression := normalizeCompression(env.String("compression"))
	if !ValidCompression(compression) {
		e.log.Warn("rejecting transfer with unsupported compression", zap.String("compression", compression))
		e.sendBestEffort(completeEnvelope(transferID, false, "unsupported compression"))
		return
	}
	algorithm := env.String("checksumAlgorithm")
	if algorithm == "" {
		algorithm = DefaultChecksum
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	rec, known := e.records[transferID]
	if known && rec.Direction != DirectionDownload {
		e.mu.Unlock()
		e.log.Warn("transfer request collides with a local upload", zap.String("transfer_id", transferID))
		return
	}
	if known && (rec.Status == StatusCompleted || rec.Status == StatusCancelled) {
		e.mu.Unlock()
		return
	}
	now := nowMillis()
	if !known {
		rec = &Record{
			TransferID:     transferID,
			Direction:      DirectionDownload,
			PeerID:         env.String("peerId"),
			FileName:       fileName,
			LastChunkIndex: -1,
			StartedAt:      now,
		}
		e.records[transferID] = rec
	}
	if rec.FilePath == "" {
		rec.FilePath = e.downloadPath(transferID, fileName)
	}
	previous := rec.Status
	if chunkSize <= 0 {
		chunkSize = int64(rec.ChunkSize)
	}
	switch {
	case rec.TotalSize != totalSize || rec.Checksum != env.String("checksum") || int64(rec.ChunkSize) != chunkSize:
		// A different source or chunk layout restarts from scratch.
		rec.restart()
	case previous == StatusFailed && strings.HasPrefix(rec.ErrorMessage, ErrChecksumMismatch.Error()):
		// Verification failed, so no written chunk can be trusted.
		rec.restart()
	default:
		if resumeFrom, ok := env.Int64("resumeFrom"); ok && resumeFrom >= 0 && chunkSize > 0 {
			rec.rewindTo(int(resumeFrom), chunkSize)
		}
	}
	rec.TotalSize = totalSize
	rec.Checksum = env.String("checksum")
	rec.ChecksumAlgorithm = algorithm
	rec.Compression = compression
	rec.ChunkSize = int(chunkSize)
	rec.Status = StatusInProgress
	rec.ErrorMessage = ""
	rec.UpdatedAt = now
	path := rec.FilePath
	snapshot := *rec
	e.mu.Unlock()

	if err := e.openSink(transferID, path, totalSize); err != nil {
		e.persist(transferID)
		e.fail(transferID, err)
		return
	}
	e.persist(transferID)
	if previous != StatusInProgress {
		e.logTransition(snapshot, previous)
		e.notifyStatus(snapshot, previous)
	}

	if snapshot.received() {
		e.finishDownload(transferID)
	}
}

func (e *Engine) downloadPath(transferID, fileName string) string {
	path := filepath.Join(e.opts.DownloadDir, fileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	return filepath.Join(e.opts.DownloadDir, transferID+"_"+fileName)
}

func (e *Engine) openSink(transferID, path string, totalSize int64) error {
	if err := e.closeSink(transferID); err != nil {
		e.log.Debug("close previous download file failed", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create download dir: %v", ErrIO, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open download file: %v", ErrIO, err)
	}
	if err := file.Truncate(totalSize); err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: size download file: %v", ErrIO, err)
	}

	e.mu.Lock()
	e.sinks[transferID] = &sink{file: file}
	e.mu.Unlock()
	return nil
}

func (e *Engine) closeSink(transferID string) error {
	e.mu.Lock()
	s := e.sinks[transferID]
	delete(e.sinks, transferID)
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

// writeChunk writes one chunk at its declared offset. Duplicate or reordered
// chunks rewrite the same bytes.
func (e *Engine) writeChunk(env *protocol.Envelope) {
	transferID := env.String("transferId")
	offset, _ := env.Int64("offset")
	chunkNumber, _ := env.Int64("chunkNumber")

	e.mu.Lock()
	rec, ok := e.records[transferID]
	s := e.sinks[transferID]
	if !ok || rec.Direction != DirectionDownload || rec.Status != StatusInProgress || s == nil {
		e.mu.Unlock()
		e.log.Debug("dropping chunk for inactive transfer", zap.String("transfer_id", transferID), zap.Int64("chunk", chunkNumber))
		return
	}
	compression := rec.Compression
	totalSize := rec.TotalSize
	chunkSize := int64(rec.ChunkSize)
	e.mu.Unlock()

	encoded, err := env.Bytes("data")
	if err != nil {
		e.log.Warn("dropping undecodable chunk", zap.String("transfer_id", transferID), zap.Error(err))
		return
	}
	data, err := decompressChunk(compression, encoded)
	if err != nil {
		e.fail(transferID, fmt.Errorf("%w: chunk %d: %v", ErrIO, chunkNumber, err))
		return
	}
	end := offset + int64(len(data))
	if offset < 0 || end > totalSize {
		e.log.Warn("dropping chunk outside file bounds",
			zap.String("transfer_id", transferID),
			zap.Int64("offset", offset),
			zap.Int("bytes", len(data)),
			zap.Int64("total", totalSize),
		)
		return
	}

	s.mu.Lock()
	if s.closed || s.verifying {
		s.mu.Unlock()
		return
	}
	_, err = s.file.WriteAt(data, offset)
	s.mu.Unlock()
	if err != nil {
		e.fail(transferID, fmt.Errorf("%w: write chunk %d: %v", ErrIO, chunkNumber, err))
		return
	}

	index := int(chunkNumber)
	if chunkSize > 0 {
		index = int(offset / chunkSize)
	}
	snapshot, ok := e.advance(transferID, end, index)
	if !ok {
		return
	}
	e.sendBestEffort(protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":          protocol.ActionProgress,
		"transferId":      transferID,
		"chunkNumber":     chunkNumber,
		"transferredSize": snapshot.TransferredSize,
		"totalSize":       snapshot.TotalSize,
	}))
	if snapshot.received() {
		e.finishDownload(transferID)
	}
}

// finishDownload verifies the checksum off the receive path and settles the
// record as completed or failed.
func (e *Engine) finishDownload(transferID string) {
	e.mu.Lock()
	s := e.sinks[transferID]
	if e.closed || s == nil {
		e.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.verifying || s.closed {
		s.mu.Unlock()
		e.mu.Unlock()
		return
	}
	s.verifying = true
	s.mu.Unlock()
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		syncErr := func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				return nil
			}
			return s.file.Sync()
		}()
		_ = e.closeSink(transferID)
		if syncErr != nil {
			e.fail(transferID, fmt.Errorf("%w: flush download: %v", ErrIO, syncErr))
			e.sendBestEffort(completeEnvelope(transferID, false, syncErr.Error()))
			return
		}

		rec, ok := e.Get(transferID)
		if !ok || rec.Status != StatusInProgress {
			return
		}
		if rec.Checksum != "" {
			checksum, err := FileChecksum(rec.FilePath, rec.ChecksumAlgorithm)
			if err != nil {
				e.fail(transferID, fmt.Errorf("%w: %v", ErrIO, err))
				e.sendBestEffort(completeEnvelope(transferID, false, err.Error()))
				return
			}
			if !strings.EqualFold(checksum, rec.Checksum) {
				failure := fmt.Errorf("%w: expected %s got %s", ErrChecksumMismatch, rec.Checksum, checksum)
				e.fail(transferID, failure)
				e.sendBestEffort(completeEnvelope(transferID, false, failure.Error()))
				return
			}
		}
		e.complete(transferID)
		e.sendBestEffort(completeEnvelope(transferID, true, ""))
	}()
}

// remoteComplete handles the peer's end-of-transfer report.
func (e *Engine) remoteComplete(env *protocol.Envelope) {
	transferID := env.String("transferId")
	success := env.Bool("success")
	message := env.String("message")

	rec, ok := e.Get(transferID)
	if !ok {
		return
	}
	switch {
	case rec.Direction == DirectionDownload && success && rec.Status == StatusInProgress && !rec.received():
		// The sender is done but a chunk was lost; fail so a resume resends.
		failure := fmt.Errorf("%w: sender finished with chunk %d missing", ErrIO, rec.firstMissingChunk())
		e.fail(transferID, failure)
		e.sendBestEffort(completeEnvelope(transferID, false, failure.Error()))
	case rec.Direction == DirectionDownload && !success && rec.Status == StatusInProgress:
		if message == "" {
			message = "sender aborted transfer"
		}
		e.fail(transferID, errors.New(message))
	case rec.Direction == DirectionUpload && !success && (rec.Status == StatusPending || rec.Status == StatusInProgress):
		if message == "" {
			message = "receiver aborted transfer"
		}
		e.fail(transferID, errors.New(message))
	case rec.Direction == DirectionUpload && !success && rec.Status == StatusCompleted:
		// The receiver rejected the bytes; start over on the next resume.
		e.mu.Lock()
		if current, ok := e.records[transferID]; ok {
			current.TransferredSize = 0
			current.LastChunkIndex = -1
		}
		e.mu.Unlock()
		if message == "" {
			message = "receiver rejected transfer"
		}
		snapshot, previous, changed := e.transition(transferID, StatusFailed, message, []Status{StatusCompleted})
		if changed {
			e.notifyStatus(snapshot, previous)
			e.notifyCompleted(snapshot)
		}
	default:
		e.log.Debug("peer reported completion",
			zap.String("transfer_id", transferID),
			zap.Bool("success", success),
		)
	}
}

func (e *Engine) remoteCancel(env *protocol.Envelope) {
	transferID := env.String("transferId")
	rec, ok := e.Get(transferID)
	if !ok || rec.Status == StatusCompleted || rec.Status == StatusCancelled {
		return
	}
	e.log.Info("peer cancelled transfer", zap.String("transfer_id", transferID))
	if err := e.Cancel(transferID); err != nil && !errors.Is(err, ErrInvalidState) {
		e.log.Warn("apply peer cancel failed", zap.String("transfer_id", transferID), zap.Error(err))
	}
}

// serveDownload starts an upload of a shared file for a peer's
// download_request, or resumes the upload it already knows.
func (e *Engine) serveDownload(env *protocol.Envelope) {
	transferID := env.String("transferId")
	requested := env.String("filePath")
	peerID := env.String("peerId")

	if rec, ok := e.Get(transferID); ok {
		if rec.Direction != DirectionUpload {
			return
		}
		if !rec.Status.Resumable() {
			e.log.Debug("download request for active upload", zap.String("transfer_id", transferID), zap.String("status", string(rec.Status)))
			return
		}
		if resumeFrom, ok := env.Int64("resumeFrom"); ok && resumeFrom >= 0 {
			e.rewind(transferID, int(resumeFrom))
		}
		if err := e.Resume(transferID); err != nil {
			e.log.Warn("resume requested upload failed", zap.String("transfer_id", transferID), zap.Error(err))
		}
		return
	}

	path, err := e.resolveShared(requested)
	if err != nil {
		e.log.Warn("refusing download request", zap.String("path", requested), zap.Error(err))
		e.sendBestEffort(completeEnvelope(transferID, false, err.Error()))
		return
	}
	if transferID == "" {
		transferID = NewTransferID()
	}
	if _, err := e.startUpload(path, peerID, transferID); err != nil {
		e.log.Warn("serve download failed", zap.String("path", path), zap.Error(err))
		e.sendBestEffort(completeEnvelope(transferID, false, err.Error()))
	}
}

// rewind moves a resumable upload back to the receiver's position when the
// receiver has less than the sender believes it sent.
func (e *Engine) rewind(transferID string, resumeFrom int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[transferID]
	if !ok || !rec.Status.Resumable() || rec.ChunkSize <= 0 {
		return
	}
	position := int64(resumeFrom) * int64(rec.ChunkSize)
	if position < rec.TransferredSize {
		rec.TransferredSize = position
		rec.LastChunkIndex = resumeFrom - 1
	}
}

func (e *Engine) resolveShared(requested string) (string, error) {
	if e.opts.ShareDir == "" {
		return "", fmt.Errorf("%w: sharing disabled", ErrNotShared)
	}
	if strings.TrimSpace(requested) == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotShared)
	}
	root, err := filepath.Abs(e.opts.ShareDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotShared, err)
	}
	candidate := filepath.FromSlash(requested)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrNotShared, requested)
	}
	return candidate, nil
}

func completeEnvelope(transferID string, success bool, message string) *protocol.Envelope {
	env := protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionComplete,
		"transferId": transferID,
		"success":    success,
	})
	if message != "" {
		env.Set("message", message)
	}
	return env
}

func sanitizeFileName(name string) string {
	name = filepath.Base(filepath.FromSlash(strings.TrimSpace(name)))
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return ""
	}
	return name
}
