// Package transfer moves files as resumable, checksummed chunk streams over
// whatever transport the connection layer currently provides.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"linkbridge/events"
	"linkbridge/protocol"
	"linkbridge/storage"
	"linkbridge/transport"
)

const (
	defaultChunkSize     = 1 << 20
	defaultMaxConcurrent = 3
	defaultGracePeriod   = 500 * time.Millisecond
	defaultChunkDelay    = 10 * time.Millisecond
	defaultHistoryLimit  = 50
)

var (
	// ErrChecksumMismatch indicates the transferred bytes do not hash to the
	// announced checksum, or the source changed before a resume.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrIO indicates a local file read or write failure.
	ErrIO = errors.New("transfer: file i/o failed")
	// ErrNotFound indicates an unknown transfer id.
	ErrNotFound = errors.New("transfer: not found")
	// ErrInvalidState indicates an operation not allowed in the current status.
	ErrInvalidState = errors.New("transfer: invalid state")
	// ErrCapacityExceeded indicates the engine is shutting down or saturated.
	ErrCapacityExceeded = errors.New("transfer: capacity exceeded")
	// ErrNotShared indicates a download request outside the share directory.
	ErrNotShared = errors.New("transfer: path is not shared")
)

// Sender is the outbound side of the active connection.
type Sender interface {
	Send(env *protocol.Envelope) error
	IsConnected() bool
}

// Persister stores transfer records as opaque values under string keys.
type Persister interface {
	Save(key string, value []byte) error
	Load(key string) ([]byte, error)
	List(prefix string) ([]storage.Entry, error)
	Delete(key string) error
}

// Options configures an Engine.
type Options struct {
	Sender Sender
	Store  Persister

	ChunkSize         int
	MaxConcurrent     int
	GracePeriod       time.Duration
	ChunkDelay        time.Duration
	ChecksumAlgorithm string
	Compression       string

	// DownloadDir receives inbound files.
	DownloadDir string
	// ShareDir bounds the files a peer may request. Empty disables serving.
	ShareDir string
	// Hold restores records without starting workers, for offline
	// inspection and cleanup.
	Hold bool

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	if o.GracePeriod < 0 {
		o.GracePeriod = 0
	} else if o.GracePeriod == 0 {
		o.GracePeriod = defaultGracePeriod
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	} else if o.ChunkDelay == 0 {
		o.ChunkDelay = defaultChunkDelay
	}
	if o.ChecksumAlgorithm == "" {
		o.ChecksumAlgorithm = DefaultChecksum
	}
	o.Compression = normalizeCompression(o.Compression)
	if o.DownloadDir == "" {
		o.DownloadDir = "downloads"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// worker owns one in_progress record.
type worker struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	// stop is the status a pause or cancel asked the worker to settle in.
	stop Status

	settleOnce sync.Once
	settled    chan struct{}
}

func (w *worker) settle() {
	w.settleOnce.Do(func() { close(w.settled) })
}

// Engine schedules, runs and persists transfers.
type Engine struct {
	opts   Options
	log    *zap.Logger
	sender Sender
	store  Persister
	slots  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	records map[string]*Record
	queue   []string
	workers map[string]*worker
	sinks   map[string]*sink

	persistMu sync.Mutex

	listeners events.Registry[Listener]
}

// New loads persisted records and starts scheduling pending ones. Records
// left in_progress by a previous process are moved to paused.
func New(options Options) (*Engine, error) {
	if options.Sender == nil {
		return nil, errors.New("transfer: sender is required")
	}
	if options.Store == nil {
		return nil, errors.New("transfer: store is required")
	}
	opts := options.withDefaults()
	if !ValidChecksum(opts.ChecksumAlgorithm) {
		return nil, fmt.Errorf("transfer: unsupported checksum algorithm %q", opts.ChecksumAlgorithm)
	}
	if !ValidCompression(opts.Compression) {
		return nil, fmt.Errorf("transfer: unsupported compression %q", opts.Compression)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:    opts,
		log:     opts.Logger.Named("transfer"),
		sender:  opts.Sender,
		store:   opts.Store,
		slots:   semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[string]*Record),
		workers: make(map[string]*worker),
		sinks:   make(map[string]*sink),
	}
	if err := e.restore(); err != nil {
		cancel()
		return nil, err
	}
	e.schedule()
	return e, nil
}

func (e *Engine) restore() error {
	entries, err := e.store.List(KeyPrefix)
	if err != nil {
		return fmt.Errorf("load transfer records: %w", err)
	}

	var pending []*Record
	var recovered []string
	for _, entry := range entries {
		rec, err := decodeRecord(entry.Value)
		if err != nil {
			e.log.Warn("skipping unreadable transfer record", zap.String("key", entry.Key), zap.Error(err))
			continue
		}
		if rec.Status == StatusInProgress {
			rec.Status = StatusPaused
			rec.UpdatedAt = nowMillis()
			recovered = append(recovered, rec.TransferID)
		}
		stored := rec
		e.records[rec.TransferID] = &stored
		if rec.Status == StatusPending {
			pending = append(pending, &stored)
		}
	}

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].StartedAt < pending[j].StartedAt })
	for _, rec := range pending {
		e.queue = append(e.queue, rec.TransferID)
	}
	for _, id := range recovered {
		e.log.Info("interrupted transfer paused", zap.String("transfer_id", id))
		e.persist(id)
	}
	return nil
}

// AddListener subscribes to progress and status notifications.
func (e *Engine) AddListener(listener Listener) uint64 {
	return e.listeners.Add(listener)
}

// RemoveListener unsubscribes a listener.
func (e *Engine) RemoveListener(token uint64) {
	e.listeners.Remove(token)
}

// StartUpload hashes the file, records a pending upload and queues it. A
// missing source file yields a failed record and an error wrapping ErrIO.
func (e *Engine) StartUpload(path, peerID string) (string, error) {
	return e.startUpload(path, peerID, NewTransferID())
}

func (e *Engine) startUpload(path, peerID, transferID string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("transfer: source path is required")
	}

	now := nowMillis()
	rec := &Record{
		TransferID:        transferID,
		Direction:         DirectionUpload,
		PeerID:            peerID,
		FilePath:          path,
		FileName:          filepath.Base(path),
		LastChunkIndex:    -1,
		ChunkSize:         e.opts.ChunkSize,
		ChecksumAlgorithm: e.opts.ChecksumAlgorithm,
		Compression:       e.opts.Compression,
		Status:            StatusPending,
		StartedAt:         now,
		UpdatedAt:         now,
	}

	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		err = errors.New("source path is a directory")
	}
	if err == nil {
		rec.TotalSize = info.Size()
		rec.Checksum, err = FileChecksum(path, e.opts.ChecksumAlgorithm)
	}
	if err != nil {
		failure := fmt.Errorf("%w: source file: %v", ErrIO, err)
		rec.Status = StatusFailed
		rec.ErrorMessage = failure.Error()
		if addErr := e.add(rec, false); addErr != nil {
			return "", addErr
		}
		e.notifyStatus(*rec, "")
		e.notifyCompleted(*rec)
		return rec.TransferID, failure
	}

	if err := e.add(rec, true); err != nil {
		return "", err
	}
	e.log.Info("upload queued",
		zap.String("transfer_id", rec.TransferID),
		zap.String("file", rec.FileName),
		zap.Int64("size", rec.TotalSize),
	)
	e.notifyStatus(*rec, "")
	e.schedule()
	return rec.TransferID, nil
}

// RequestDownload queues a download of remotePath from the peer's share
// directory. The file lands in the download directory.
func (e *Engine) RequestDownload(remotePath, peerID string) (string, error) {
	if strings.TrimSpace(remotePath) == "" {
		return "", errors.New("transfer: remote path is required")
	}
	now := nowMillis()
	rec := &Record{
		TransferID:        NewTransferID(),
		Direction:         DirectionDownload,
		PeerID:            peerID,
		FileName:          filepath.Base(filepath.FromSlash(remotePath)),
		RemotePath:        remotePath,
		LastChunkIndex:    -1,
		ChunkSize:         e.opts.ChunkSize,
		ChecksumAlgorithm: e.opts.ChecksumAlgorithm,
		Status:            StatusPending,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.add(rec, true); err != nil {
		return "", err
	}
	e.log.Info("download queued", zap.String("transfer_id", rec.TransferID), zap.String("remote_path", remotePath))
	e.notifyStatus(*rec, "")
	e.schedule()
	return rec.TransferID, nil
}

func (e *Engine) add(rec *Record, enqueue bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine closed", ErrCapacityExceeded)
	}
	e.records[rec.TransferID] = rec
	if enqueue {
		e.queue = append(e.queue, rec.TransferID)
	}
	e.mu.Unlock()
	e.persist(rec.TransferID)
	return nil
}

// Resume moves a paused or failed transfer back to pending. It continues
// from lastChunkIndex+1.
func (e *Engine) Resume(transferID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine closed", ErrCapacityExceeded)
	}
	rec, ok := e.records[transferID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, transferID)
	}
	if !rec.Status.Resumable() {
		status := rec.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s transfer", ErrInvalidState, status)
	}
	previous := rec.Status
	rec.Status = StatusPending
	rec.ErrorMessage = ""
	rec.UpdatedAt = nowMillis()
	e.queue = append(e.queue, transferID)
	snapshot := *rec
	e.mu.Unlock()

	e.persist(transferID)
	e.log.Info("transfer resumed",
		zap.String("transfer_id", transferID),
		zap.Int("resume_from_chunk", snapshot.NextChunk()),
	)
	e.notifyStatus(snapshot, previous)
	e.schedule()
	return nil
}

// Pause stops the transfer's worker and persists it as paused before
// returning.
func (e *Engine) Pause(transferID string) error {
	return e.stop(transferID, StatusPaused)
}

// Cancel stops the transfer for good, tells the peer and, for downloads,
// removes the partial file. The worker has halted when Cancel returns.
func (e *Engine) Cancel(transferID string) error {
	return e.stop(transferID, StatusCancelled)
}

func (e *Engine) stop(transferID string, target Status) error {
	e.mu.Lock()
	rec, ok := e.records[transferID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, transferID)
	}
	current := rec.Status
	allowed := current == StatusPending || current == StatusInProgress || current == StatusPaused
	if target == StatusCancelled {
		allowed = allowed || current == StatusFailed
	}
	if !allowed || current == target {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot move %s transfer to %s", ErrInvalidState, current, target)
	}

	if w := e.workers[transferID]; w != nil {
		w.stop = target
		w.cancel()
		e.mu.Unlock()
		<-w.done
		return nil
	}
	e.removeQueuedLocked(transferID)
	e.mu.Unlock()

	e.settleStopped(transferID, target)
	return nil
}

func (e *Engine) removeQueuedLocked(transferID string) {
	kept := e.queue[:0]
	for _, id := range e.queue {
		if id != transferID {
			kept = append(kept, id)
		}
	}
	e.queue = kept
}

// settleStopped applies a pause or cancel to a record without a running
// worker, or on behalf of a worker that just exited.
func (e *Engine) settleStopped(transferID string, target Status) {
	e.mu.Lock()
	rec, ok := e.records[transferID]
	if !ok {
		e.mu.Unlock()
		return
	}
	direction := rec.Direction
	path := rec.FilePath
	e.mu.Unlock()

	if direction == DirectionDownload {
		if err := e.closeSink(transferID); err != nil {
			e.log.Warn("close download file failed", zap.String("transfer_id", transferID), zap.Error(err))
		}
		if target == StatusCancelled && path != "" {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.log.Warn("remove partial download failed", zap.String("path", path), zap.Error(err))
			}
		}
	}

	snapshot, previous, changed := e.transition(transferID, target, "", nil)
	if !changed {
		return
	}
	if target == StatusCancelled {
		e.sendBestEffort(protocol.New(protocol.TypeFileTransfer, map[string]any{
			"action":     protocol.ActionCancel,
			"transferId": transferID,
		}))
	}
	e.notifyStatus(snapshot, previous)
	if target == StatusCancelled {
		e.notifyCompleted(snapshot)
	}
}

// Get returns a copy of the record.
func (e *Engine) Get(transferID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[transferID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Pending returns pending, in_progress and paused records, oldest first.
func (e *Engine) Pending() []Record {
	e.mu.Lock()
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		switch rec.Status {
		case StatusPending, StatusInProgress, StatusPaused:
			out = append(out, *rec)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == out[j].StartedAt {
			return out[i].TransferID < out[j].TransferID
		}
		return out[i].StartedAt < out[j].StartedAt
	})
	return out
}

// History returns up to limit records, most recently updated first. A
// non-positive limit selects 50.
func (e *Engine) History(limit int) []Record {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	e.mu.Lock()
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *rec)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].TransferID > out[j].TransferID
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ClearCompleted forgets completed and cancelled records, in memory and in
// storage, and returns how many were removed.
func (e *Engine) ClearCompleted() (int, error) {
	e.mu.Lock()
	var ids []string
	for id, rec := range e.records {
		if rec.Status == StatusCompleted || rec.Status == StatusCancelled {
			ids = append(ids, id)
			delete(e.records, id)
		}
	}
	e.mu.Unlock()

	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	var err error
	for _, id := range ids {
		if deleteErr := e.store.Delete(recordKey(id)); deleteErr != nil && !errors.Is(deleteErr, storage.ErrNotFound) {
			err = multierr.Append(err, deleteErr)
		}
	}
	e.log.Info("cleared finished transfers", zap.Int("count", len(ids)))
	return len(ids), err
}

// OnStatus fails in-progress downloads when the transport drops so they can
// be resumed once a transport is back.
func (e *Engine) OnStatus(event transport.StatusEvent) {
	if event.Connected {
		return
	}
	e.mu.Lock()
	var affected []string
	for id, rec := range e.records {
		if rec.Direction == DirectionDownload && rec.Status == StatusInProgress {
			affected = append(affected, id)
		}
	}
	e.mu.Unlock()

	for _, id := range affected {
		e.fail(id, fmt.Errorf("%w: transport disconnected", transport.ErrConnectionFailed))
	}
}

// Close pauses running transfers, waits for workers and closes open files.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		if w.stop == "" {
			w.stop = StatusPaused
		}
		workers = append(workers, w)
	}
	var inbound []string
	for id, rec := range e.records {
		if rec.Direction == DirectionDownload && rec.Status == StatusInProgress && e.workers[id] == nil {
			inbound = append(inbound, id)
		}
	}
	e.mu.Unlock()

	e.cancel()
	for _, w := range workers {
		<-w.done
	}
	for _, id := range inbound {
		e.settleStopped(id, StatusPaused)
	}
	e.wg.Wait()

	e.mu.Lock()
	ids := make([]string, 0, len(e.sinks))
	for id := range e.sinks {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var err error
	for _, id := range ids {
		err = multierr.Append(err, e.closeSink(id))
	}
	return err
}

// schedule promotes queued records into free worker slots in FIFO order.
func (e *Engine) schedule() {
	for {
		e.mu.Lock()
		if e.closed || e.opts.Hold || len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		if !e.slots.TryAcquire(1) {
			e.mu.Unlock()
			return
		}
		id := e.queue[0]
		e.queue = e.queue[1:]
		rec := e.records[id]
		if rec == nil || rec.Status != StatusPending || e.workers[id] != nil {
			e.slots.Release(1)
			e.mu.Unlock()
			continue
		}

		ctx, cancel := context.WithCancel(e.ctx)
		w := &worker{id: id, cancel: cancel, done: make(chan struct{}), settled: make(chan struct{})}
		e.workers[id] = w
		previous := rec.Status
		rec.Status = StatusInProgress
		rec.UpdatedAt = nowMillis()
		snapshot := *rec
		e.wg.Add(1)
		e.mu.Unlock()

		e.persist(id)
		e.logTransition(snapshot, previous)
		e.notifyStatus(snapshot, previous)
		go e.runWorker(ctx, w, snapshot)
	}
}

func (e *Engine) runWorker(ctx context.Context, w *worker, rec Record) {
	defer e.wg.Done()

	var err error
	if rec.Direction == DirectionUpload {
		err = e.runUpload(ctx, w, rec)
	} else {
		err = e.runDownloadRequest(ctx, w, rec)
	}

	e.mu.Lock()
	stop := w.stop
	e.mu.Unlock()

	switch {
	case stop != "":
		e.settleStopped(w.id, stop)
	case err != nil:
		e.fail(w.id, err)
	}

	e.mu.Lock()
	delete(e.workers, w.id)
	e.mu.Unlock()
	w.cancel()
	e.slots.Release(1)
	close(w.done)

	e.schedule()
}

// transition moves a record to status. A nil from accepts any non-final
// current status. It returns the new snapshot and the previous status.
func (e *Engine) transition(transferID string, status Status, errMessage string, from []Status) (Record, Status, bool) {
	e.mu.Lock()
	rec, ok := e.records[transferID]
	if !ok {
		e.mu.Unlock()
		return Record{}, "", false
	}
	previous := rec.Status
	allowed := previous != StatusCompleted && previous != StatusCancelled
	if from != nil {
		allowed = false
		for _, candidate := range from {
			if candidate == previous {
				allowed = true
				break
			}
		}
	}
	if !allowed || previous == status {
		e.mu.Unlock()
		return Record{}, previous, false
	}
	rec.Status = status
	rec.ErrorMessage = errMessage
	rec.UpdatedAt = nowMillis()
	snapshot := *rec
	if w := e.workers[transferID]; w != nil && status != StatusInProgress {
		w.settle()
	}
	e.mu.Unlock()

	e.persist(transferID)
	e.logTransition(snapshot, previous)
	return snapshot, previous, true
}

func (e *Engine) fail(transferID string, cause error) {
	if err := e.closeSink(transferID); err != nil {
		e.log.Debug("close download file failed", zap.String("transfer_id", transferID), zap.Error(err))
	}
	snapshot, previous, changed := e.transition(transferID, StatusFailed, cause.Error(),
		[]Status{StatusPending, StatusInProgress})
	if !changed {
		return
	}
	e.notifyStatus(snapshot, previous)
	e.notifyCompleted(snapshot)
}

func (e *Engine) complete(transferID string) {
	snapshot, previous, changed := e.transition(transferID, StatusCompleted, "", []Status{StatusInProgress})
	if !changed {
		return
	}
	e.notifyStatus(snapshot, previous)
	e.notifyCompleted(snapshot)
}

// advance records a sent or written chunk. transferredSize and
// lastChunkIndex only move forward.
func (e *Engine) advance(transferID string, end int64, chunkIndex int) (Record, bool) {
	e.mu.Lock()
	rec, ok := e.records[transferID]
	if !ok || rec.Status != StatusInProgress {
		e.mu.Unlock()
		return Record{}, false
	}
	if end > rec.TransferredSize {
		rec.TransferredSize = end
	}
	if chunkIndex > rec.LastChunkIndex {
		rec.LastChunkIndex = chunkIndex
	}
	if rec.Direction == DirectionDownload && chunkIndex >= 0 {
		rec.ReceivedChunks = withChunk(rec.ReceivedChunks, chunkIndex)
	}
	rec.UpdatedAt = nowMillis()
	snapshot := *rec
	e.mu.Unlock()

	e.persist(transferID)
	e.listeners.Notify(func(l Listener) { l.OnProgress(snapshot) })
	return snapshot, true
}

// persist writes the current state of a record. Writes are serialized so a
// later state never loses to an earlier one.
func (e *Engine) persist(transferID string) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	rec, ok := e.records[transferID]
	var snapshot Record
	if ok {
		snapshot = *rec
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	raw, err := encodeRecord(snapshot)
	if err == nil {
		err = e.store.Save(recordKey(transferID), raw)
	}
	if err != nil {
		e.log.Error("persist transfer record failed", zap.String("transfer_id", transferID), zap.Error(err))
	}
}

func (e *Engine) logTransition(rec Record, previous Status) {
	fields := []zap.Field{
		zap.String("transfer_id", rec.TransferID),
		zap.String("direction", string(rec.Direction)),
		zap.String("from", string(previous)),
		zap.String("to", string(rec.Status)),
		zap.Int64("transferred", rec.TransferredSize),
		zap.Int64("total", rec.TotalSize),
	}
	if rec.ErrorMessage != "" {
		fields = append(fields, zap.String("error", rec.ErrorMessage))
		e.log.Warn("transfer status changed", fields...)
		return
	}
	e.log.Info("transfer status changed", fields...)
}

func (e *Engine) sendBestEffort(env *protocol.Envelope) {
	if !e.sender.IsConnected() {
		return
	}
	if err := e.sender.Send(env); err != nil {
		e.log.Debug("send transfer control failed", zap.String("action", env.String("action")), zap.Error(err))
	}
}

// waitOrDone sleeps for d unless ctx ends first.
func waitOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
