package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"linkbridge/protocol"
	"linkbridge/storage"
	"linkbridge/transport"
)

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func statusDisconnected() transport.StatusEvent {
	return transport.StatusEvent{Type: transport.TypeTCP, Connected: false}
}

func TestUploadDeliversIdenticalFile(t *testing.T) {
	p := newPair(t, nil)
	source := writeRandomFile(t, t.TempDir(), "report.bin", 10*1024+100)

	id, err := p.sender.StartUpload(source, "peer-1")
	if err != nil {
		t.Fatalf("start upload: %v", err)
	}
	if !strings.HasPrefix(id, KeyPrefix) {
		t.Fatalf("unexpected transfer id %q", id)
	}

	sent := waitStatus(t, p.sender, id, StatusCompleted)
	got := waitStatus(t, p.receiver, id, StatusCompleted)
	if sent.TransferredSize != sent.TotalSize || got.TransferredSize != got.TotalSize {
		t.Fatalf("incomplete sizes: sender %d/%d receiver %d/%d",
			sent.TransferredSize, sent.TotalSize, got.TransferredSize, got.TotalSize)
	}
	if sent.LastChunkIndex != 10 {
		t.Fatalf("expected last chunk 10, got %d", sent.LastChunkIndex)
	}
	if filepath.Dir(got.FilePath) != p.downloads || got.FileName != "report.bin" {
		t.Fatalf("unexpected download location %q", got.FilePath)
	}
	sameContent(t, source, got.FilePath)

	if done := p.back.last(protocol.ActionComplete); done == nil || !done.Bool("success") {
		t.Fatalf("receiver did not confirm completion: %v", p.back.actions())
	}
}

func TestResumeAfterDisconnectSendsOnlyMissingChunks(t *testing.T) {
	p := newPair(t, func(o *Options) { o.ChunkSize = 1 << 20 })
	const size = 5 * 1024 * 1024
	source := writeRandomFile(t, t.TempDir(), "video.bin", size)

	p.out.mu.Lock()
	p.out.dropAfter = 3
	p.out.mu.Unlock()

	id, err := p.sender.StartUpload(source, "peer-1")
	if err != nil {
		t.Fatalf("start upload: %v", err)
	}
	failed := waitStatus(t, p.sender, id, StatusFailed)
	if failed.LastChunkIndex != 2 || failed.TransferredSize != 3<<20 {
		t.Fatalf("expected 3 chunks recorded, got last=%d size=%d", failed.LastChunkIndex, failed.TransferredSize)
	}
	if failed.ErrorMessage == "" {
		t.Fatal("expected failure reason")
	}

	p.out.reconnect()
	if err := p.sender.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}

	done := waitStatus(t, p.sender, id, StatusCompleted)
	if done.TransferredSize != size {
		t.Fatalf("expected transferredSize %d, got %d", size, done.TransferredSize)
	}
	if chunks := p.out.chunkNumbers(); !reflect.DeepEqual(chunks, []int64{3, 4}) {
		t.Fatalf("expected only chunks 3 and 4 after resume, got %v", chunks)
	}
	received := waitStatus(t, p.receiver, id, StatusCompleted)
	sameContent(t, source, received.FilePath)
}

func TestResumeAfterEveryChunkYieldsIdenticalFile(t *testing.T) {
	for _, k := range []int{1, 4, 9} {
		p := newPair(t, func(o *Options) { o.Compression = CompressionZstd })
		source := writeRandomFile(t, t.TempDir(), "data.bin", 9*1024+17)

		p.out.mu.Lock()
		p.out.dropAfter = k
		p.out.mu.Unlock()

		id, err := p.sender.StartUpload(source, "")
		if err != nil {
			t.Fatalf("k=%d start upload: %v", k, err)
		}
		waitStatus(t, p.sender, id, StatusFailed)

		p.out.reconnect()
		if err := p.sender.Resume(id); err != nil {
			t.Fatalf("k=%d resume: %v", k, err)
		}
		waitStatus(t, p.sender, id, StatusCompleted)
		received := waitStatus(t, p.receiver, id, StatusCompleted)
		sameContent(t, source, received.FilePath)

		if chunks := p.out.chunkNumbers(); len(chunks) == 0 || chunks[0] != int64(k) {
			t.Fatalf("k=%d expected resume at chunk %d, got %v", k, k, chunks)
		}
	}
}

func TestDuplicateAndReorderedChunksAreIdempotent(t *testing.T) {
	sender := newLink()
	engine := newTestEngine(t, testOptions(sender, newMemStore(), t.TempDir()))

	content := []byte("abcdefghijkl")
	checksum := md5Hex(content)
	engine.OnMessage(protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionRequest,
		"transferId": "transfer_1_dup",
		"fileName":   "dup.txt",
		"fileSize":   int64(len(content)),
		"checksum":   checksum,
		"chunkSize":  4,
	}))

	chunk := func(index int) *protocol.Envelope {
		offset := index * 4
		return protocol.New(protocol.TypeFileTransfer, map[string]any{
			"action":      protocol.ActionChunk,
			"transferId":  "transfer_1_dup",
			"chunkNumber": index,
			"offset":      offset,
			"data":        content[offset : offset+4],
		})
	}
	engine.OnMessage(chunk(1))
	engine.OnMessage(chunk(0))
	engine.OnMessage(chunk(1))
	engine.OnMessage(chunk(0))

	rec, _ := engine.Get("transfer_1_dup")
	if rec.Status != StatusInProgress || rec.TransferredSize != 8 || rec.LastChunkIndex != 1 {
		t.Fatalf("unexpected progress after duplicates: %+v", rec)
	}

	engine.OnMessage(chunk(2))
	rec = waitStatus(t, engine, "transfer_1_dup", StatusCompleted)
	got, err := os.ReadFile(rec.FilePath)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}

	// Late duplicates after completion change nothing.
	engine.OnMessage(chunk(2))
	if again, _ := engine.Get("transfer_1_dup"); again.Status != StatusCompleted {
		t.Fatalf("late duplicate changed status to %s", again.Status)
	}
}

func TestChecksumMismatchFailsDownload(t *testing.T) {
	sender := newLink()
	engine := newTestEngine(t, testOptions(sender, newMemStore(), t.TempDir()))

	engine.OnMessage(protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionRequest,
		"transferId": "transfer_1_bad",
		"fileName":   "bad.txt",
		"fileSize":   3,
		"checksum":   md5Hex([]byte("xyz")),
	}))
	engine.OnMessage(protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":      protocol.ActionChunk,
		"transferId":  "transfer_1_bad",
		"chunkNumber": 0,
		"offset":      0,
		"data":        []byte("abc"),
	}))

	rec := waitStatus(t, engine, "transfer_1_bad", StatusFailed)
	if !strings.Contains(rec.ErrorMessage, "checksum mismatch") {
		t.Fatalf("unexpected error message %q", rec.ErrorMessage)
	}
	waitFor(t, "failure report", func() bool {
		done := sender.last(protocol.ActionComplete)
		return done != nil && !done.Bool("success")
	})
}

func TestMissingSourceFileFails(t *testing.T) {
	engine := newTestEngine(t, testOptions(newLink(), newMemStore(), t.TempDir()))

	id, err := engine.StartUpload(filepath.Join(t.TempDir(), "missing.bin"), "peer")
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	rec, ok := engine.Get(id)
	if !ok || rec.Status != StatusFailed || rec.ErrorMessage == "" {
		t.Fatalf("expected failed record, got %+v", rec)
	}
}

func TestMaxConcurrentQueuesExtraTransfers(t *testing.T) {
	sender := newLink()
	opts := testOptions(sender, newMemStore(), t.TempDir())
	opts.MaxConcurrent = 1
	opts.ChunkSize = 4
	opts.ChunkDelay = time.Hour
	engine := newTestEngine(t, opts)

	dir := t.TempDir()
	first, err := engine.StartUpload(writeRandomFile(t, dir, "a.bin", 8), "peer")
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := engine.StartUpload(writeRandomFile(t, dir, "b.bin", 8), "peer")
	if err != nil {
		t.Fatalf("start second: %v", err)
	}

	waitFor(t, "first chunk", func() bool {
		rec, _ := engine.Get(first)
		return rec.Status == StatusInProgress && rec.TransferredSize == 4
	})
	if rec, _ := engine.Get(second); rec.Status != StatusPending {
		t.Fatalf("expected second transfer pending, got %s", rec.Status)
	}

	pending := engine.Pending()
	if len(pending) != 2 || pending[0].TransferID != first || pending[1].TransferID != second {
		t.Fatalf("unexpected pending order: %+v", pending)
	}

	if err := engine.Pause(first); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if rec, _ := engine.Get(first); rec.Status != StatusPaused || rec.TransferredSize != 4 {
		t.Fatalf("pause did not settle synchronously: %+v", rec)
	}
	waitStatus(t, engine, second, StatusInProgress)
}

func TestPauseAndCancelHaltWorker(t *testing.T) {
	sender := newLink()
	store := newMemStore()
	opts := testOptions(sender, store, t.TempDir())
	opts.ChunkSize = 4
	opts.ChunkDelay = time.Hour
	engine := newTestEngine(t, opts)

	id, err := engine.StartUpload(writeRandomFile(t, t.TempDir(), "c.bin", 12), "peer")
	if err != nil {
		t.Fatalf("start upload: %v", err)
	}
	waitFor(t, "first chunk", func() bool {
		rec, _ := engine.Get(id)
		return rec.TransferredSize == 4
	})

	if err := engine.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if stored := store.record(t, id); stored.Status != StatusPaused {
		t.Fatalf("expected persisted paused, got %s", stored.Status)
	}
	if err := engine.Pause(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for second pause, got %v", err)
	}

	if err := engine.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStatus(t, engine, id, StatusInProgress)

	if err := engine.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	rec, _ := engine.Get(id)
	if rec.Status != StatusCancelled {
		t.Fatalf("cancel did not settle synchronously: %s", rec.Status)
	}
	if sender.last(protocol.ActionCancel) == nil {
		t.Fatalf("peer was not told about the cancel: %v", sender.actions())
	}
	if err := engine.Resume(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState resuming cancelled transfer, got %v", err)
	}
	if err := engine.Cancel("transfer_unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPeerCancelRemovesPartialDownload(t *testing.T) {
	sender := newLink()
	engine := newTestEngine(t, testOptions(sender, newMemStore(), t.TempDir()))

	engine.OnMessage(protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionRequest,
		"transferId": "transfer_1_cx",
		"fileName":   "partial.bin",
		"fileSize":   8,
	}))
	rec, ok := engine.Get("transfer_1_cx")
	if !ok || rec.Status != StatusInProgress {
		t.Fatalf("expected accepted download, got %+v", rec)
	}
	if _, err := os.Stat(rec.FilePath); err != nil {
		t.Fatalf("expected preallocated file: %v", err)
	}

	engine.OnMessage(protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionCancel,
		"transferId": "transfer_1_cx",
	}))
	if rec, _ := engine.Get("transfer_1_cx"); rec.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
	if _, err := os.Stat(rec.FilePath); !os.IsNotExist(err) {
		t.Fatalf("expected partial file removed, got %v", err)
	}
}

func TestDisconnectFailsActiveDownloads(t *testing.T) {
	engine := newTestEngine(t, testOptions(newLink(), newMemStore(), t.TempDir()))
	engine.OnMessage(protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionRequest,
		"transferId": "transfer_1_dc",
		"fileName":   "dc.bin",
		"fileSize":   8,
	}))

	engine.OnStatus(statusDisconnected())
	rec, _ := engine.Get("transfer_1_dc")
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed after disconnect, got %s", rec.Status)
	}
	if err := engine.Resume("transfer_1_dc"); err != nil {
		t.Fatalf("failed download should be resumable: %v", err)
	}
}

func TestRestartPausesInterruptedAndRunsPending(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	source := writeRandomFile(t, dir, "queued.bin", 100)
	checksum, err := FileChecksum(source, DefaultChecksum)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}

	store.put(t, Record{
		TransferID:        "transfer_1_inflight",
		Direction:         DirectionUpload,
		FilePath:          filepath.Join(dir, "inflight.bin"),
		FileName:          "inflight.bin",
		TotalSize:         4096,
		TransferredSize:   2048,
		LastChunkIndex:    1,
		ChunkSize:         1024,
		Checksum:          "abc",
		ChecksumAlgorithm: DefaultChecksum,
		Status:            StatusInProgress,
		StartedAt:         1,
		UpdatedAt:         1,
	})
	store.put(t, Record{
		TransferID:        "transfer_2_queued",
		Direction:         DirectionUpload,
		FilePath:          source,
		FileName:          "queued.bin",
		TotalSize:         100,
		LastChunkIndex:    -1,
		ChunkSize:         1024,
		Checksum:          checksum,
		ChecksumAlgorithm: DefaultChecksum,
		Status:            StatusPending,
		StartedAt:         2,
		UpdatedAt:         2,
	})

	engine := newTestEngine(t, testOptions(newLink(), store, t.TempDir()))

	rec, ok := engine.Get("transfer_1_inflight")
	if !ok || rec.Status != StatusPaused || rec.TransferredSize != 2048 || rec.NextChunk() != 2 {
		t.Fatalf("expected interrupted transfer paused at chunk 2, got %+v", rec)
	}
	if stored := store.record(t, "transfer_1_inflight"); stored.Status != StatusPaused {
		t.Fatalf("expected paused status persisted, got %s", stored.Status)
	}
	waitStatus(t, engine, "transfer_2_queued", StatusCompleted)
}

func TestResumeDetectsChangedSource(t *testing.T) {
	store := newMemStore()
	source := writeRandomFile(t, t.TempDir(), "changed.bin", 2048)
	store.put(t, Record{
		TransferID:        "transfer_1_changed",
		Direction:         DirectionUpload,
		FilePath:          source,
		FileName:          "changed.bin",
		TotalSize:         2048,
		TransferredSize:   1024,
		LastChunkIndex:    0,
		ChunkSize:         1024,
		Checksum:          "0000",
		ChecksumAlgorithm: DefaultChecksum,
		Status:            StatusPaused,
		StartedAt:         1,
		UpdatedAt:         1,
	})
	engine := newTestEngine(t, testOptions(newLink(), store, t.TempDir()))

	if err := engine.Resume("transfer_1_changed"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rec := waitStatus(t, engine, "transfer_1_changed", StatusFailed)
	if !strings.Contains(rec.ErrorMessage, "checksum mismatch") {
		t.Fatalf("unexpected error %q", rec.ErrorMessage)
	}
}

func TestHistoryPendingAndClearCompleted(t *testing.T) {
	store := newMemStore()
	for i, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusPaused, StatusCompleted} {
		store.put(t, Record{
			TransferID:     "transfer_" + string(rune('a'+i)),
			Direction:      DirectionDownload,
			FileName:       "f",
			LastChunkIndex: -1,
			Status:         status,
			StartedAt:      int64(10 - i),
			UpdatedAt:      int64(100 + i),
		})
	}
	engine := newTestEngine(t, testOptions(newLink(), store, t.TempDir()))

	history := engine.History(2)
	if len(history) != 2 || history[0].TransferID != "transfer_e" || history[1].TransferID != "transfer_d" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if all := engine.History(0); len(all) != 5 {
		t.Fatalf("expected 5 records, got %d", len(all))
	}
	if pending := engine.Pending(); len(pending) != 1 || pending[0].TransferID != "transfer_d" {
		t.Fatalf("unexpected pending: %+v", pending)
	}

	removed, err := engine.ClearCompleted()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if _, err := store.Load(recordKey("transfer_a")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected completed record deleted, got %v", err)
	}
	if _, ok := engine.Get("transfer_b"); !ok {
		t.Fatal("failed record should survive clear")
	}
}

func TestRequestDownloadFromShare(t *testing.T) {
	share := t.TempDir()
	source := writeRandomFile(t, share, "docs/notes.txt", 3000)

	local := newLink()
	remote := newLink()
	requester := newTestEngine(t, testOptions(local, newMemStore(), t.TempDir()))
	remoteOpts := testOptions(remote, newMemStore(), t.TempDir())
	remoteOpts.ShareDir = share
	server := newTestEngine(t, remoteOpts)
	local.setPeer(server)
	remote.setPeer(requester)

	id, err := requester.RequestDownload("docs/notes.txt", "server")
	if err != nil {
		t.Fatalf("request download: %v", err)
	}
	rec := waitStatus(t, requester, id, StatusCompleted)
	sameContent(t, source, rec.FilePath)
	waitStatus(t, server, id, StatusCompleted)

	denied, err := requester.RequestDownload("../outside.txt", "server")
	if err != nil {
		t.Fatalf("request download: %v", err)
	}
	rec = waitStatus(t, requester, denied, StatusFailed)
	if !strings.Contains(rec.ErrorMessage, "not shared") {
		t.Fatalf("unexpected error %q", rec.ErrorMessage)
	}
}

func TestListenersObserveLifecycle(t *testing.T) {
	p := newPair(t, nil)
	source := writeRandomFile(t, t.TempDir(), "l.bin", 3000)

	var mu sync.Mutex
	var statuses []Status
	progress := 0
	completed := make(chan bool, 1)
	p.sender.AddListener(ListenerFuncs{
		Progress: func(Record) {
			mu.Lock()
			progress++
			mu.Unlock()
		},
		StatusChanged: func(rec Record, _ Status) {
			mu.Lock()
			statuses = append(statuses, rec.Status)
			mu.Unlock()
		},
		Completed: func(_ Record, success bool) { completed <- success },
	})

	if _, err := p.sender.StartUpload(source, ""); err != nil {
		t.Fatalf("start upload: %v", err)
	}
	select {
	case success := <-completed:
		if !success {
			t.Fatal("expected successful completion")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusPending, StatusInProgress, StatusCompleted}
	if !reflect.DeepEqual(statuses, want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
	if progress != 3 {
		t.Fatalf("expected 3 progress callbacks, got %d", progress)
	}
}

func TestEngineOnSQLiteStoreSurvivesRestart(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "linkbridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	opts := testOptions(newLink(), store, t.TempDir())
	opts.ChunkSize = 4
	opts.ChunkDelay = time.Hour
	first, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	id, err := first.StartUpload(writeRandomFile(t, t.TempDir(), "s.bin", 10), "peer")
	if err != nil {
		t.Fatalf("start upload: %v", err)
	}
	waitFor(t, "first chunk", func() bool {
		rec, _ := first.Get(id)
		return rec.TransferredSize == 4
	})
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newTestEngine(t, opts)
	rec, ok := second.Get(id)
	if !ok || rec.Status != StatusPaused || rec.TransferredSize != 4 || rec.NextChunk() != 1 {
		t.Fatalf("expected paused record resuming at chunk 1, got %+v", rec)
	}
}

func TestHoldKeepsPendingRecordsIdle(t *testing.T) {
	store := newMemStore()
	source := writeRandomFile(t, t.TempDir(), "held.bin", 100)
	checksum, err := FileChecksum(source, DefaultChecksum)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	store.put(t, Record{
		TransferID:        "transfer_1_held",
		Direction:         DirectionUpload,
		FilePath:          source,
		FileName:          "held.bin",
		TotalSize:         100,
		LastChunkIndex:    -1,
		ChunkSize:         1024,
		Checksum:          checksum,
		ChecksumAlgorithm: DefaultChecksum,
		Status:            StatusPending,
		StartedAt:         1,
		UpdatedAt:         1,
	})

	out := newLink()
	opts := testOptions(out, store, t.TempDir())
	opts.Hold = true
	engine := newTestEngine(t, opts)

	time.Sleep(50 * time.Millisecond)
	if rec, _ := engine.Get("transfer_1_held"); rec.Status != StatusPending {
		t.Fatalf("expected held record to stay pending, got %s", rec.Status)
	}
	if actions := out.actions(); len(actions) != 0 {
		t.Fatalf("expected nothing sent while held, got %v", actions)
	}

	if err := engine.Cancel("transfer_1_held"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if stored := store.record(t, "transfer_1_held"); stored.Status != StatusCancelled {
		t.Fatalf("expected cancelled status persisted, got %s", stored.Status)
	}
	n, err := engine.ClearCompleted()
	if err != nil || n != 1 {
		t.Fatalf("expected one record cleared, got %d (%v)", n, err)
	}
}

func downloadRequest(transferID string, content []byte, chunkSize int, resumeFrom int) *protocol.Envelope {
	return protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionRequest,
		"transferId": transferID,
		"fileName":   transferID + ".txt",
		"fileSize":   int64(len(content)),
		"checksum":   md5Hex(content),
		"chunkSize":  chunkSize,
		"resumeFrom": resumeFrom,
	})
}

func downloadChunk(transferID string, index int, data []byte) *protocol.Envelope {
	return protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":      protocol.ActionChunk,
		"transferId":  transferID,
		"chunkNumber": index,
		"offset":      index * len(data),
		"data":        data,
	})
}

func TestLastChunkFirstWaitsForGap(t *testing.T) {
	engine := newTestEngine(t, testOptions(newLink(), newMemStore(), t.TempDir()))
	content := []byte("abcdefgh")

	engine.OnMessage(downloadRequest("transfer_1_gap", content, 4, 0))
	engine.OnMessage(downloadChunk("transfer_1_gap", 1, content[4:]))

	time.Sleep(50 * time.Millisecond)
	rec, _ := engine.Get("transfer_1_gap")
	if rec.Status != StatusInProgress || rec.TransferredSize != 8 {
		t.Fatalf("expected in-progress download with high-water 8, got %+v", rec)
	}

	engine.OnMessage(downloadChunk("transfer_1_gap", 0, content[:4]))
	rec = waitStatus(t, engine, "transfer_1_gap", StatusCompleted)
	got, err := os.ReadFile(rec.FilePath)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestFailedChecksumDownloadRecoversOnRequest(t *testing.T) {
	engine := newTestEngine(t, testOptions(newLink(), newMemStore(), t.TempDir()))
	content := []byte("abcdefgh")

	engine.OnMessage(downloadRequest("transfer_1_bad", content, 4, 0))
	engine.OnMessage(downloadChunk("transfer_1_bad", 0, content[:4]))
	engine.OnMessage(downloadChunk("transfer_1_bad", 1, []byte("XXXX")))
	failed := waitStatus(t, engine, "transfer_1_bad", StatusFailed)
	if !strings.HasPrefix(failed.ErrorMessage, ErrChecksumMismatch.Error()) {
		t.Fatalf("expected checksum mismatch, got %q", failed.ErrorMessage)
	}

	engine.OnMessage(downloadRequest("transfer_1_bad", content, 4, 0))
	rec, _ := engine.Get("transfer_1_bad")
	if rec.Status != StatusInProgress || rec.TransferredSize != 0 || rec.LastChunkIndex != -1 {
		t.Fatalf("expected download restarted from zero, got %+v", rec)
	}
	engine.OnMessage(downloadChunk("transfer_1_bad", 0, content[:4]))
	engine.OnMessage(downloadChunk("transfer_1_bad", 1, content[4:]))

	rec = waitStatus(t, engine, "transfer_1_bad", StatusCompleted)
	got, err := os.ReadFile(rec.FilePath)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestRequestResumeFromRewindsDownload(t *testing.T) {
	engine := newTestEngine(t, testOptions(newLink(), newMemStore(), t.TempDir()))
	content := []byte("abcdefghijkl")

	engine.OnMessage(downloadRequest("transfer_1_rewind", content, 4, 0))
	engine.OnMessage(downloadChunk("transfer_1_rewind", 0, content[:4]))
	engine.OnMessage(downloadChunk("transfer_1_rewind", 1, content[4:8]))

	engine.OnMessage(downloadRequest("transfer_1_rewind", content, 4, 1))
	rec, _ := engine.Get("transfer_1_rewind")
	if rec.TransferredSize != 4 || rec.LastChunkIndex != 0 || rec.hasChunk(1) || !rec.hasChunk(0) {
		t.Fatalf("expected progress rewound to chunk 1, got %+v", rec)
	}

	engine.OnMessage(downloadChunk("transfer_1_rewind", 1, content[4:8]))
	engine.OnMessage(downloadChunk("transfer_1_rewind", 2, content[8:]))
	rec = waitStatus(t, engine, "transfer_1_rewind", StatusCompleted)
	got, err := os.ReadFile(rec.FilePath)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestSenderCompleteWithMissingChunkFailsDownload(t *testing.T) {
	out := newLink()
	engine := newTestEngine(t, testOptions(out, newMemStore(), t.TempDir()))
	content := []byte("abcdefgh")

	engine.OnMessage(downloadRequest("transfer_1_lost", content, 4, 0))
	engine.OnMessage(downloadChunk("transfer_1_lost", 1, content[4:]))
	engine.OnMessage(protocol.New(protocol.TypeFileTransfer, map[string]any{
		"action":     protocol.ActionComplete,
		"transferId": "transfer_1_lost",
		"success":    true,
	}))

	rec := waitStatus(t, engine, "transfer_1_lost", StatusFailed)
	if !strings.Contains(rec.ErrorMessage, "chunk 0 missing") {
		t.Fatalf("expected missing chunk reported, got %q", rec.ErrorMessage)
	}
	reply := out.last(protocol.ActionComplete)
	if reply == nil || reply.Bool("success") {
		t.Fatalf("expected a failed completion sent back, got %+v", reply)
	}
}
