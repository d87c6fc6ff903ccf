package transfer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether the local side sends or receives the bytes.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Status is the lifecycle state of one transfer.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible without an
// explicit resume.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Resumable reports whether Resume accepts a record in this state.
func (s Status) Resumable() bool {
	return s == StatusPaused || s == StatusFailed
}

// KeyPrefix prefixes every persisted transfer record key.
const KeyPrefix = "transfer_"

// Record is the persisted state of one transfer.
type Record struct {
	TransferID        string    `json:"transferId"`
	Direction         Direction `json:"direction"`
	PeerID            string    `json:"peerId,omitempty"`
	FilePath          string    `json:"filePath"`
	FileName          string    `json:"fileName"`
	RemotePath        string    `json:"remotePath,omitempty"`
	TotalSize         int64     `json:"totalSize"`
	TransferredSize   int64     `json:"transferredSize"`
	LastChunkIndex    int       `json:"lastChunkIndex"`
	ChunkSize         int       `json:"chunkSize"`
	Checksum          string    `json:"checksum"`
	ChecksumAlgorithm string    `json:"checksumAlgorithm"`
	Compression       string    `json:"compression,omitempty"`
	Status            Status    `json:"status"`
	StartedAt         int64     `json:"startedAt"`
	UpdatedAt         int64     `json:"updatedAt"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	// ReceivedChunks is a bitmap of the chunk indices a download has
	// written. It is replaced, never mutated, so snapshots may share it.
	ReceivedChunks []byte `json:"receivedChunks,omitempty"`
}

// Percent returns completion in whole percent.
func (r Record) Percent() int {
	if r.TotalSize <= 0 {
		if r.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return int(r.TransferredSize * 100 / r.TotalSize)
}

// NextChunk is the chunk index a resume starts from.
func (r Record) NextChunk() int {
	return r.LastChunkIndex + 1
}

// chunkCount is the number of chunks the file splits into, or 0 when the
// chunk size is unknown.
func (r Record) chunkCount() int {
	if r.ChunkSize <= 0 {
		return 0
	}
	return int((r.TotalSize + int64(r.ChunkSize) - 1) / int64(r.ChunkSize))
}

func (r Record) hasChunk(index int) bool {
	if index < 0 || index/8 >= len(r.ReceivedChunks) {
		return false
	}
	return r.ReceivedChunks[index/8]&(1<<(index%8)) != 0
}

// received reports whether every byte of a download has been written.
// TransferredSize is a high-water mark, so with a known chunk size the
// bitmap decides.
func (r Record) received() bool {
	if r.TotalSize == 0 {
		return true
	}
	n := r.chunkCount()
	if n == 0 {
		return r.TransferredSize >= r.TotalSize
	}
	for i := 0; i < n; i++ {
		if !r.hasChunk(i) {
			return false
		}
	}
	return true
}

// firstMissingChunk returns the lowest chunk index not yet written, or -1
// when none is missing or the chunk size is unknown.
func (r Record) firstMissingChunk() int {
	for i := 0; i < r.chunkCount(); i++ {
		if !r.hasChunk(i) {
			return i
		}
	}
	return -1
}

// restart drops all download progress.
func (r *Record) restart() {
	r.TransferredSize = 0
	r.LastChunkIndex = -1
	r.ReceivedChunks = nil
}

// rewindTo moves download progress back to chunk next when the sender
// restarts below what was recorded.
func (r *Record) rewindTo(next int, chunkSize int64) {
	position := int64(next) * chunkSize
	if position >= r.TransferredSize {
		return
	}
	r.TransferredSize = position
	r.LastChunkIndex = next - 1
	r.ReceivedChunks = chunksBefore(r.ReceivedChunks, next)
}

// withChunk returns a copy of bitmap with index set.
func withChunk(bitmap []byte, index int) []byte {
	size := len(bitmap)
	if index/8 >= size {
		size = index/8 + 1
	}
	out := make([]byte, size)
	copy(out, bitmap)
	out[index/8] |= 1 << (index % 8)
	return out
}

// chunksBefore returns a copy of bitmap keeping only indices below limit.
func chunksBefore(bitmap []byte, limit int) []byte {
	if limit <= 0 {
		return nil
	}
	size := (limit + 7) / 8
	if size > len(bitmap) {
		size = len(bitmap)
	}
	out := make([]byte, size)
	copy(out, bitmap[:size])
	if rem := limit % 8; rem != 0 && limit/8 < size {
		out[limit/8] &= byte(1<<rem) - 1
	}
	return out
}

// NewTransferID returns a unique transfer id of the form
// transfer_<unix millis>_<8 hex chars>.
func NewTransferID() string {
	return fmt.Sprintf("transfer_%d_%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func recordKey(transferID string) string {
	return KeyPrefix + transferID
}

func encodeRecord(rec Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode transfer record %q: %w", rec.TransferID, err)
	}
	return raw, nil
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode transfer record: %w", err)
	}
	if rec.TransferID == "" {
		return Record{}, fmt.Errorf("decode transfer record: missing transferId")
	}
	switch rec.Direction {
	case DirectionUpload, DirectionDownload:
	default:
		return Record{}, fmt.Errorf("decode transfer record %q: unknown direction %q", rec.TransferID, rec.Direction)
	}
	return rec, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
