package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrEmptyKey indicates a key-value call without a key.
	ErrEmptyKey = errors.New("storage: key is required")
)

// Entry is one row of the key-value table.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt int64
}

// KnownDevice is a remote endpoint that was discovered or connected to before.
type KnownDevice struct {
	DeviceID      string
	DeviceName    string
	Address       string
	Port          int
	LastTransport string
	LastSeen      int64
}

type scanner interface {
	Scan(dest ...any) error
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
