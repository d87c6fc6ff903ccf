package transfer

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"linkbridge/protocol"
	"linkbridge/storage"
	"linkbridge/transport"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Save(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memStore) List(prefix string) ([]storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Entry
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return storage.ErrNotFound
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) record(t *testing.T, transferID string) Record {
	t.Helper()
	raw, err := m.Load(recordKey(transferID))
	if err != nil {
		t.Fatalf("load record %s: %v", transferID, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		t.Fatalf("decode record %s: %v", transferID, err)
	}
	return rec
}

func (m *memStore) put(t *testing.T, rec Record) {
	t.Helper()
	raw, err := encodeRecord(rec)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if err := m.Save(recordKey(rec.TransferID), raw); err != nil {
		t.Fatalf("save record: %v", err)
	}
}

// link delivers envelopes to a peer engine through the JSON wire form.
type link struct {
	connected atomic.Bool

	mu        sync.Mutex
	peer      *Engine
	dropAfter int
	chunks    int
	sent      []*protocol.Envelope
}

func newLink() *link {
	l := &link{}
	l.connected.Store(true)
	return l
}

func (l *link) Send(env *protocol.Envelope) error {
	if !l.connected.Load() {
		return transport.ErrNotConnected
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	wire, err := protocol.Parse(raw)
	if err != nil {
		return err
	}

	drop := false
	l.mu.Lock()
	l.sent = append(l.sent, wire)
	if wire.String("action") == protocol.ActionChunk {
		l.chunks++
		drop = l.dropAfter > 0 && l.chunks == l.dropAfter
	}
	peer := l.peer
	l.mu.Unlock()

	if peer != nil {
		peer.OnMessage(wire)
	}
	if drop {
		l.connected.Store(false)
	}
	return nil
}

func (l *link) IsConnected() bool {
	return l.connected.Load()
}

func (l *link) setPeer(peer *Engine) {
	l.mu.Lock()
	l.peer = peer
	l.mu.Unlock()
}

func (l *link) reconnect() {
	l.mu.Lock()
	l.dropAfter = 0
	l.sent = nil
	l.mu.Unlock()
	l.connected.Store(true)
}

func (l *link) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sent))
	for _, env := range l.sent {
		out = append(out, env.String("action"))
	}
	return out
}

func (l *link) chunkNumbers() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int64
	for _, env := range l.sent {
		if env.String("action") != protocol.ActionChunk {
			continue
		}
		n, _ := env.Int64("chunkNumber")
		out = append(out, n)
	}
	return out
}

func (l *link) last(action string) *protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.sent) - 1; i >= 0; i-- {
		if l.sent[i].String("action") == action {
			return l.sent[i]
		}
	}
	return nil
}

func testOptions(sender Sender, store Persister, dir string) Options {
	return Options{
		Sender:      sender,
		Store:       store,
		ChunkSize:   1024,
		GracePeriod: -1,
		ChunkDelay:  -1,
		DownloadDir: dir,
	}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	engine, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

type pair struct {
	sender, receiver *Engine
	out, back        *link
	downloads        string
}

// newPair wires two engines back to back. The sender side options are
// adjusted by tune before construction.
func newPair(t *testing.T, tune func(*Options)) *pair {
	t.Helper()
	p := &pair{out: newLink(), back: newLink(), downloads: t.TempDir()}

	senderOpts := testOptions(p.out, newMemStore(), t.TempDir())
	if tune != nil {
		tune(&senderOpts)
	}
	p.sender = newTestEngine(t, senderOpts)
	p.receiver = newTestEngine(t, testOptions(p.back, newMemStore(), p.downloads))
	p.out.setPeer(p.receiver)
	p.back.setPeer(p.sender)
	return p
}

func writeRandomFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("random data: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, engine *Engine, transferID string, status Status) Record {
	t.Helper()
	var rec Record
	waitFor(t, transferID+" to become "+string(status), func() bool {
		var ok bool
		rec, ok = engine.Get(transferID)
		return ok && rec.Status == status
	})
	return rec
}

func sameContent(t *testing.T, want, got string) {
	t.Helper()
	a, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read %s: %v", want, err)
	}
	b, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read %s: %v", got, err)
	}
	if len(a) != len(b) {
		t.Fatalf("size mismatch: want %d got %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("content differs at byte %d", i)
		}
	}
}
