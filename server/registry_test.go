package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryPrimaryReplacementDemotesWithoutClosing(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})

	firstConn := &fakeConn{}
	first := registry.AddClient(firstConn, "10.0.0.1:1", "tcp")
	second := registry.AddClient(&fakeConn{}, "10.0.0.2:1", "websocket")

	if err := registry.UpdateClient(first, map[string]any{"role": "android", "model": "pixel"}); err != nil {
		t.Fatalf("UpdateClient first: %v", err)
	}
	primary, ok := registry.PrimaryDevice()
	if !ok || primary.ID != first {
		t.Fatalf("expected first as primary, got %+v ok=%v", primary, ok)
	}
	if primary.Attributes["model"] != "pixel" {
		t.Fatalf("expected attributes merged, got %v", primary.Attributes)
	}

	if err := registry.UpdateClient(second, map[string]any{"role": RolePrimary}); err != nil {
		t.Fatalf("UpdateClient second: %v", err)
	}
	primary, _ = registry.PrimaryDevice()
	if primary.ID != second {
		t.Fatalf("expected second as primary, got %s", primary.ID)
	}
	demoted, ok := registry.Get(first)
	if !ok {
		t.Fatalf("demoted peer must stay registered")
	}
	if demoted.Role != RoleUnknown {
		t.Fatalf("expected demoted role %q, got %q", RoleUnknown, demoted.Role)
	}
	if firstConn.isClosed() {
		t.Fatalf("demotion must not close the connection")
	}
	if got := registry.PeersWithRole(RolePrimary); len(got) != 1 {
		t.Fatalf("expected exactly one primary, got %d", len(got))
	}
}

func TestRegistryRemoveReleasesPrimary(t *testing.T) {
	var mu sync.Mutex
	var removed []string
	registry := NewRegistry(RegistryOptions{OnRemove: func(id string) {
		mu.Lock()
		removed = append(removed, id)
		mu.Unlock()
	}})

	id := registry.AddClient(&fakeConn{}, "", "udp")
	if err := registry.UpdateClient(id, map[string]any{"role": "primary"}); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	if !registry.RemoveClient(id) {
		t.Fatalf("expected first remove to report true")
	}
	if registry.RemoveClient(id) {
		t.Fatalf("expected second remove to report false")
	}
	if _, ok := registry.PrimaryDevice(); ok {
		t.Fatalf("expected no primary after removal")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != id {
		t.Fatalf("expected one OnRemove for %s, got %v", id, removed)
	}
}

func TestRegistryUpdateUnknownPeer(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	if err := registry.UpdateClient("missing", nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestRegistryPeersOrderedByConnectTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	registry := NewRegistry(RegistryOptions{now: func() time.Time { return now }})

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, registry.AddClient(&fakeConn{}, "", "tcp"))
		now = now.Add(time.Second)
	}
	peers := registry.Peers()
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	for i, p := range peers {
		if p.ID != ids[i] {
			t.Fatalf("peer %d: expected %s, got %s", i, ids[i], p.ID)
		}
	}
}

func TestRegistrySweepEvictsIdlePeers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	registry := NewRegistry(RegistryOptions{now: clock})

	idleConn := &fakeConn{}
	idle := registry.AddClient(idleConn, "", "tcp")
	active := registry.AddClient(&fakeConn{}, "", "tcp")

	advance(4 * time.Minute)
	registry.Touch(active)
	advance(2 * time.Minute)

	evicted := registry.Sweep(5 * time.Minute)
	if len(evicted) != 1 || evicted[0] != idle {
		t.Fatalf("expected only %s evicted, got %v", idle, evicted)
	}
	if !idleConn.isClosed() {
		t.Fatalf("expected evicted connection closed")
	}
	if _, ok := registry.Get(active); !ok {
		t.Fatalf("active peer must survive the sweep")
	}
}

func TestRegistryRunSweeperStopsWithContext(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		registry.RunSweeper(ctx, time.Millisecond, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"android":        RolePrimary,
		"primary_device": RolePrimary,
		" Primary ":      RolePrimary,
		"web":            RoleViewer,
		"windows":        RoleViewer,
		"toaster":        RoleUnknown,
		"":               RoleUnknown,
	}
	for in, want := range cases {
		if got := ParseRole(in); got != want {
			t.Errorf("ParseRole(%q) = %q, want %q", in, got, want)
		}
	}
}
