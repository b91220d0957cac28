package boltkv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nirmata/workflow/internal/coordinator"
)

func open(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "test.db"), "test-session", Options{LeaseTTL: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCreateGetRoundtrip(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	if err := c.Create(ctx, "/runs/r1", []byte("hello")); err != nil {
		t.Fatalf("create: %v", err)
	}
	node, err := c.Get(ctx, "/runs/r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(node.Data) != "hello" || node.Version != 1 {
		t.Fatalf("unexpected node %+v", node)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	if err := c.Create(ctx, "/runs/r1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Create(ctx, "/runs/r1", nil); err != coordinator.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	c := open(t)
	if _, err := c.Get(context.Background(), "/nope"); err != coordinator.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetVersionConflict(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	_ = c.Create(ctx, "/runs/r1", []byte("v1"))
	if err := c.Set(ctx, "/runs/r1", []byte("v2"), 1); err != nil {
		t.Fatalf("set with correct version: %v", err)
	}
	if err := c.Set(ctx, "/runs/r1", []byte("v3"), 1); err != coordinator.ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestChildrenListsImmediateNames(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	_ = c.Create(ctx, "/runs/r1/tasks/a", nil)
	_ = c.Create(ctx, "/runs/r1/tasks/b", nil)
	_ = c.Create(ctx, "/runs/r2/tasks/c", nil)

	names, err := c.Children(ctx, "/runs/r1/tasks")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 children, got %v", names)
	}
}

func TestChildrenOnEmptyNamespaceIsEmptyNotError(t *testing.T) {
	c := open(t)
	names, err := c.Children(context.Background(), "/nothing/here")
	if err != nil {
		t.Fatalf("expected no error on empty namespace, got %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected empty slice, got %v", names)
	}
}

func TestEphemeralNodeExpiresAfterLeaseLapseWithoutHeartbeat(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "test.db"), "s1", Options{
		LeaseTTL:          50 * time.Millisecond,
		HeartbeatInterval: time.Hour, // disable heartbeat so the lease lapses
		ReapInterval:      10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.CreateEphemeral(ctx, "/locks/a", nil); err != nil {
		t.Fatalf("create ephemeral: %v", err)
	}
	if _, err := c.Get(ctx, "/locks/a"); err != nil {
		t.Fatalf("expected ephemeral node to exist immediately, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := c.Get(ctx, "/locks/a"); err == coordinator.ErrNotFound {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected ephemeral node to be reaped after its lease lapsed")
}

func TestCreateSequentialEphemeralOrdering(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	p1, err := c.CreateSequentialEphemeral(ctx, "/election", nil)
	if err != nil {
		t.Fatalf("create sequential 1: %v", err)
	}
	p2, err := c.CreateSequentialEphemeral(ctx, "/election", nil)
	if err != nil {
		t.Fatalf("create sequential 2: %v", err)
	}
	if p1 == p2 {
		t.Fatal("expected distinct sequential paths")
	}
	names, err := c.Children(ctx, "/election")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 election candidates, got %v", names)
	}
}

func TestWatchFiresOnChildCreate(t *testing.T) {
	c := open(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watch, err := c.Watch(ctx, "/runs")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := c.Create(context.Background(), "/runs/r1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case <-watch:
	case <-time.After(time.Second):
		t.Fatal("expected watch to fire after a child was created")
	}
}
