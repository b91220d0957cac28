// Package boltkv is the embedded coordinator backend: a single bbolt
// database standing in for the external strongly-consistent store,
// intended for tests and single-node deployments.
//
// Ephemeral nodes are emulated with a lease: the owning Client refreshes
// each ephemeral node's expiry on a heartbeat, and a background reaper
// deletes (and notifies watchers of) any ephemeral node whose lease has
// lapsed — standing in for a coordinator session dying without a clean
// shutdown.
package boltkv

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/Nirmata/workflow/internal/coordinator"
)

var nodesBucket = []byte("nodes")
var seqBucket = []byte("sequences")

type record struct {
	Data      []byte `json:"data"`
	Version   int64  `json:"version"`
	Ephemeral bool   `json:"ephemeral"`
	// ExpiresAt is a unix-nano deadline for ephemeral nodes; zero for
	// durable nodes.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// Client is a single session against an embedded bbolt-backed store.
// Multiple Clients may share one *bbolt.DB within a process (bbolt itself
// is safe for concurrent use by multiple goroutines), which is how the
// in-process tests simulate "multiple worker processes".
type Client struct {
	db       *bbolt.DB
	owned    bool // whether Close() should close db too
	sessID   string
	leaseTTL time.Duration

	mu        sync.Mutex
	ephemeral map[string]bool
	watchers  map[string][]chan struct{}
	closed    bool
	stopCh    chan struct{}
}

// Options configures a Client.
type Options struct {
	// LeaseTTL is how long an ephemeral node survives without a
	// heartbeat refresh. Defaults to 10s.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often this client refreshes its own
	// ephemeral nodes. Defaults to LeaseTTL/3.
	HeartbeatInterval time.Duration
	// ReapInterval is how often the background reaper scans for expired
	// ephemeral nodes. Defaults to LeaseTTL/2.
	ReapInterval time.Duration
}

// Open creates (if needed) a bbolt database at dbPath and returns a new
// Client session over it, owning the *bbolt.DB handle.
func Open(dbPath string, sessionID string, opts Options) (*Client, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(nodesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(seqBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	c := newClient(db, true, sessionID, opts)
	return c, nil
}

// NewSession wraps an existing *bbolt.DB (already containing the required
// buckets) with a new Client session; Close() on the returned Client does
// not close db. Used so multiple in-process "workers" can each hold their
// own ephemeral-node lease lifecycle over one shared database.
func NewSession(db *bbolt.DB, sessionID string, opts Options) *Client {
	return newClient(db, false, sessionID, opts)
}

func newClient(db *bbolt.DB, owned bool, sessionID string, opts Options) *Client {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.LeaseTTL / 3
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.LeaseTTL / 2
	}
	c := &Client{
		db:        db,
		owned:     owned,
		sessID:    sessionID,
		leaseTTL:  opts.LeaseTTL,
		ephemeral: make(map[string]bool),
		watchers:  make(map[string][]chan struct{}),
		stopCh:    make(chan struct{}),
	}
	go c.heartbeatLoop(opts.HeartbeatInterval)
	go c.reapLoop(opts.ReapInterval)
	return c
}

func clean(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	owned := make([]string, 0, len(c.ephemeral))
	for p := range c.ephemeral {
		owned = append(owned, p)
	}
	for _, ws := range c.watchers {
		for _, w := range ws {
			close(w)
		}
	}
	c.watchers = nil
	c.mu.Unlock()

	close(c.stopCh)

	// Drop our ephemeral nodes immediately rather than waiting for the
	// lease to expire, so peers observe the session end promptly.
	for _, p := range owned {
		_ = c.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(nodesBucket).Delete([]byte(p))
		})
		c.notify(p)
	}

	if c.owned {
		return c.db.Close()
	}
	return nil
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.mu.Lock()
			paths := make([]string, 0, len(c.ephemeral))
			for p := range c.ephemeral {
				paths = append(paths, p)
			}
			c.mu.Unlock()
			deadline := time.Now().Add(c.leaseTTL).UnixNano()
			_ = c.db.Update(func(tx *bbolt.Tx) error {
				b := tx.Bucket(nodesBucket)
				for _, p := range paths {
					raw := b.Get([]byte(p))
					if raw == nil {
						continue
					}
					var rec record
					if err := json.Unmarshal(raw, &rec); err != nil {
						continue
					}
					rec.ExpiresAt = deadline
					encoded, _ := json.Marshal(rec)
					_ = b.Put([]byte(p), encoded)
				}
				return nil
			})
		}
	}
}

func (c *Client) reapLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			var expired []string
			now := time.Now().UnixNano()
			_ = c.db.Update(func(tx *bbolt.Tx) error {
				b := tx.Bucket(nodesBucket)
				cur := b.Cursor()
				for k, v := cur.First(); k != nil; k, v = cur.Next() {
					var rec record
					if err := json.Unmarshal(v, &rec); err != nil {
						continue
					}
					if rec.Ephemeral && rec.ExpiresAt > 0 && rec.ExpiresAt < now {
						expired = append(expired, string(k))
					}
				}
				for _, p := range expired {
					_ = b.Delete([]byte(p))
				}
				return nil
			})
			for _, p := range expired {
				c.notify(p)
			}
		}
	}
}

func (c *Client) notify(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir := path.Dir(p)
	for watchPath, chans := range c.watchers {
		if watchPath == p || watchPath == dir {
			for _, ch := range chans {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (c *Client) Create(ctx context.Context, p string, data []byte) error {
	p = clean(p)
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b.Get([]byte(p)) != nil {
			return coordinator.ErrAlreadyExists
		}
		rec := record{Data: data, Version: 1}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(p), encoded)
	})
	if err != nil {
		return err
	}
	c.notify(p)
	return nil
}

func (c *Client) Get(ctx context.Context, p string) (*coordinator.Node, error) {
	p = clean(p)
	var out *coordinator.Node
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(nodesBucket).Get([]byte(p))
		if raw == nil {
			return coordinator.ErrNotFound
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = &coordinator.Node{Data: rec.Data, Version: rec.Version}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int64) error {
	p = clean(p)
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		raw := b.Get([]byte(p))
		if raw == nil {
			return coordinator.ErrNotFound
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.Version != version {
			return coordinator.ErrVersionConflict
		}
		rec.Data = data
		rec.Version++
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(p), encoded)
	})
	if err != nil {
		return err
	}
	c.notify(p)
	return nil
}

func (c *Client) Delete(ctx context.Context, p string, version int64) error {
	p = clean(p)
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		raw := b.Get([]byte(p))
		if raw == nil {
			return coordinator.ErrNotFound
		}
		if version >= 0 {
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.Version != version {
				return coordinator.ErrVersionConflict
			}
		}
		return b.Delete([]byte(p))
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.ephemeral, p)
	c.mu.Unlock()
	c.notify(p)
	return nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	p = clean(p)
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	seen := make(map[string]bool)
	var out []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(nodesBucket).Cursor()
		for k, _ := cur.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = cur.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			if rest == "" {
				continue
			}
			seg := rest
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				seg = rest[:idx]
			}
			if !seen[seg] {
				seen[seg] = true
				out = append(out, seg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateEphemeral(ctx context.Context, p string, data []byte) error {
	p = clean(p)
	deadline := time.Now().Add(c.leaseTTL).UnixNano()
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b.Get([]byte(p)) != nil {
			return coordinator.ErrAlreadyExists
		}
		rec := record{Data: data, Version: 1, Ephemeral: true, ExpiresAt: deadline}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(p), encoded)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ephemeral[p] = true
	c.mu.Unlock()
	c.notify(p)
	return nil
}

func (c *Client) CreateSequentialEphemeral(ctx context.Context, parentPath string, data []byte) (string, error) {
	parentPath = clean(parentPath)
	deadline := time.Now().Add(c.leaseTTL).UnixNano()
	var full string
	err := c.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(seqBucket)
		n, err := sb.NextSequence()
		if err != nil {
			return err
		}
		full = parentPath + "/" + fmt.Sprintf("%020d", n)
		rec := record{Data: data, Version: 1, Ephemeral: true, ExpiresAt: deadline}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(nodesBucket).Put([]byte(full), encoded)
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.ephemeral[full] = true
	c.mu.Unlock()
	c.notify(full)
	return full, nil
}

func (c *Client) Watch(ctx context.Context, p string) (<-chan struct{}, error) {
	p = clean(p)
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, nil
	}
	c.watchers[p] = append(c.watchers[p], ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		ws := c.watchers[p]
		for i, w := range ws {
			if w == ch {
				c.watchers[p] = append(ws[:i], ws[i+1:]...)
				// Still registered, so Close has not closed it yet.
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}
