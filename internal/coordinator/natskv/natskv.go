// Package natskv is the production coordinator backend: it realizes
// coordinator.Client over a NATS JetStream key-value bucket.
//
// Hierarchical paths ("/runs/<id>") are mapped onto JetStream KV keys by
// replacing '/' with '.' (NATS subject tokens); Children lists every key
// in the bucket and keeps the first token below the prefix. A node's
// coordinator.Node.Version is the KV entry's revision, so Set/Delete's
// conditional semantics map directly onto KV's optimistic-concurrency
// Update/Delete-by-revision.
//
// Ephemeral nodes aren't a native KV concept, so they're emulated exactly
// as boltkv does: an expiry timestamp in the stored envelope, refreshed by
// a heartbeat goroutine owned by this Client, reaped by a background
// scanner when it lapses.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/Nirmata/workflow/internal/coordinator"
)

type envelope struct {
	Data      []byte `json:"data"`
	Ephemeral bool   `json:"ephemeral"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// Client is a coordinator.Client backed by a NATS JetStream KV bucket.
type Client struct {
	nc       *nats.Conn
	kv       nats.KeyValue
	leaseTTL time.Duration

	mu        sync.Mutex
	ephemeral map[string]bool
	closed    bool
	stopCh    chan struct{}
}

// Options configures Connect.
type Options struct {
	Bucket            string
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	// MaxConnectAttempts bounds the exponential-backoff dial retry;
	// zero retries indefinitely.
	MaxConnectAttempts uint64
}

// Connect dials natsURL with exponential backoff and returns a Client
// over a JetStream KV bucket, creating the bucket if it doesn't exist.
func Connect(ctx context.Context, natsURL string, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		opts.Bucket = "workflow-coordinator"
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.LeaseTTL / 3
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.LeaseTTL / 2
	}

	var nc *nats.Conn
	dial := func() error {
		var err error
		nc, err = nats.Connect(natsURL, nats.MaxReconnects(-1))
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	var retryPolicy backoff.BackOff = bo
	if opts.MaxConnectAttempts > 0 {
		retryPolicy = backoff.WithMaxRetries(bo, opts.MaxConnectAttempts)
	}
	if err := backoff.Retry(dial, backoff.WithContext(retryPolicy, ctx)); err != nil {
		return nil, fmt.Errorf("connect to coordinator: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(opts.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: opts.Bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open coordinator bucket: %w", err)
	}

	c := &Client{
		nc:        nc,
		kv:        kv,
		leaseTTL:  opts.LeaseTTL,
		ephemeral: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
	go c.heartbeatLoop(opts.HeartbeatInterval)
	go c.reapLoop(opts.ReapInterval)
	return c, nil
}

func toKey(p string) string {
	p = strings.Trim(p, "/")
	return strings.ReplaceAll(p, "/", ".")
}

func fromKey(k string) string {
	return "/" + strings.ReplaceAll(k, ".", "/")
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
	c.mu.Unlock()
	close(c.stopCh)

	for _, p := range owned {
		_ = c.kv.Delete(toKey(p))
	}
	c.nc.Close()
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
			for _, p := range paths {
				key := toKey(p)
				entry, err := c.kv.Get(key)
				if err != nil {
					continue
				}
				var env envelope
				if err := json.Unmarshal(entry.Value(), &env); err != nil {
					continue
				}
				env.ExpiresAt = deadline
				encoded, _ := json.Marshal(env)
				_, _ = c.kv.Update(key, encoded, entry.Revision())
			}
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
			keys, err := c.kv.Keys()
			if err != nil {
				continue
			}
			now := time.Now().UnixNano()
			for _, key := range keys {
				entry, err := c.kv.Get(key)
				if err != nil {
					continue
				}
				var env envelope
				if err := json.Unmarshal(entry.Value(), &env); err != nil {
					continue
				}
				if env.Ephemeral && env.ExpiresAt > 0 && env.ExpiresAt < now {
					_ = c.kv.Delete(key, nats.LastRevision(entry.Revision()))
				}
			}
		}
	}
}

func (c *Client) Create(ctx context.Context, p string, data []byte) error {
	env := envelope{Data: data}
	encoded, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = c.kv.Create(toKey(p), encoded)
	if errors.Is(err, nats.ErrKeyExists) {
		return coordinator.ErrAlreadyExists
	}
	return err
}

func (c *Client) Get(ctx context.Context, p string) (*coordinator.Node, error) {
	entry, err := c.kv.Get(toKey(p))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, coordinator.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", p, err)
	}
	return &coordinator.Node{Data: env.Data, Version: int64(entry.Revision())}, nil
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int64) error {
	key := toKey(p)
	entry, err := c.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return coordinator.ErrNotFound
	}
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return err
	}
	env.Data = data
	encoded, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = c.kv.Update(key, encoded, uint64(version))
	if isRevisionMismatch(err) {
		return coordinator.ErrVersionConflict
	}
	return err
}

func (c *Client) Delete(ctx context.Context, p string, version int64) error {
	key := toKey(p)
	var opts []nats.DeleteOpt
	if version >= 0 {
		opts = append(opts, nats.LastRevision(uint64(version)))
	}
	err := c.kv.Delete(key, opts...)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return coordinator.ErrNotFound
	}
	if isRevisionMismatch(err) {
		return coordinator.ErrVersionConflict
	}
	if err == nil {
		c.mu.Lock()
		delete(c.ephemeral, p)
		c.mu.Unlock()
	}
	return err
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	prefix := toKey(p)
	keys, err := c.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	matchPrefix := prefix + "."
	if prefix == "" {
		matchPrefix = ""
	}
	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		if prefix != "" && !strings.HasPrefix(k, matchPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, matchPrefix)
		if rest == "" {
			continue
		}
		seg := rest
		if idx := strings.IndexByte(rest, '.'); idx >= 0 {
			seg = rest[:idx]
		}
		if !seen[seg] {
			seen[seg] = true
			out = append(out, seg)
		}
	}
	return out, nil
}

func (c *Client) CreateEphemeral(ctx context.Context, p string, data []byte) error {
	deadline := time.Now().Add(c.leaseTTL).UnixNano()
	env := envelope{Data: data, Ephemeral: true, ExpiresAt: deadline}
	encoded, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = c.kv.Create(toKey(p), encoded)
	if errors.Is(err, nats.ErrKeyExists) {
		return coordinator.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ephemeral[p] = true
	c.mu.Unlock()
	return nil
}

// seqCounterKey is the key backing the monotonic counter for sequential
// ephemeral children of parentPath.
func seqCounterKey(parentPath string) string {
	return toKey(parentPath) + ".__seq__"
}

func (c *Client) CreateSequentialEphemeral(ctx context.Context, parentPath string, data []byte) (string, error) {
	counterKey := seqCounterKey(parentPath)
	var next uint64
	op := func() error {
		entry, err := c.kv.Get(counterKey)
		var cur uint64
		var rev uint64
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			cur, rev = 0, 0
		case err != nil:
			return backoff.Permanent(err)
		default:
			cur, _ = strconv.ParseUint(string(entry.Value()), 10, 64)
			rev = entry.Revision()
		}
		next = cur + 1
		encoded := []byte(strconv.FormatUint(next, 10))
		if rev == 0 {
			_, err = c.kv.Create(counterKey, encoded)
		} else {
			_, err = c.kv.Update(counterKey, encoded, rev)
		}
		if isRevisionMismatch(err) || errors.Is(err, nats.ErrKeyExists) {
			return err // retryable
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return "", fmt.Errorf("allocate sequence under %s: %w", parentPath, err)
	}

	full := parentPath + "/" + fmt.Sprintf("%020d", next)
	if err := c.CreateEphemeral(ctx, full, data); err != nil {
		return "", err
	}
	return full, nil
}

func (c *Client) Watch(ctx context.Context, p string) (<-chan struct{}, error) {
	prefix := toKey(p)
	pattern := prefix + ".>"
	if prefix == "" {
		pattern = ">"
	}
	watcher, err := c.kv.Watch(pattern)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", p, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Stop()
		defer close(out)
		updates := watcher.Updates()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func isRevisionMismatch(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		// JetStream KV reports optimistic-concurrency failures as
		// "wrong last sequence" API errors.
		return strings.Contains(strings.ToLower(apiErr.Description), "wrong last sequence")
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
