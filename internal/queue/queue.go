// Package queue implements the per-task-type distributed queue over a
// coordinator.Client: persistent sequential entries under a type's queue
// path, dispensed FIFO (STANDARD), by ascending priority key with FIFO
// tie-break (PRIORITY), or only once their delay has elapsed (DELAY).
// With more than one shard configured, task types are partitioned across
// the physical shards: a type's shard is chosen by hashing its
// name+version with murmur3, and all of that type's entries live in that
// one shard.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/Nirmata/workflow/internal/coordinator"
	"github.com/Nirmata/workflow/internal/types"
)

// Item is one enqueued unit of work: enough to locate the ExecutableTask
// record without re-reading the full run, plus the dispense controls for
// PRIORITY/DELAY modes.
type Item struct {
	RunID          string    `json:"runId"`
	TaskID         string    `json:"taskId"`
	EnqueueTimeUTC time.Time `json:"enqueueTimeUtc"`
	DispenseAtUTC  time.Time `json:"dispenseAtUtc,omitempty"`
	PriorityKey    uint32    `json:"priorityKey,omitempty"`
}

// Queue is the distributed queue for every task type, sharded over a
// shared coordinator namespace.
type Queue struct {
	client       coordinator.Client
	shardCount   int
	pollInterval time.Duration
}

// New returns a Queue that places each task type in one of shardCount
// physical shards (shardCount <= 1 disables sharding).
func New(client coordinator.Client, shardCount int) *Queue {
	if shardCount < 1 {
		shardCount = 1
	}
	return &Queue{client: client, shardCount: shardCount, pollInterval: 500 * time.Millisecond}
}

func typeKey(tt types.TaskType) string {
	return tt.Name + "@" + tt.Version
}

func shardIndex(key string, shards int) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(shards))
}

func (q *Queue) shardPath(tt types.TaskType) string {
	key := typeKey(tt)
	return fmt.Sprintf("/queues/%s/shard-%d", key, shardIndex(key, q.shardCount))
}

func (q *Queue) itemsPath(tt types.TaskType) string {
	return q.shardPath(tt) + "/items"
}

func (q *Queue) counterPath(tt types.TaskType) string {
	return q.shardPath(tt) + "/seq"
}

// Enqueue writes item as a new persistent entry under tt's shard,
// assigning it the next monotonic sequence number via an
// optimistic-concurrency counter.
func (q *Queue) Enqueue(ctx context.Context, tt types.TaskType, item Item) error {
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}

	seq, err := q.nextSequence(ctx, tt)
	if err != nil {
		return fmt.Errorf("allocate queue sequence: %w", err)
	}

	path := q.itemsPath(tt) + "/" + fmt.Sprintf("%020d", seq)
	if err := q.client.Create(ctx, path, encoded); err != nil {
		return fmt.Errorf("create queue entry: %w", err)
	}
	return nil
}

func (q *Queue) nextSequence(ctx context.Context, tt types.TaskType) (int64, error) {
	path := q.counterPath(tt)
	for {
		node, err := q.client.Get(ctx, path)
		if err == coordinator.ErrNotFound {
			if createErr := q.client.Create(ctx, path, []byte("1")); createErr == nil {
				return 1, nil
			} else if createErr == coordinator.ErrAlreadyExists {
				continue
			} else {
				return 0, createErr
			}
		} else if err != nil {
			return 0, err
		}

		cur, parseErr := strconv.ParseInt(strings.TrimSpace(string(node.Data)), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("parse queue counter: %w", parseErr)
		}
		next := cur + 1
		setErr := q.client.Set(ctx, path, []byte(strconv.FormatInt(next, 10)), node.Version)
		if setErr == coordinator.ErrVersionConflict {
			continue
		}
		if setErr != nil {
			return 0, setErr
		}
		return next, nil
	}
}

// entry is a parsed queue node paired with its coordinator path and
// sequence, used internally to pick the next item to dispense.
type entry struct {
	path string
	seq  int64
	item Item
}

func (q *Queue) listReady(ctx context.Context, tt types.TaskType, now time.Time) ([]entry, error) {
	base := q.itemsPath(tt)
	names, err := q.client.Children(ctx, base)
	if err != nil {
		return nil, err
	}

	var out []entry
	for _, name := range names {
		path := base + "/" + name
		node, err := q.client.Get(ctx, path)
		if err == coordinator.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var it Item
		if err := json.Unmarshal(node.Data, &it); err != nil {
			continue
		}
		if !it.DispenseAtUTC.IsZero() && it.DispenseAtUTC.After(now) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimLeft(name, "0"), 10, 64)
		if err != nil {
			if strings.Trim(name, "0") == "" {
				seq = 0
			} else {
				continue
			}
		}
		out = append(out, entry{path: path, seq: seq, item: it})
	}

	switch tt.Mode {
	case types.ModePriority:
		sort.Slice(out, func(i, j int) bool {
			if out[i].item.PriorityKey != out[j].item.PriorityKey {
				return out[i].item.PriorityKey < out[j].item.PriorityKey
			}
			return out[i].seq < out[j].seq
		})
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	}
	return out, nil
}

// Handler processes one dequeued item. A nil return removes the item from
// the queue permanently; any other error leaves it in place so a future
// Consume call (this process or another) retries it.
type Handler func(ctx context.Context, item Item) error

// Consume runs handle against ready items of tt until ctx is done,
// competing fairly with any other consumer of the same type via a
// per-item ephemeral lock: only the consumer that wins the lock processes
// the item, so handlers never run concurrently for the same entry.
func (q *Queue) Consume(ctx context.Context, tt types.TaskType, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := q.dispenseOne(ctx, tt, handle)
		if err != nil {
			return err
		}
		if processed {
			continue
		}

		base := q.itemsPath(tt)
		watch, err := q.client.Watch(ctx, base)
		if err != nil {
			return fmt.Errorf("watch queue %s: %w", base, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watch:
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *Queue) dispenseOne(ctx context.Context, tt types.TaskType, handle Handler) (bool, error) {
	ready, err := q.listReady(ctx, tt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("list queue %s: %w", q.itemsPath(tt), err)
	}

	for _, e := range ready {
		lockPath := e.path + "/lock"
		if err := q.client.CreateEphemeral(ctx, lockPath, nil); err != nil {
			if err == coordinator.ErrAlreadyExists {
				continue
			}
			return false, fmt.Errorf("acquire queue lock %s: %w", lockPath, err)
		}

		// Re-check the entry under the lock: a peer that finished this
		// item between our listing and our lock acquisition has already
		// deleted it, and handling the stale copy would double-process.
		if _, err := q.client.Get(ctx, e.path); err != nil {
			_ = q.client.Delete(ctx, lockPath, -1)
			if err == coordinator.ErrNotFound {
				continue
			}
			return false, fmt.Errorf("re-read queue entry %s: %w", e.path, err)
		}

		handleErr := handle(ctx, e.item)
		if handleErr != nil {
			// Leave the entry in place for another consumer to retry;
			// releasing the lock is what makes it re-dispensable.
			_ = q.client.Delete(ctx, lockPath, -1)
			return true, nil
		}
		if err := q.client.Delete(ctx, e.path, -1); err != nil && err != coordinator.ErrNotFound {
			_ = q.client.Delete(ctx, lockPath, -1)
			return false, fmt.Errorf("remove queue entry %s: %w", e.path, err)
		}
		_ = q.client.Delete(ctx, lockPath, -1)
		return true, nil
	}
	return false, nil
}
