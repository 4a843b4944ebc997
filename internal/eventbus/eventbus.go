// Package eventbus implements the Event Bus (C8): a per-task bounded ring
// of ordered events with monotonic IDs and TTL-based GC, grounded on the
// teacher's internal/orchestrator/dedupe.go Redis usage (redis.Client,
// ping-on-construct), narrowed here to the RPUSH/LTRIM/EXPIRE list pattern
// the task-scoped queue needs.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// Bus publishes and replays per-task ordered events on a Redis list.
type Bus struct {
	client      *redis.Client
	maxMessages int64
	ttl         time.Duration
	idMu        sync.Mutex
	lastMillis  map[string]int64
	lastSeq     map[string]int
}

// Config bundles Bus construction parameters.
type Config struct {
	Addr        string
	Password    string
	DB          int
	MaxMessages int           // default 100
	TTL         time.Duration // default 300s
}

// New dials Redis and pings it, matching dedupe.go's ping-on-construct
// pattern.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 100
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: redis ping failed: %w", err)
	}
	return &Bus{
		client:      client,
		maxMessages: int64(maxMessages),
		ttl:         ttl,
		lastMillis:  make(map[string]int64),
		lastSeq:     make(map[string]int),
	}, nil
}

// Close releases the underlying Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

func (b *Bus) key(taskID string) string {
	return "shadowforge:events:" + taskID
}

// nextID assigns "<task_id>_<unix_ms>", breaking same-millisecond ties with
// a monotonic dotted sequence counter so string comparison of IDs still
// orders them correctly within a task. Callers must hold idMu.
func (b *Bus) nextID(taskID string) string {
	millis := time.Now().UnixMilli()
	if last, ok := b.lastMillis[taskID]; ok && millis <= last {
		b.lastSeq[taskID]++
		return fmt.Sprintf("%s_%d.%04d", taskID, last, b.lastSeq[taskID])
	}
	b.lastMillis[taskID] = millis
	b.lastSeq[taskID] = 0
	return fmt.Sprintf("%s_%d", taskID, millis)
}

// Publish assigns a monotonic ID, appends to the task's bounded Redis list,
// trims it to the configured max, and refreshes the TTL. Orchestrator fans
// out chunk processing across goroutines that all publish chunk_completed
// concurrently for the same task, so ID assignment and the RPush that
// records it are held under the same lock: without that, two goroutines
// could interleave their Redis writes in an order that disagrees with their
// assigned IDs, and Fetch's ID-based replay filter would then skip an event
// a client hadn't seen yet.
func (b *Bus) Publish(ctx context.Context, taskID string, eventType domain.EventType, payload map[string]any) error {
	b.idMu.Lock()
	defer b.idMu.Unlock()

	event := domain.Event{
		ID:        b.nextID(taskID),
		TaskID:    taskID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}

	key := b.key(taskID)
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -b.maxMessages, -1)
	pipe.Expire(ctx, key, b.ttl)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// Fetch returns every stored event for a task with ID strictly greater than
// afterID (empty afterID returns everything currently retained).
func (b *Bus) Fetch(ctx context.Context, taskID string, afterID string) ([]domain.Event, error) {
	raws, err := b.client.LRange(ctx, b.key(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: fetch: %w", err)
	}
	events := make([]domain.Event, 0, len(raws))
	for _, raw := range raws {
		var ev domain.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("eventbus: decode stored event: %w", err)
		}
		if afterID == "" || ev.ID > afterID {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Latest returns the most recently published event for a task, or the zero
// Event with ok=false if the queue is empty or expired.
func (b *Bus) Latest(ctx context.Context, taskID string) (domain.Event, bool, error) {
	raws, err := b.client.LRange(ctx, b.key(taskID), -1, -1).Result()
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("eventbus: latest: %w", err)
	}
	if len(raws) == 0 {
		return domain.Event{}, false, nil
	}
	var ev domain.Event
	if err := json.Unmarshal([]byte(raws[0]), &ev); err != nil {
		return domain.Event{}, false, fmt.Errorf("eventbus: decode stored event: %w", err)
	}
	return ev, true, nil
}
