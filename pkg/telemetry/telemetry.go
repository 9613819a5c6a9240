// Package telemetry mirrors session/transfer events to Redis for labs
// running many brains and controllers at once (SPEC_FULL.md §4.11).
// It is entirely optional: a nil Sink is always safe to call and
// never touches the network, so the core driver never depends on
// Redis being reachable.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventsChannel = "v5ctl:events"
	stateHashKey  = "v5ctl:state"
)

// Event is one published occurrence: a session opening, a version
// probe, transfer progress, completion, failure, or a channel switch.
type Event struct {
	Kind   string
	Fields map[string]string
}

// Sink receives events. The zero value of *Sink (nil) is a valid,
// inert sink — every method on it is a safe no-op.
type Sink struct {
	client *redis.Client
	ctx    context.Context
}

// Dial connects to addr exactly as the teacher's Redis client does,
// verifying reachability with a Ping before returning. A nil *Sink and
// nil error is never returned by Dial; callers that want "no
// telemetry" should simply not call Dial and pass a nil *Sink around.
func Dial(addr string) (*Sink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis at %s: %w", addr, err)
	}
	return &Sink{client: client, ctx: ctx}, nil
}

// Publish mirrors ev to the shared events channel and the latest-per-
// kind state hash. Failures are logged and swallowed — telemetry must
// never fail the transfer it is reporting on (SPEC_FULL.md §4.11).
func (s *Sink) Publish(ev Event) {
	if s == nil {
		return
	}
	fields := ev.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fields["ts"] = timestamp()
	payload := encodeFields(fields)

	pipe := s.client.Pipeline()
	pipe.Publish(s.ctx, eventsChannel, fmt.Sprintf("%s:%s", ev.Kind, payload))
	pipe.HSet(s.ctx, stateHashKey, ev.Kind, payload)
	if _, err := pipe.Exec(s.ctx); err != nil {
		log.Printf("telemetry: publish %s failed: %v", ev.Kind, err)
	}
}

// Close releases the underlying Redis connection. Safe to call on a
// nil *Sink.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

func encodeFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, ",")
}

// now is overridable in tests; production callers use time.Now().
var now = time.Now

func timestamp() string { return now().UTC().Format(time.RFC3339) }
