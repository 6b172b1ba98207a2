// Package broker provides the session-scoped queue/pub-sub/map/
// single-value/bounded-list fabric of §4.4, backed by Redis. Every key is
// namespaced under a configurable prefix; two connections are held, one
// for commands and one dedicated to subscriptions, so a blocking
// subscribe never stalls an unrelated command.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/metrics"
	"github.com/cuemby/agentpool/pkg/types"
)

const (
	outputBufferMaxLen = 1000
	outputBufferTTL    = time.Hour
	stateTTL           = 60 * time.Second
	resultTTL          = time.Hour

	waitForResultPollInterval = 500 * time.Millisecond

	maxReconnectBackoff = 5 * time.Second
	baseReconnectBackoff = 100 * time.Millisecond
	maxReconnectAttempts = 8
)

// Unsubscribe releases a SubscribeOutput subscription.
type Unsubscribe func()

// Broker is the session channel set client.
type Broker struct {
	cmd    *redis.Client
	sub    *redis.Client
	prefix string
}

// New connects two clients (command and subscription) to the broker at
// url, namespacing every key under prefix.
func New(url, prefix string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("broker: parse url: %w", err)
	}

	cmd := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	b := &Broker{cmd: cmd, sub: sub, prefix: prefix}
	return b, nil
}

// Close releases both connections.
func (b *Broker) Close() error {
	err1 := b.cmd.Close()
	err2 := b.sub.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (b *Broker) key(session, suffix string) string {
	return fmt.Sprintf("%s%s:%s", b.prefix, session, suffix)
}

// recordOp increments agentpool_broker_operations_total for op, labeled
// by whether err is nil.
func recordOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BrokerOperationsTotal.WithLabelValues(op, outcome).Inc()
}

// Ping measures round-trip latency to the broker.
func (b *Broker) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := b.cmd.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("broker: ping: %w", err)
	}
	return time.Since(start), nil
}

// Available reports whether the broker answered Ping within timeout.
func (b *Broker) Available(ctx context.Context, timeout time.Duration) bool {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := b.Ping(pingCtx)
	return err == nil
}

// SendInput pushes one input record onto the session's input queue
// (host -> container).
func (b *Broker) SendInput(ctx context.Context, session string, input map[string]any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("broker: marshal input: %w", err)
	}
	err = withRetry(ctx, func() error {
		return b.cmd.RPush(ctx, b.key(session, "input"), data).Err()
	})
	recordOp("send_input", err)
	return err
}

// InjectPriorityInput pushes one input record onto the head of the
// session's input queue, used by the in-container wrapper to honor a
// redirect interrupt ahead of whatever is already queued.
func (b *Broker) InjectPriorityInput(ctx context.Context, session string, input map[string]any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("broker: marshal priority input: %w", err)
	}
	err = withRetry(ctx, func() error {
		return b.cmd.LPush(ctx, b.key(session, "input"), data).Err()
	})
	recordOp("inject_priority_input", err)
	return err
}

// PopInput blocks (up to timeout) for the next input record.
func (b *Broker) PopInput(ctx context.Context, session string, timeout time.Duration) (map[string]any, error) {
	res, err := b.cmd.BLPop(ctx, timeout, b.key(session, "input")).Result()
	if err == redis.Nil {
		recordOp("pop_input", nil)
		return nil, nil
	}
	if err != nil {
		recordOp("pop_input", err)
		return nil, fmt.Errorf("broker: pop input: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res[1]), &out); err != nil {
		recordOp("pop_input", err)
		return nil, fmt.Errorf("broker: decode input: %w", err)
	}
	recordOp("pop_input", nil)
	return out, nil
}

// SendInterrupt publishes on the control channel and enqueues on the
// interrupt queue, giving at-least-once delivery to a container that
// isn't currently subscribed.
func (b *Broker) SendInterrupt(ctx context.Context, session string, interrupt types.Interrupt) error {
	data, err := json.Marshal(interrupt)
	if err != nil {
		return fmt.Errorf("broker: marshal interrupt: %w", err)
	}

	err = withRetry(ctx, func() error {
		if err := b.cmd.Publish(ctx, b.key(session, "control"), data).Err(); err != nil {
			return err
		}
		return b.cmd.RPush(ctx, b.key(session, "interrupt_queue"), data).Err()
	})
	recordOp("send_interrupt", err)
	if err == nil {
		metrics.InterruptsDeliveredTotal.WithLabelValues(string(interrupt.Type)).Inc()
	}
	return err
}

// DequeueInterrupt pops (non-blocking) one pending interrupt from the
// interrupt queue, used by the wrapper to drain interrupts missed while
// it was absent.
func (b *Broker) DequeueInterrupt(ctx context.Context, session string) (*types.Interrupt, error) {
	res, err := b.cmd.LPop(ctx, b.key(session, "interrupt_queue")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		recordOp("dequeue_interrupt", err)
		return nil, fmt.Errorf("broker: dequeue interrupt: %w", err)
	}
	var interrupt types.Interrupt
	if err := json.Unmarshal([]byte(res), &interrupt); err != nil {
		recordOp("dequeue_interrupt", err)
		return nil, fmt.Errorf("broker: decode interrupt: %w", err)
	}
	recordOp("dequeue_interrupt", nil)
	metrics.InterruptsDeliveredTotal.WithLabelValues(string(interrupt.Type)).Inc()
	return &interrupt, nil
}

// SubscribeOutput subscribes to the session's output channel; callback
// is invoked once per record in arrival order until Unsubscribe is
// called. Uses the dedicated subscription connection.
func (b *Broker) SubscribeOutput(ctx context.Context, session string, callback func(types.Record)) Unsubscribe {
	pubsub := b.sub.Subscribe(ctx, b.key(session, "output"))
	done := make(chan struct{})

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec types.Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					log.WithComponent("broker").Warn().Err(err).Msg("discarding undecodable output record")
					continue
				}
				callback(rec)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = pubsub.Close()
	}
}

// SubscribeControl subscribes to the session's control channel
// (host -> container immediate interrupts). Used by the in-container
// wrapper; the interrupt queue drain at startup covers interrupts sent
// while no subscriber was listening.
func (b *Broker) SubscribeControl(ctx context.Context, session string, callback func(types.Interrupt)) Unsubscribe {
	pubsub := b.sub.Subscribe(ctx, b.key(session, "control"))
	done := make(chan struct{})

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var interrupt types.Interrupt
				if err := json.Unmarshal([]byte(msg.Payload), &interrupt); err != nil {
					log.WithComponent("broker").Warn().Err(err).Msg("discarding undecodable control message")
					continue
				}
				callback(interrupt)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = pubsub.Close()
	}
}

// PublishOutput publishes one non-terminal (or terminal) output record
// and appends it to the replay buffer, trimmed to the last 1000 entries
// with a 1-hour TTL.
func (b *Broker) PublishOutput(ctx context.Context, session string, rec types.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("broker: marshal output: %w", err)
	}

	if err := b.cmd.Publish(ctx, b.key(session, "output"), data).Err(); err != nil {
		return fmt.Errorf("broker: publish output: %w", err)
	}

	bufKey := b.key(session, "output_buffer")
	pipe := b.cmd.TxPipeline()
	pipe.RPush(ctx, bufKey, data)
	pipe.LTrim(ctx, bufKey, -outputBufferMaxLen, -1)
	pipe.Expire(ctx, bufKey, outputBufferTTL)
	_, err = pipe.Exec(ctx)
	recordOp("publish_output", err)
	if err != nil {
		return fmt.Errorf("broker: append output buffer: %w", err)
	}
	return nil
}

// GetBufferedOutput returns the replay buffer for a late subscriber.
func (b *Broker) GetBufferedOutput(ctx context.Context, session string) ([]types.Record, error) {
	raw, err := b.cmd.LRange(ctx, b.key(session, "output_buffer"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: read output buffer: %w", err)
	}
	out := make([]types.Record, 0, len(raw))
	for _, item := range raw {
		var rec types.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateState overwrites the session's state map, refreshing its 60s
// TTL.
func (b *Broker) UpdateState(ctx context.Context, session string, state types.StateRecord) error {
	key := b.key(session, "state")
	fields := map[string]any{
		"status":               string(state.Status),
		"last_heartbeat":       state.LastHeartbeat.Format(time.RFC3339),
		"resumable_session_id": state.ResumableSessionID,
		"turn_count":           state.TurnCount,
	}

	pipe := b.cmd.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, stateTTL)
	_, err := pipe.Exec(ctx)
	recordOp("update_state", err)
	if err != nil {
		return fmt.Errorf("broker: update state: %w", err)
	}
	return nil
}

// GetState returns the session's current state record, or nil if it has
// expired or never existed.
func (b *Broker) GetState(ctx context.Context, session string) (*types.StateRecord, error) {
	vals, err := b.cmd.HGetAll(ctx, b.key(session, "state")).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: read state: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	state := &types.StateRecord{
		Status:             types.ContainerStatus(vals["status"]),
		ResumableSessionID: vals["resumable_session_id"],
	}
	if ts, err := time.Parse(time.RFC3339, vals["last_heartbeat"]); err == nil {
		state.LastHeartbeat = ts
	}
	fmt.Sscanf(vals["turn_count"], "%d", &state.TurnCount)
	return state, nil
}

// PublishResult publishes the terminal result both to the output channel
// and as the durable, TTL'd result value.
func (b *Broker) PublishResult(ctx context.Context, session string, rec types.Record) error {
	if err := b.PublishOutput(ctx, session, rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("broker: marshal result: %w", err)
	}
	err = b.cmd.Set(ctx, b.key(session, "result"), data, resultTTL).Err()
	recordOp("publish_result", err)
	if err != nil {
		return fmt.Errorf("broker: store result: %w", err)
	}
	return nil
}

// GetResult returns the session's stored terminal result, or nil if
// none has been published (or it has expired).
func (b *Broker) GetResult(ctx context.Context, session string) (*types.Record, error) {
	data, err := b.cmd.Get(ctx, b.key(session, "result")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: read result: %w", err)
	}
	var rec types.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("broker: decode result: %w", err)
	}
	return &rec, nil
}

// WaitForResult polls the result value and, failing that, the state
// record's terminal status every 500ms until timeout, returning the
// terminal result or nil on timeout.
func (b *Broker) WaitForResult(ctx context.Context, session string, timeout time.Duration) (*types.Record, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitForResultPollInterval)
	defer ticker.Stop()

	for {
		if rec, err := b.GetResult(ctx, session); err != nil {
			return nil, err
		} else if rec != nil {
			return rec, nil
		}

		if state, err := b.GetState(ctx, session); err == nil && state != nil && isTerminalStatus(state.Status) {
			// The wrapper reached a terminal status (stopped or
			// failed) without ever publishing a result record, e.g. it
			// crashed mid-turn. One last result check covers the race
			// where the result lands between the state read above and
			// here; otherwise there is nothing left to wait for.
			if rec, err := b.GetResult(ctx, session); err == nil && rec != nil {
				return rec, nil
			}
			return nil, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isTerminalStatus(status types.ContainerStatus) bool {
	return status == types.StatusStopped || status == types.StatusFailed
}

// ClearSession deletes every key belonging to session.
func (b *Broker) ClearSession(ctx context.Context, session string) error {
	suffixes := []string{"input", "output_buffer", "state", "result", "interrupt_queue"}
	keys := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		keys = append(keys, b.key(session, s))
	}
	err := b.cmd.Del(ctx, keys...).Err()
	recordOp("clear_session", err)
	if err != nil {
		return fmt.Errorf("broker: clear session: %w", err)
	}
	return nil
}

// withRetry retries fn with exponential backoff capped at
// maxReconnectBackoff, surfacing the error only once retries are
// exhausted (§7 BrokerTransient).
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		backoff := time.Duration(math.Min(
			float64(maxReconnectBackoff),
			float64(baseReconnectBackoff)*math.Pow(2, float64(attempt)),
		))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("broker: exhausted retries: %w", lastErr)
}
