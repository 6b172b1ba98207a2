package wrapper

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/agentpool/pkg/broker"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/metrics"
	"github.com/cuemby/agentpool/pkg/streamparser"
	"github.com/cuemby/agentpool/pkg/types"
)

const heartbeatInterval = 10 * time.Second

// inputPollTimeout bounds each blocking PopInput call so the run loop can
// periodically notice context cancellation.
const inputPollTimeout = 2 * time.Second

// Broker is the subset of pkg/broker.Broker the wrapper depends on.
type Broker interface {
	PopInput(ctx context.Context, session string, timeout time.Duration) (map[string]any, error)
	InjectPriorityInput(ctx context.Context, session string, input map[string]any) error
	DequeueInterrupt(ctx context.Context, session string) (*types.Interrupt, error)
	SubscribeControl(ctx context.Context, session string, callback func(types.Interrupt)) broker.Unsubscribe
	UpdateState(ctx context.Context, session string, state types.StateRecord) error
	PublishOutput(ctx context.Context, session string, rec types.Record) error
	PublishResult(ctx context.Context, session string, rec types.Record) error
}

// Wrapper drives one session's in-container lifecycle: heartbeats,
// interrupt handling, and the input -> agent -> output/result cycle.
type Wrapper struct {
	broker Broker
	agent  Agent
	cfg    Config
	logger zerolog.Logger

	mu                 sync.Mutex
	status             types.ContainerStatus
	resumableSessionID string
	turnCount          int
	current            Process
}

// New constructs a Wrapper for the given configuration, broker client,
// and agent spawner.
func New(cfg Config, b Broker, agent Agent) *Wrapper {
	return &Wrapper{
		broker: b,
		agent:  agent,
		cfg:    cfg,
		logger: log.WithSession(cfg.SessionID),
		status: types.StatusIdle,
	}
}

// Run drains missed interrupts, starts the heartbeat and live-interrupt
// subscriptions, then blocks on the input queue until ctx is cancelled.
// On cancellation it marks the session stopped before returning.
func (w *Wrapper) Run(ctx context.Context) error {
	w.drainMissedInterrupts(ctx)

	stopHeartbeat := w.startHeartbeat(ctx)
	defer stopHeartbeat()

	unsubscribe := w.broker.SubscribeControl(ctx, w.cfg.SessionID, func(interrupt types.Interrupt) {
		w.handleInterrupt(ctx, interrupt)
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			w.setStatus(types.StatusStopped)
			return nil
		default:
		}

		input, err := w.broker.PopInput(ctx, w.cfg.SessionID, inputPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.setStatus(types.StatusStopped)
				return nil
			}
			w.logger.Error().Err(err).Msg("pop input failed, retrying")
			continue
		}
		if input == nil {
			continue
		}

		w.runTurn(ctx, parseInput(input))
	}
}

// drainMissedInterrupts absorbs interrupts queued while this wrapper was
// absent, per §4.8 and end-to-end scenario 5.
func (w *Wrapper) drainMissedInterrupts(ctx context.Context) {
	for {
		interrupt, err := w.broker.DequeueInterrupt(ctx, w.cfg.SessionID)
		if err != nil {
			w.logger.Warn().Err(err).Msg("dequeue interrupt failed during startup drain")
			return
		}
		if interrupt == nil {
			return
		}
		w.handleInterrupt(ctx, *interrupt)
	}
}

// startHeartbeat publishes status/last_heartbeat every 10s, refreshing
// the state record's TTL. Returns a function that stops the ticker.
func (w *Wrapper) startHeartbeat(ctx context.Context) func() {
	ticker := time.NewTicker(heartbeatInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				w.publishState(ctx)
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

func (w *Wrapper) publishState(ctx context.Context) {
	w.mu.Lock()
	state := types.StateRecord{
		Status:             w.status,
		LastHeartbeat:      time.Now(),
		ResumableSessionID: w.resumableSessionID,
		TurnCount:          w.turnCount,
	}
	w.mu.Unlock()

	if err := w.broker.UpdateState(ctx, w.cfg.SessionID, state); err != nil {
		w.logger.Warn().Err(err).Msg("publish heartbeat failed")
	}
}

func (w *Wrapper) setStatus(status types.ContainerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
	w.publishState(context.Background())
}

// runTurn spawns the agent process for one input, parses its structured
// output stream, publishes every non-terminal record, and captures and
// publishes the terminal result.
func (w *Wrapper) runTurn(ctx context.Context, in Input) {
	start := time.Now()
	w.setStatus(types.StatusRunning)

	process, err := w.agent.Spawn(ctx, in)
	if err != nil {
		w.logger.Error().Err(err).Msg("spawn agent failed")
		w.publishTerminal(ctx, errorResult(start))
		w.setStatus(types.StatusIdle)
		return
	}

	w.mu.Lock()
	w.current = process
	w.mu.Unlock()

	var terminal *types.Record
	parser := streamparser.New()
	buf := make([]byte, 4096)
	out := process.Output()

	for {
		n, rerr := out.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n], func(rec types.Record) {
				if rec.Kind == types.MessageResult {
					r := rec
					terminal = &r
					return
				}
				if err := w.broker.PublishOutput(ctx, w.cfg.SessionID, rec); err != nil {
					w.logger.Warn().Err(err).Msg("publish output record failed")
				}
			})
		}
		if rerr != nil {
			if rerr != io.EOF {
				w.logger.Warn().Err(rerr).Msg("reading agent output stream failed")
			}
			break
		}
	}

	if err := process.Wait(); err != nil {
		w.logger.Warn().Err(err).Msg("agent process exited with error")
	}

	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()

	if terminal == nil {
		r := errorResult(start)
		terminal = &r
	}

	w.mu.Lock()
	w.turnCount++
	if terminal.SessionID != "" {
		w.resumableSessionID = terminal.SessionID
	}
	w.mu.Unlock()

	metrics.SessionTurnsTotal.WithLabelValues(w.cfg.SessionID).Inc()

	w.publishTerminal(ctx, *terminal)
	w.setStatus(types.StatusIdle)
}

func (w *Wrapper) publishTerminal(ctx context.Context, rec types.Record) {
	if err := w.broker.PublishResult(ctx, w.cfg.SessionID, rec); err != nil {
		w.logger.Error().Err(err).Msg("publish terminal result failed")
	}
}

func errorResult(start time.Time) types.Record {
	return types.Record{
		Kind:       types.MessageResult,
		Subtype:    types.ResultError,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// handleInterrupt dispatches one control-channel message, §6.4. Unknown
// kinds are logged and ignored.
func (w *Wrapper) handleInterrupt(ctx context.Context, interrupt types.Interrupt) {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()

	switch interrupt.Type {
	case types.InterruptStop:
		if current == nil {
			return
		}
		if err := current.Stop(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("graceful stop of agent process failed")
		}
	case types.InterruptRedirect:
		input := map[string]any{
			"prompt":   interrupt.Message,
			"priority": string(interrupt.Priority),
		}
		if err := w.broker.InjectPriorityInput(ctx, w.cfg.SessionID, input); err != nil {
			w.logger.Warn().Err(err).Msg("inject redirect input failed")
		}
	case types.InterruptPause:
		if current == nil {
			w.logger.Warn().Msg("pause interrupt with no turn in flight")
			return
		}
		if err := current.Pause(); err != nil {
			w.logger.Warn().Err(err).Msg("pause agent process failed")
		}
	case types.InterruptResume:
		if current == nil {
			w.logger.Warn().Msg("resume interrupt with no turn in flight")
			return
		}
		if err := current.Resume(); err != nil {
			w.logger.Warn().Err(err).Msg("resume agent process failed")
		}
	default:
		w.logger.Warn().Str("kind", string(interrupt.Type)).Msg("unknown interrupt, ignoring")
	}
}
