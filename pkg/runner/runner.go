package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/agentpool/pkg/broker"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/pool"
	"github.com/cuemby/agentpool/pkg/types"
)

// DefaultTimeout is the request timeout applied when a Request leaves
// Timeout zero, per §5's cancellation model.
const DefaultTimeout = 10 * time.Minute

// Broker is the subset of pkg/broker.Broker the runner depends on.
type Broker interface {
	SendInput(ctx context.Context, session string, input map[string]any) error
	SendInterrupt(ctx context.Context, session string, interrupt types.Interrupt) error
	SubscribeOutput(ctx context.Context, session string, callback func(types.Record)) broker.Unsubscribe
	GetState(ctx context.Context, session string) (*types.StateRecord, error)
	WaitForResult(ctx context.Context, session string, timeout time.Duration) (*types.Record, error)
}

// Pool is the subset of pkg/pool.Manager the runner depends on.
type Pool interface {
	GetContainer(ctx context.Context, session, agentID string, ws pool.Workspace, agentCfg pool.AgentConfig) (*types.ContainerRecord, error)
	ReleaseContainer(ctx context.Context, session string, returnToPool bool) error
}

// Attachment is one file attached to a request's prompt.
type Attachment struct {
	Name string
	Path string
}

// Request is one prompt-execution request, §4.7.
type Request struct {
	SessionKey        string
	AgentID           string
	Prompt            string
	Attachments       []Attachment
	Workspace         pool.Workspace
	ExtraSystemPrompt string
	Model             string

	// Timeout defaults to DefaultTimeout when zero.
	Timeout time.Duration

	// OutputCallback, if set, is invoked once per parsed output record
	// in arrival order, for the duration of the call.
	OutputCallback func(types.Record)
	// ResultCallback, if set, is invoked once with the final Result
	// before Run returns.
	ResultCallback func(Result)
}

// Result is the public result of one Run call, translated from the
// terminal output record.
type Result struct {
	Result             *string
	Usage              types.Usage
	DurationMs         int64
	ExitCode           int
	ResumableSessionID string
}

// Runner orchestrates one request end-to-end: assignment, subscription,
// input, wait, release.
type Runner struct {
	pool   Pool
	broker Broker
	logger zerolog.Logger
}

// New constructs a Runner over the given pool manager and broker client.
func New(p Pool, b Broker) *Runner {
	return &Runner{pool: p, broker: b, logger: log.WithComponent("runner")}
}

// Run implements the run operation of §4.7.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	container, err := r.pool.GetContainer(ctx, req.SessionKey, req.AgentID, req.Workspace, buildAgentConfig(req))
	if err != nil {
		return Result{}, fmt.Errorf("runner: assign %s: %w", req.SessionKey, err)
	}
	logger := log.WithSession(req.SessionKey)

	var unsubscribe func()
	if req.OutputCallback != nil {
		unsubscribe = r.broker.SubscribeOutput(ctx, req.SessionKey, req.OutputCallback)
	}
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	input := buildInput(req)
	if err := r.broker.SendInput(ctx, req.SessionKey, input); err != nil {
		return Result{}, fmt.Errorf("runner: send input to %s: %w", req.SessionKey, err)
	}

	term, err := r.broker.WaitForResult(ctx, req.SessionKey, timeout)
	if err != nil {
		return Result{}, fmt.Errorf("runner: wait for result from %s: %w", req.SessionKey, err)
	}

	var result Result
	if term == nil {
		logger.Warn().Str("container", container.Name).Dur("timeout", timeout).Msg("request timed out awaiting terminal result")
		result = Result{Usage: types.Usage{}}
	} else {
		result = translate(*term)
	}

	if state, err := r.broker.GetState(ctx, req.SessionKey); err == nil && state != nil {
		result.ResumableSessionID = state.ResumableSessionID
	}

	if req.ResultCallback != nil {
		req.ResultCallback(result)
	}
	return result, nil
}

// Stop publishes a stop interrupt then releases the container back to
// the pool.
func (r *Runner) Stop(ctx context.Context, session string) error {
	if err := r.broker.SendInterrupt(ctx, session, types.Interrupt{Type: types.InterruptStop}); err != nil {
		return fmt.Errorf("runner: stop %s: %w", session, err)
	}
	return r.pool.ReleaseContainer(ctx, session, true)
}

// GetStatus returns the session's current state record.
func (r *Runner) GetStatus(ctx context.Context, session string) (*types.StateRecord, error) {
	return r.broker.GetState(ctx, session)
}

// SendInterrupt dispatches an arbitrary interrupt to a session.
func (r *Runner) SendInterrupt(ctx context.Context, session string, interrupt types.Interrupt) error {
	return r.broker.SendInterrupt(ctx, session, interrupt)
}

// Close tears down this runner instance. The runner holds no resources
// of its own beyond its collaborators; callers that constructed the pool
// manager and broker client are responsible for closing those.
func (r *Runner) Close() {}

func buildAgentConfig(req Request) pool.AgentConfig {
	env := make(map[string]string)
	if req.Model != "" {
		env["CLAUDE_MODEL"] = req.Model
	}
	return pool.AgentConfig{Env: env}
}

func buildInput(req Request) map[string]any {
	input := map[string]any{
		"prompt": req.Prompt,
	}
	if len(req.Attachments) > 0 {
		attachments := make([]map[string]string, 0, len(req.Attachments))
		for _, a := range req.Attachments {
			attachments = append(attachments, map[string]string{"name": a.Name, "path": a.Path})
		}
		input["attachments"] = attachments
	}
	if req.ExtraSystemPrompt != "" {
		input["extra_system_prompt"] = req.ExtraSystemPrompt
	}
	if req.Model != "" {
		input["model"] = req.Model
	}
	return input
}

// translate converts a terminal output record into a public Result, per
// step 4 of §4.7: zero-filled usage when absent, exit code 1 only on an
// error subtype.
func translate(term types.Record) Result {
	exitCode := 0
	if term.Subtype == types.ResultError {
		exitCode = 1
	}
	return Result{
		Result:     term.Result,
		Usage:      term.Usage,
		DurationMs: term.DurationMs,
		ExitCode:   exitCode,
	}
}

// Process-wide shared instance, per §9's singleton façade design note:
// the spec requires the capability, not the globality. The caller
// constructs the instance and installs it with SetDefault; until then
// Default returns nil.
var (
	defaultMu       sync.Mutex
	defaultInstance *Runner
)

// SetDefault installs the process-wide shared Runner instance.
func SetDefault(r *Runner) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultInstance = r
}

// Default returns the process-wide shared Runner instance, or nil if
// SetDefault has never been called.
func Default() *Runner {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultInstance
}

// Teardown clears the process-wide shared instance, closing it first.
func Teardown() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInstance != nil {
		defaultInstance.Close()
		defaultInstance = nil
	}
}
