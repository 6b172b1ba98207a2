// Package pool is the central scheduler (§4.5): it assigns sessions to
// containers, enforces the per-agent and total caps, keeps a warm pool
// topped up, and runs the health and maintenance ticks that reap idle,
// aged, or stale containers. All mutation of the in-memory maps is
// serialized behind one mutex; registry writes (which bbolt serializes
// on its own), broker calls, and runtime calls happen outside it.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/health"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/metrics"
	"github.com/cuemby/agentpool/pkg/registry"
	"github.com/cuemby/agentpool/pkg/runtime"
	"github.com/cuemby/agentpool/pkg/types"
)

// BrokerStateChecker is the subset of pkg/broker.Broker the pool manager
// needs: reading back the state record the in-container wrapper
// heartbeats into, so the registry's last-heartbeat can be kept current
// without the wrapper ever talking to the registry directly.
type BrokerStateChecker interface {
	GetState(ctx context.Context, session string) (*types.StateRecord, error)
}

// AgentConfig carries the agent-specific environment overlay applied to
// a freshly created container (the workspace bind mount is passed
// separately as a Workspace). It is hashed into the container's fingerprint
// (§3's drift invariant) alongside the pool's image and resource caps.
type AgentConfig struct {
	Env map[string]string
}

// Workspace is the host path bound into the container's workspace mount.
type Workspace struct {
	HostPath string
}

// Snapshot is the occupancy counts reported to the health monitor.
type Snapshot struct {
	Total  int
	Active int
	Warm   int
}

// Manager is the pool manager. Construct with New, then Start before
// serving requests.
type Manager struct {
	cfg    *config.Config
	reg    *registry.Registry
	rt     runtime.Runtime
	broker BrokerStateChecker
	logger zerolog.Logger

	mu      sync.Mutex
	running bool

	// session -> container name, and the warm set of unassigned names.
	bySession   map[string]string
	warm        map[string]struct{}
	total       map[string]struct{}
	agentCounts map[string]int

	// brokerKey records, per container name, the session key baked into
	// that container's environment at creation time — the key the
	// in-container wrapper actually heartbeats under for its entire
	// life, which does not change if the container is later reassigned
	// from the warm pool to a different session.
	brokerKey map[string]string

	healthTicker      *time.Ticker
	maintenanceTicker *time.Ticker
	stopCh            chan struct{}
	wg                sync.WaitGroup
}

// New constructs a pool manager over the given registry, runtime
// adapter, and broker state reader. Call Start before use.
func New(cfg *config.Config, reg *registry.Registry, rt runtime.Runtime, b BrokerStateChecker) *Manager {
	return &Manager{
		cfg:         cfg,
		reg:         reg,
		rt:          rt,
		broker:      b,
		logger:      log.WithComponent("pool"),
		bySession:   make(map[string]string),
		warm:        make(map[string]struct{}),
		total:       make(map[string]struct{}),
		agentCounts: make(map[string]int),
		brokerKey:   make(map[string]string),
		stopCh:      make(chan struct{}),
	}
}

// Start verifies runtime availability, reconciles the registry against
// the runtime's actual containers, rebuilds in-memory maps, starts the
// background ticks, and tops up the warm pool.
func (m *Manager) Start(ctx context.Context) error {
	if !m.rt.Available(ctx) {
		return fmt.Errorf("pool: start: %w", types.ErrUnavailable)
	}

	if err := m.reconcile(ctx); err != nil {
		return fmt.Errorf("pool: reconcile at startup: %w", err)
	}

	if err := m.rebuildMaps(); err != nil {
		return fmt.Errorf("pool: rebuild maps: %w", err)
	}

	healthInterval := time.Duration(m.cfg.Timeouts.HealthIntervalMs) * time.Millisecond
	m.healthTicker = time.NewTicker(healthInterval)
	m.maintenanceTicker = time.NewTicker(60 * time.Second)

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.healthLoop(ctx)
	go m.maintenanceLoop(ctx)

	m.topUpWarmPool(ctx)
	return nil
}

// Stop cancels the background ticks but leaves containers running.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	if m.healthTicker != nil {
		m.healthTicker.Stop()
	}
	if m.maintenanceTicker != nil {
		m.maintenanceTicker.Stop()
	}
	m.wg.Wait()
}

// Shutdown stops the ticks and destroys every container the manager
// tracks, best-effort, suppressing errors.
func (m *Manager) Shutdown(ctx context.Context) {
	m.Stop()

	m.mu.Lock()
	names := make([]string, 0, len(m.total))
	for name := range m.total {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.destroy(ctx, name)
	}
}

// Running reports whether the background ticks are active, satisfying
// pkg/health's PoolChecker.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Snapshot reports current occupancy, satisfying pkg/health's
// PoolChecker.
func (m *Manager) Snapshot() (out Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out.Total = len(m.total)
	out.Warm = len(m.warm)
	out.Active = len(m.bySession)
	return out
}

// rebuildMaps repopulates the in-memory maps from the registry after
// reconciliation. Called only from Start, before background loops run.
func (m *Manager) rebuildMaps() error {
	records, err := m.reg.List()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.total[rec.Name] = struct{}{}
		if rec.IsWarm() {
			m.warm[rec.Name] = struct{}{}
		} else if rec.SessionKey != "" {
			m.bySession[rec.SessionKey] = rec.Name
			if rec.AgentID != "" {
				m.agentCounts[rec.AgentID]++
			}
			// Best-effort: a container surviving a restart with an
			// active session mapping is assumed to still be heartbeating
			// under that same session key. This does not hold for a
			// container that started warm, was since reassigned, and
			// then restarted — its true broker key (the original warm
			// synthetic one) isn't persisted anywhere to recover.
			m.brokerKey[rec.Name] = rec.SessionKey
		}
	}
	return nil
}

// reconcile compares the registry against the runtime's actual
// containers and destroys on disagreement in both directions: registry
// entries with no matching runtime container are dropped, and
// discriminator-labeled runtime containers with no registry entry are
// removed from the runtime.
func (m *Manager) reconcile(ctx context.Context) error {
	names, err := m.rt.List(ctx, map[string]string{runtime.DiscriminatorLabel: "1"})
	if err != nil {
		return fmt.Errorf("pool: list runtime containers: %w", err)
	}

	existing := make(map[string]bool, len(names))
	for _, n := range names {
		existing[n] = true
	}

	removed, err := m.reg.Reconcile(existing)
	if err != nil {
		return fmt.Errorf("pool: reconcile registry: %w", err)
	}
	for _, name := range removed {
		m.logger.Info().Str("container", name).Msg("dropped registry entry with no matching runtime container")
	}

	records, err := m.reg.List()
	if err != nil {
		return fmt.Errorf("pool: list registry: %w", err)
	}
	for _, rec := range records {
		delete(existing, rec.Name)
	}
	// Whatever is left in existing runs in the runtime with no registry entry.
	for name := range existing {
		if err := m.rt.Remove(ctx, name, true); err != nil {
			m.logger.Warn().Err(err).Str("container", name).Msg("failed to remove runtime container with no registry entry")
		}
	}
	return nil
}

// GetContainer implements the getContainer operation of §4.5.
func (m *Manager) GetContainer(ctx context.Context, session, agentID string, ws Workspace, agentCfg AgentConfig) (*types.ContainerRecord, error) {
	timer := metrics.NewTimer()

	m.mu.Lock()
	if name, ok := m.bySession[session]; ok {
		m.mu.Unlock()
		rec, err := m.verifyRunning(ctx, name)
		if err == nil && rec != nil {
			metrics.AssignmentsTotal.WithLabelValues("warm_hit").Inc()
			timer.ObserveDuration(metrics.AssignmentLatency)
			return rec, nil
		}
		m.mu.Lock()
	}

	// Consult the registry directly, in case another process-local path
	// (e.g. a restart) populated it without updating the in-memory map.
	if rec, err := m.reg.GetBySession(session); err == nil && rec != nil && rec.Status == types.StatusRunning {
		m.bySession[session] = rec.Name
		m.mu.Unlock()
		metrics.AssignmentsTotal.WithLabelValues("warm_hit").Inc()
		timer.ObserveDuration(metrics.AssignmentLatency)
		return rec, nil
	}

	if m.atPerAgentCapLocked(agentID) {
		m.mu.Unlock()
		metrics.AssignmentsTotal.WithLabelValues("capacity_denied").Inc()
		return nil, fmt.Errorf("pool: assign %s: %w", session, types.ErrCapacity)
	}

	// Take a warm container if one exists. Reassigning a warm container
	// never changes |total|, so the total cap does not apply here.
	var warmName string
	for name := range m.warm {
		warmName = name
		break
	}
	if warmName != "" {
		delete(m.warm, warmName)
		m.bySession[session] = warmName
		if agentID != "" {
			m.agentCounts[agentID]++
		}
		m.mu.Unlock()

		if err := m.reg.AssignToSession(warmName, session, agentID); err != nil {
			m.mu.Lock()
			delete(m.bySession, session)
			m.warm[warmName] = struct{}{}
			if agentID != "" {
				m.agentCounts[agentID]--
			}
			m.mu.Unlock()
			return nil, fmt.Errorf("pool: assign warm container: %w", err)
		}

		rec, err := m.reg.GetByName(warmName)
		if err != nil || rec == nil {
			return nil, fmt.Errorf("pool: reload assigned container: %w", err)
		}

		go m.topUpWarmPool(context.Background())

		metrics.AssignmentsTotal.WithLabelValues("warm_hit").Inc()
		timer.ObserveDuration(metrics.AssignmentLatency)
		return rec, nil
	}
	m.mu.Unlock()

	// Cold create: reserve the slot under the lock (the total cap gates
	// this path, since it is the only one that increases |total|), then
	// do the runtime I/O outside it. A reservation failure is rolled
	// back; it never leaves a name double-booked between two racing
	// callers.
	name := types.DeriveContainerName(session)
	m.mu.Lock()
	if len(m.total) >= m.cfg.Pool.MaxTotal {
		m.mu.Unlock()
		metrics.AssignmentsTotal.WithLabelValues("capacity_denied").Inc()
		return nil, fmt.Errorf("pool: assign %s: %w", session, types.ErrCapacity)
	}
	if m.atPerAgentCapLocked(agentID) {
		m.mu.Unlock()
		metrics.AssignmentsTotal.WithLabelValues("capacity_denied").Inc()
		return nil, fmt.Errorf("pool: assign %s: %w", session, types.ErrCapacity)
	}
	m.total[name] = struct{}{}
	m.bySession[session] = name
	if agentID != "" {
		m.agentCounts[agentID]++
	}
	m.mu.Unlock()

	rec, err := m.createAssigned(ctx, name, session, agentID, ws, agentCfg)
	if err != nil {
		m.mu.Lock()
		delete(m.total, name)
		delete(m.bySession, session)
		if agentID != "" {
			m.agentCounts[agentID]--
		}
		m.mu.Unlock()
		metrics.AssignmentsTotal.WithLabelValues("cold_create_failed").Inc()
		return nil, err
	}
	metrics.AssignmentsTotal.WithLabelValues("cold_create").Inc()
	timer.ObserveDuration(metrics.AssignmentLatency)
	return rec, nil
}

// atPerAgentCapLocked reports whether assigning one more container to
// agentID would breach maxPerAgent. Caller must hold m.mu.
func (m *Manager) atPerAgentCapLocked(agentID string) bool {
	return agentID != "" && m.agentCounts[agentID] >= m.cfg.Pool.MaxPerAgent
}

// verifyRunning confirms the in-memory session mapping still points at
// a running container, scrubbing the mapping if not.
func (m *Manager) verifyRunning(ctx context.Context, name string) (*types.ContainerRecord, error) {
	res, err := m.rt.InspectState(ctx, name)
	if err != nil || !res.Running {
		m.mu.Lock()
		for s, n := range m.bySession {
			if n == name {
				delete(m.bySession, s)
			}
		}
		m.mu.Unlock()
		return nil, nil
	}
	return m.reg.GetByName(name)
}

// createAssigned creates and starts a new container already bound to
// session, per step 5 of §4.5's getContainer. The in-memory slot for
// name must already be reserved by the caller under m.mu; this method
// only performs the runtime I/O and the registry write.
func (m *Manager) createAssigned(ctx context.Context, name, session, agentID string, ws Workspace, agentCfg AgentConfig) (*types.ContainerRecord, error) {
	fingerprint := computeFingerprint(m.cfg, agentCfg)

	if err := m.rt.EnsureImage(ctx, m.cfg.Image); err != nil {
		return nil, fmt.Errorf("pool: ensure image: %w", err)
	}

	createTimer := metrics.NewTimer()
	args := buildCreateArgs(name, session, agentID, fingerprint, m.cfg, ws, agentCfg)
	if _, err := m.rt.Create(ctx, args); err != nil {
		metrics.ContainersFailedTotal.Inc()
		return nil, fmt.Errorf("pool: create container: %w", types.ErrCreationFailed)
	}
	createTimer.ObserveDuration(metrics.ContainerCreateDuration)

	startTimer := metrics.NewTimer()
	if err := m.rt.Start(ctx, name); err != nil {
		_ = m.rt.Remove(ctx, name, true)
		metrics.ContainersFailedTotal.Inc()
		return nil, fmt.Errorf("pool: start container: %w", types.ErrCreationFailed)
	}
	startTimer.ObserveDuration(metrics.ContainerStartDuration)

	rec := &types.ContainerRecord{
		Name:          name,
		SessionKey:    session,
		AgentID:       agentID,
		Status:        types.StatusIdle,
		CreatedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Fingerprint:   fingerprint,
	}
	if err := m.reg.Upsert(rec); err != nil {
		_ = m.rt.Remove(ctx, name, true)
		return nil, fmt.Errorf("pool: persist new container: %w", err)
	}

	m.mu.Lock()
	m.brokerKey[name] = session
	m.mu.Unlock()

	metrics.ContainersCreatedTotal.Inc()
	return rec, nil
}

// ReleaseContainer implements the releaseContainer operation of §4.5.
func (m *Manager) ReleaseContainer(ctx context.Context, session string, returnToPool bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReleaseLatency)

	m.mu.Lock()
	name, ok := m.bySession[session]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.bySession, session)

	rec, err := m.reg.GetByName(name)
	if err != nil {
		m.bySession[session] = name
		m.mu.Unlock()
		return fmt.Errorf("pool: release: lookup container: %w", err)
	}
	agentID := ""
	if rec != nil {
		agentID = rec.AgentID
	}

	warmCount := len(m.warm)
	floor := m.cfg.Pool.MinWarm
	m.mu.Unlock()

	if returnToPool && warmCount < floor && !fingerprintDrifted(rec, m.cfg) {
		if err := m.reg.Unassign(name); err != nil {
			m.mu.Lock()
			m.bySession[session] = name
			m.mu.Unlock()
			return fmt.Errorf("pool: release: unassign: %w", err)
		}

		m.mu.Lock()
		m.warm[name] = struct{}{}
		if agentID != "" {
			m.agentCounts[agentID]--
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	if agentID != "" {
		m.agentCounts[agentID]--
	}
	m.mu.Unlock()
	m.destroy(ctx, name)
	return nil
}

// fingerprintDrifted reports whether rec's configuration fingerprint no
// longer matches the pool's current configuration. Per the Open
// Question in §9, drifted warm candidates are destroyed rather than
// reused.
func fingerprintDrifted(rec *types.ContainerRecord, cfg *config.Config) bool {
	if rec == nil {
		return false
	}
	return rec.Fingerprint != computeFingerprint(cfg, AgentConfig{})
}

// destroy removes a container from every in-memory map and the
// registry, then tells the runtime to tear it down. Errors are logged,
// not surfaced, matching §7's tick-suppression policy for background
// cleanup paths.
func (m *Manager) destroy(ctx context.Context, name string) {
	m.mu.Lock()
	delete(m.total, name)
	delete(m.warm, name)
	delete(m.brokerKey, name)
	for s, n := range m.bySession {
		if n == name {
			delete(m.bySession, s)
		}
	}
	m.mu.Unlock()

	if err := m.reg.RemoveByName(name); err != nil {
		m.logger.Error().Err(err).Str("container", name).Msg("failed to remove registry entry")
	}

	stopTimer := metrics.NewTimer()
	if err := m.rt.Remove(ctx, name, true); err != nil {
		m.logger.Error().Err(err).Str("container", name).Msg("failed to remove container")
	}
	stopTimer.ObserveDuration(metrics.ContainerStopDuration)
}

// topUpWarmPool creates containers until the warm floor is met, clamped
// by the total cap. Failures are logged and do not abort the loop; the
// next tick retries (§4.5).
func (m *Manager) topUpWarmPool(ctx context.Context) {
	m.mu.Lock()
	need := m.cfg.Pool.MinWarm - len(m.warm)
	room := m.cfg.Pool.MaxTotal - len(m.total)
	m.mu.Unlock()

	if need > room {
		need = room
	}
	if need <= 0 {
		return
	}

	for i := 0; i < need; i++ {
		if err := m.createWarm(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("warm pool top-up failed, will retry next tick")
		}
	}
}

// createWarm creates one unassigned container tagged with a synthetic
// warm-only session key, per §4.5.
func (m *Manager) createWarm(ctx context.Context) error {
	session := syntheticWarmKey()
	name := types.DeriveContainerName(session)
	fingerprint := computeFingerprint(m.cfg, AgentConfig{})

	if err := m.rt.EnsureImage(ctx, m.cfg.Image); err != nil {
		return fmt.Errorf("pool: ensure image: %w", err)
	}

	args := buildCreateArgs(name, session, "", fingerprint, m.cfg, Workspace{}, AgentConfig{})
	if _, err := m.rt.Create(ctx, args); err != nil {
		metrics.ContainersFailedTotal.Inc()
		return fmt.Errorf("pool: create warm container: %w", err)
	}
	if err := m.rt.Start(ctx, name); err != nil {
		_ = m.rt.Remove(ctx, name, true)
		metrics.ContainersFailedTotal.Inc()
		return fmt.Errorf("pool: start warm container: %w", err)
	}

	rec := &types.ContainerRecord{
		Name:          name,
		Status:        types.StatusIdle,
		CreatedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Fingerprint:   fingerprint,
	}
	if err := m.reg.Upsert(rec); err != nil {
		_ = m.rt.Remove(ctx, name, true)
		return fmt.Errorf("pool: persist warm container: %w", err)
	}

	m.mu.Lock()
	m.total[name] = struct{}{}
	m.warm[name] = struct{}{}
	m.brokerKey[name] = session
	m.mu.Unlock()

	metrics.ContainersCreatedTotal.Inc()
	return nil
}

// syntheticWarmKey generates a warm-only session key of the form
// warm-{timestamp}-{random6}, unique and never colliding with a
// caller-supplied key (the only requirement per §9's Open Questions).
func syntheticWarmKey() string {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// uuid's own randomness is a perfectly good fallback; either
		// way uniqueness, not unpredictability, is what's required.
		return fmt.Sprintf("warm-%d-%s", time.Now().UnixNano(), uuid.New().String()[:6])
	}
	return fmt.Sprintf("warm-%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf[:]))
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.healthTicker.C:
			m.healthTick(ctx)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.maintenanceTicker.C:
			m.maintenanceTick(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// bridgeHeartbeats reads each assigned container's broker-side state
// record back and writes it into the registry's LastHeartbeat, so a
// container the in-container wrapper is actively heartbeating never
// goes stale in the registry's eyes (the wrapper only ever talks to
// the broker, never to the registry directly). Returns the states it
// managed to read, keyed by container name, for the caller to consult
// directly against health.ContainerHealthy without a second round trip.
func (m *Manager) bridgeHeartbeats(ctx context.Context) map[string]*types.StateRecord {
	m.mu.Lock()
	keys := make(map[string]string, len(m.brokerKey))
	for name, session := range m.brokerKey {
		keys[name] = session
	}
	m.mu.Unlock()

	states := make(map[string]*types.StateRecord, len(keys))
	for name, session := range keys {
		state, err := m.broker.GetState(ctx, session)
		if err != nil || state == nil {
			continue
		}
		states[name] = state

		turnCount := state.TurnCount
		resumable := state.ResumableSessionID
		if err := m.reg.TouchHeartbeat(name, &resumable, &turnCount); err != nil {
			m.logger.Warn().Err(err).Str("container", name).Msg("failed to bridge broker heartbeat into registry")
		}
	}
	return states
}

// healthTick implements §4.5's health tick: containers whose heartbeat
// is older than 6x healthInterval are inspected; gone or not-running
// containers are destroyed, still-running ones are marked failed and
// their session mapping severed. Before consulting the registry's
// (possibly stale-looking) timestamp, it bridges each container's
// actual broker-side heartbeat in, so an actively-used container whose
// wrapper is heartbeating normally is never misclassified as dead.
func (m *Manager) healthTick(ctx context.Context) {
	healthInterval := time.Duration(m.cfg.Timeouts.HealthIntervalMs) * time.Millisecond
	states := m.bridgeHeartbeats(ctx)

	stale, err := m.reg.ListStale(6 * healthInterval)
	if err != nil {
		m.logger.Error().Err(err).Msg("health tick: list stale containers failed")
		return
	}

	for _, rec := range stale {
		if state, ok := states[rec.Name]; ok {
			running := state.Status == types.StatusIdle || state.Status == types.StatusRunning
			if health.ContainerHealthy(true, running, time.Since(state.LastHeartbeat), healthInterval) {
				continue
			}
		}

		res, err := m.rt.InspectState(ctx, rec.Name)
		if err != nil {
			// Conservative: treat inspection failure as not running.
			m.destroy(ctx, rec.Name)
			continue
		}
		if !res.Exists || !res.Running {
			m.destroy(ctx, rec.Name)
			continue
		}

		if err := m.reg.SetStatus(rec.Name, types.StatusFailed); err != nil {
			m.logger.Error().Err(err).Str("container", rec.Name).Msg("failed to mark stale container failed")
			continue
		}
		m.mu.Lock()
		for s, n := range m.bySession {
			if n == rec.Name {
				delete(m.bySession, s)
			}
		}
		m.mu.Unlock()
	}
}

// maintenanceTick implements §4.5's 60s maintenance tick.
func (m *Manager) maintenanceTick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	idleMs := time.Duration(m.cfg.Timeouts.IdleMs) * time.Millisecond
	idle, err := m.reg.ListIdleExceeding(idleMs)
	if err != nil {
		m.logger.Error().Err(err).Msg("maintenance tick: list idle containers failed")
	} else {
		sort.Slice(idle, func(i, j int) bool { return idle[i].LastHeartbeat.Before(idle[j].LastHeartbeat) })

		m.mu.Lock()
		keep := m.cfg.Pool.MinWarm - len(m.warm)
		m.mu.Unlock()
		if keep < 0 {
			keep = 0
		}
		if keep > len(idle) {
			keep = len(idle)
		}

		// idle is oldest-heartbeat-first; reap the stalest candidates and
		// preserve the `keep` freshest ones as warm-floor reserve.
		reapBoundary := len(idle) - keep
		for i, rec := range idle {
			if i >= reapBoundary {
				continue
			}
			metrics.ContainersReapedTotal.WithLabelValues("idle_timeout").Inc()
			m.destroy(ctx, rec.Name)
		}
	}

	maxAgeMs := time.Duration(m.cfg.Timeouts.MaxAgeMs) * time.Millisecond
	aged, err := m.reg.ListOlderThan(maxAgeMs)
	if err != nil {
		m.logger.Error().Err(err).Msg("maintenance tick: list aged containers failed")
	} else {
		for _, rec := range aged {
			metrics.ContainersReapedTotal.WithLabelValues("max_age").Inc()
			m.destroy(ctx, rec.Name)
		}
	}

	m.topUpWarmPool(ctx)
	m.updateContainerStatusGauge()
}

// updateContainerStatusGauge recomputes agentpool_containers_total from
// the registry's current records, one gauge sample per status.
func (m *Manager) updateContainerStatusGauge() {
	records, err := m.reg.List()
	if err != nil {
		m.logger.Warn().Err(err).Msg("maintenance tick: list containers for gauge failed")
		return
	}

	counts := make(map[types.ContainerStatus]int)
	for _, rec := range records {
		counts[rec.Status]++
	}
	for _, status := range []types.ContainerStatus{
		types.StatusCreating, types.StatusStarting, types.StatusIdle,
		types.StatusRunning, types.StatusStopping, types.StatusStopped, types.StatusFailed,
	} {
		metrics.ContainersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func buildCreateArgs(name, session, agentID, fingerprint string, cfg *config.Config, ws Workspace, agentCfg AgentConfig) runtime.CreateArgs {
	env := make(map[string]string, len(agentCfg.Env)+1)
	for k, v := range cfg.Docker.Env {
		env[k] = v
	}
	for k, v := range agentCfg.Env {
		env[k] = v
	}
	env["SESSION_ID"] = session

	return runtime.CreateArgs{
		Name:                   name,
		Image:                  cfg.Image,
		SessionKey:             session,
		AgentID:                agentID,
		Fingerprint:            fingerprint,
		CreatedAtMs:            time.Now().UnixMilli(),
		Env:                    env,
		MemoryLimitBytes:       parseMemory(cfg.Resources.Memory),
		CPUCores:               parseCPUs(cfg.Resources.CPUs),
		PidsLimit:              int64(cfg.Resources.PidsLimit),
		Network:                cfg.Docker.Network,
		CapDrop:                cfg.Docker.CapDrop,
		SecurityOpts:           cfg.Docker.SecurityOpts,
		WorkspaceHostPath:      ws.HostPath,
		WorkspaceContainerPath: "/workspace",
	}
}
