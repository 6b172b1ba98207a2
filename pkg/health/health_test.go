package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRuntime struct{ up bool }

func (f fakeRuntime) Available(ctx context.Context) bool { return f.up }

type fakeBroker struct {
	up      bool
	latency time.Duration
}

func (f fakeBroker) Available(ctx context.Context, timeout time.Duration) bool { return f.up }
func (f fakeBroker) Ping(ctx context.Context) (time.Duration, error)           { return f.latency, nil }

type fakePool struct {
	running  bool
	snapshot PoolSnapshot
}

func (f fakePool) Running() bool         { return f.running }
func (f fakePool) Snapshot() PoolSnapshot { return f.snapshot }

func TestCheckHealthyWhenAllThreeUp(t *testing.T) {
	m := NewMonitor(fakeRuntime{up: true}, fakeBroker{up: true, latency: 2 * time.Millisecond}, fakePool{running: true, snapshot: PoolSnapshot{Total: 2, Warm: 1}}, time.Second)
	report := m.Check(context.Background())

	assert.True(t, report.Healthy)
	assert.True(t, report.RuntimeOK)
	assert.True(t, report.BrokerOK)
	assert.True(t, report.PoolRunning)
	assert.Equal(t, 2*time.Millisecond, report.BrokerLatency)
	assert.Equal(t, 2, report.Snapshot.Total)
}

func TestCheckUnhealthyWhenAnyOneDown(t *testing.T) {
	cases := []struct {
		name    string
		runtime bool
		broker  bool
		pool    bool
	}{
		{"runtime down", false, true, true},
		{"broker down", true, false, true},
		{"pool down", true, true, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMonitor(fakeRuntime{up: tc.runtime}, fakeBroker{up: tc.broker}, fakePool{running: tc.pool}, time.Second)
			report := m.Check(context.Background())
			assert.False(t, report.Healthy)
		})
	}
}

func TestContainerHealthyRequiresStateStatusAndFreshHeartbeat(t *testing.T) {
	assert.False(t, ContainerHealthy(false, true, 0, time.Second))
	assert.False(t, ContainerHealthy(true, false, 0, time.Second))
	assert.False(t, ContainerHealthy(true, true, 4*time.Second, time.Second))
	assert.True(t, ContainerHealthy(true, true, 2*time.Second, time.Second))
}
