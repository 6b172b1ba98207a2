package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/broker"
	"github.com/cuemby/agentpool/pkg/pool"
	"github.com/cuemby/agentpool/pkg/types"
)

type fakePool struct {
	rec         *types.ContainerRecord
	assignErr   error
	released    []string
	returnFlags []bool
}

func (f *fakePool) GetContainer(ctx context.Context, session, agentID string, ws pool.Workspace, agentCfg pool.AgentConfig) (*types.ContainerRecord, error) {
	if f.assignErr != nil {
		return nil, f.assignErr
	}
	return f.rec, nil
}

func (f *fakePool) ReleaseContainer(ctx context.Context, session string, returnToPool bool) error {
	f.released = append(f.released, session)
	f.returnFlags = append(f.returnFlags, returnToPool)
	return nil
}

type fakeBroker struct {
	inputs      []map[string]any
	interrupts  []types.Interrupt
	result      *types.Record
	state       *types.StateRecord
	subscribed  bool
	published   []types.Record
}

func (f *fakeBroker) SendInput(ctx context.Context, session string, input map[string]any) error {
	f.inputs = append(f.inputs, input)
	return nil
}

func (f *fakeBroker) SendInterrupt(ctx context.Context, session string, interrupt types.Interrupt) error {
	f.interrupts = append(f.interrupts, interrupt)
	return nil
}

func (f *fakeBroker) SubscribeOutput(ctx context.Context, session string, callback func(types.Record)) broker.Unsubscribe {
	f.subscribed = true
	for _, rec := range f.published {
		callback(rec)
	}
	return func() { f.subscribed = false }
}

func (f *fakeBroker) GetState(ctx context.Context, session string) (*types.StateRecord, error) {
	return f.state, nil
}

func (f *fakeBroker) WaitForResult(ctx context.Context, session string, timeout time.Duration) (*types.Record, error) {
	return f.result, nil
}

func TestRunReturnsTranslatedResultOnSuccess(t *testing.T) {
	resultText := "hello"
	fp := &fakePool{rec: &types.ContainerRecord{Name: "c1"}}
	fb := &fakeBroker{
		result: &types.Record{
			Kind:       types.MessageResult,
			Subtype:    types.ResultSuccess,
			Result:     &resultText,
			Usage:      types.Usage{InputTokens: 3, OutputTokens: 1},
			DurationMs: 42,
		},
		state: &types.StateRecord{ResumableSessionID: "sess-123"},
	}
	r := New(fp, fb)

	var observed []types.Record
	result, err := r.Run(context.Background(), Request{
		SessionKey: "s1",
		Prompt:     "hi",
		OutputCallback: func(rec types.Record) {
			observed = append(observed, rec)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, &resultText, result.Result)
	assert.Equal(t, types.Usage{InputTokens: 3, OutputTokens: 1}, result.Usage)
	assert.Equal(t, int64(42), result.DurationMs)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "sess-123", result.ResumableSessionID)
	assert.Equal(t, 1, len(fb.inputs))
	assert.False(t, fb.subscribed, "unsubscribe must run on every exit path")
}

func TestRunSetsExitCodeOneOnErrorSubtype(t *testing.T) {
	fp := &fakePool{rec: &types.ContainerRecord{Name: "c1"}}
	fb := &fakeBroker{result: &types.Record{Kind: types.MessageResult, Subtype: types.ResultError}}
	r := New(fp, fb)

	result, err := r.Run(context.Background(), Request{SessionKey: "s1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
}

func TestRunReturnsZeroFilledResultOnTimeout(t *testing.T) {
	fp := &fakePool{rec: &types.ContainerRecord{Name: "c1"}}
	fb := &fakeBroker{result: nil}
	r := New(fp, fb)

	result, err := r.Run(context.Background(), Request{SessionKey: "s1", Prompt: "hi", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, result.Result)
	assert.Equal(t, types.Usage{}, result.Usage)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunSurfacesCapacityErrorFromAssignment(t *testing.T) {
	fp := &fakePool{assignErr: types.ErrCapacity}
	fb := &fakeBroker{}
	r := New(fp, fb)

	_, err := r.Run(context.Background(), Request{SessionKey: "s1", Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCapacity)
}

func TestStopPublishesStopInterruptThenReleases(t *testing.T) {
	fp := &fakePool{}
	fb := &fakeBroker{}
	r := New(fp, fb)

	require.NoError(t, r.Stop(context.Background(), "s1"))
	require.Len(t, fb.interrupts, 1)
	assert.Equal(t, types.InterruptStop, fb.interrupts[0].Type)
	require.Len(t, fp.released, 1)
	assert.Equal(t, "s1", fp.released[0])
	assert.True(t, fp.returnFlags[0])
}

func TestDefaultInstanceLifecycle(t *testing.T) {
	assert.Nil(t, Default())

	r := New(&fakePool{}, &fakeBroker{})
	SetDefault(r)
	assert.Same(t, r, Default())

	Teardown()
	assert.Nil(t, Default())
}
