package sio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/runtimestore"
	"github.com/specialistvlad/splitgridgo/internal/scheduler"
)

func TestCodecKeepsPlanAndLatency(t *testing.T) {
	p := scheduler.NewPacket(scheduler.KindPlan, 7)
	p.Phase = runtimestore.PhaseInvoke
	p.Subgraphs = 3
	require.NoError(t, p.SetRows([]scheduler.PlanRow{
		{First: 0, Last: 0, Unit: device.CPU},
		{First: 1, Last: 2, Unit: device.CoExecution, Ratio: 4},
	}))
	require.NoError(t, p.SetLatencies([]float32{10, 20, 30}))

	b, err := Encode(p)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, []float32{10, 20, 30}, got.Latencies(), "sample count does not follow the plan rows")

	var m message
	require.NoError(t, msgpack.Unmarshal(b, &m))
	assert.Len(t, m.Latency, 3)
	assert.Len(t, m.Plan, 2)

	tooMany, err := msgpack.Marshal(&message{Latency: make([]float32, scheduler.PlanLength+1)})
	require.NoError(t, err)
	_, err = Decode(tooMany)
	assert.Error(t, err)

	_, err = Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestPayload(t *testing.T) {
	b, err := payload([]byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	_, err = payload(nil)
	assert.Error(t, err)
	_, err = payload("text")
	assert.Error(t, err)
}

func TestGatewayAndClient(t *testing.T) {
	sched := scheduler.New(runtimestore.New(), scheduler.HillClimb{InitialRatio: 3}, nil)
	g := NewGateway(sched, nil, "/runtimes")
	mux := http.NewServeMux()
	mux.Handle(Path, g.Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.URL, "", nil)
	require.NoError(t, err)

	tx := scheduler.NewPacket(scheduler.KindStatus, 0)
	tx.Phase = runtimestore.PhaseInitialize
	tx.Subgraphs = 2
	rx, err := c.Exchange(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindPlan, rx.Kind)
	assert.Positive(t, rx.RuntimeID, "the scheduler assigns an id")
	assert.NotEmpty(t, rx.Rows())
	assert.Equal(t, 1, sched.Store().Len())
	assert.Equal(t, 1, g.Runtimes())

	report := scheduler.NewPacket(scheduler.KindStatus, int(rx.RuntimeID))
	report.Phase = runtimestore.PhaseInvoke
	report.Subgraphs = 2
	require.NoError(t, report.SetLatencies([]float32{10, 20, 30}))
	_, err = c.Exchange(ctx, report)
	require.NoError(t, err)
	st, ok := sched.Store().Get(int(rx.RuntimeID))
	require.True(t, ok)
	assert.Equal(t, []float32{10, 20, 30}, st.Latency, "every step's latency reaches the scheduler")

	require.NoError(t, scheduler.Acquire(ctx, c, int(rx.RuntimeID), device.Accelerator, 10*time.Millisecond))
	holder, ok := sched.Holder(device.Accelerator)
	require.True(t, ok)
	assert.Equal(t, int(rx.RuntimeID), holder)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return sched.Store().Len() == 0 }, 5*time.Second, 10*time.Millisecond,
		"a disconnected runtime is dropped")
	_, ok = sched.Holder(device.Accelerator)
	assert.False(t, ok, "dropping a runtime releases what it held")

	_, err = c.Exchange(ctx, tx)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestClientNamespace(t *testing.T) {
	sched := scheduler.New(runtimestore.New(), nil, nil)
	g := NewGateway(sched, nil, "/runtimes")
	mux := http.NewServeMux()
	mux.Handle(Path, g.Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.URL, "/runtimes", nil)
	require.NoError(t, err)
	defer c.Close()

	tx := scheduler.NewPacket(scheduler.KindStatus, 0)
	tx.Phase = runtimestore.PhaseInitialize
	tx.Subgraphs = 1
	rx, err := c.Exchange(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindPlan, rx.Kind)
	assert.Equal(t, 1, g.Runtimes())
}
