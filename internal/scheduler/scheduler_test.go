package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/runtimestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler() *Scheduler {
	return New(runtimestore.New(), HillClimb{InitialRatio: 3}, nil)
}

func status(id int, phase runtimestore.Phase, subgraphs int, latency ...float32) Packet {
	p := NewPacket(KindStatus, id)
	p.Phase = phase
	p.Subgraphs = int32(subgraphs)
	_ = p.SetLatencies(latency)
	return p
}

func TestPacketLayout(t *testing.T) {
	assert.Equal(t, 332, PacketSize)

	p := status(4, runtimestore.PhaseInvoke, 6, 1.5, 2.5)
	rows := []PlanRow{
		{First: 0, Last: 1, Unit: device.Accelerator, Ratio: 1},
		{First: 2, Last: 5, Unit: device.CoExecution, Ratio: 7},
	}
	require.NoError(t, p.SetRows(rows))

	b, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, PacketSize)
	assert.Equal(t, byte(KindStatus), b[0])
	assert.Equal(t, []byte{4, 0, 0, 0}, b[4:8], "little-endian runtime id")

	var got Packet
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, p, got)
	if diff := cmp.Diff(rows, got.Rows()); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float32{1.5, 2.5}, got.Latencies())
	assert.Equal(t, uint8(2), b[2], "sample count follows the phase")

	require.NoError(t, p.SetLatencies([]float32{10, 20, 30}))
	assert.Equal(t, []float32{10, 20, 30}, p.Latencies(), "samples are counted apart from the plan rows")
	assert.Error(t, p.SetLatencies(make([]float32, PlanLength+1)))
	fresh := NewPacket(KindStatus, 1)
	assert.Empty(t, fresh.Latencies())

	assert.Error(t, got.UnmarshalBinary(b[:10]))
	assert.ErrorIs(t, p.SetRows(make([]PlanRow, PlanLength+1)), ErrInvalidPlan)
	assert.Equal(t, "grant", KindGrant.String())
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name string
		rows []PlanRow
		n    int
		ok   bool
	}{
		{"single co-execution row", []PlanRow{{First: 0, Last: 3, Unit: device.CoExecution, Ratio: 5}}, 4, true},
		{"two rows", []PlanRow{{First: 0, Last: 0, Unit: device.CPU, Ratio: 1}, {First: 1, Last: 3, Unit: device.Accelerator, Ratio: 9}}, 4, true},
		{"no rows", nil, 4, false},
		{"gap", []PlanRow{{First: 0, Last: 0, Unit: device.CPU, Ratio: 1}, {First: 2, Last: 3, Unit: device.CPU, Ratio: 1}}, 4, false},
		{"overlap", []PlanRow{{First: 0, Last: 2, Unit: device.CPU, Ratio: 1}, {First: 2, Last: 3, Unit: device.CPU, Ratio: 1}}, 4, false},
		{"short", []PlanRow{{First: 0, Last: 2, Unit: device.CPU, Ratio: 1}}, 4, false},
		{"too long", []PlanRow{{First: 0, Last: 4, Unit: device.CPU, Ratio: 1}}, 4, false},
		{"reversed", []PlanRow{{First: 0, Last: 3, Unit: device.CPU, Ratio: 1}, {First: 4, Last: 3, Unit: device.CPU, Ratio: 1}}, 4, false},
		{"ratio zero", []PlanRow{{First: 0, Last: 3, Unit: device.CoExecution, Ratio: 0}}, 4, false},
		{"ratio ten", []PlanRow{{First: 0, Last: 3, Unit: device.CoExecution, Ratio: 10}}, 4, false},
		{"bad unit", []PlanRow{{First: 0, Last: 3, Unit: device.Unit(5), Ratio: 5}}, 4, false},
		{"no subgraphs", []PlanRow{{First: 0, Last: 0, Unit: device.CPU, Ratio: 1}}, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePlan(tc.rows, tc.n)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPlan)
			}
		})
	}
}

func TestHillClimb(t *testing.T) {
	h := HillClimb{InitialRatio: 5}
	st := &runtimestore.State{Direction: 1, Plan: h.Initial(3)}
	require.Equal(t, []PlanRow{{First: 0, Last: 2, Unit: device.CoExecution, Ratio: 5}}, st.Plan)

	steps := []struct {
		latency float32
		ratio   int
	}{
		{10, 6}, // first sample: keep climbing
		{8, 7},  // better: same direction
		{9, 6},  // worse: turn around
		{7, 5},
	}
	for _, s := range steps {
		rows := h.Next(st, []float32{s.latency})
		require.NotNil(t, rows)
		assert.Equal(t, s.ratio, rows[0].Ratio, "after latency %v", s.latency)
		st.Plan = rows
	}

	st.Plan[0].Ratio, st.Direction, st.LastLatency = 9, 1, 0
	rows := h.Next(st, []float32{1})
	assert.Equal(t, 8, rows[0].Ratio, "bounces off the upper bound")

	assert.Nil(t, h.Next(st, nil), "no samples, no change")
	assert.Nil(t, h.Initial(0))
	assert.Equal(t, 1, HillClimb{InitialRatio: -3}.Initial(1)[0].Ratio)

	st.Plan = []PlanRow{{First: 0, Last: 2, Unit: device.CPU, Ratio: 1}}
	assert.Nil(t, h.Next(st, []float32{5}), "non co-execution rows are left alone")
}

func TestRoundRobin(t *testing.T) {
	s := newScheduler()

	assert.True(t, s.RoundRobin(device.CPU, 7), "free resource is granted at once")
	assert.False(t, s.RoundRobin(device.CPU, 9), "held resource queues the runtime")
	assert.True(t, s.RoundRobin(device.CPU, 7), "the holder asking again keeps it")
	assert.False(t, s.RoundRobin(device.CPU, 9))
	assert.Equal(t, []int{9}, s.Waiting(device.CPU), "no duplicate queue entries")

	assert.False(t, s.RoundRobin(device.CPU, 11))
	assert.True(t, s.RoundRobin(device.Accelerator, 11), "units are independent")

	next, ok := s.ReleaseResource(device.CPU)
	require.True(t, ok)
	assert.Equal(t, 9, next, "the earliest waiter wins over later arrivals")
	holder, _ := s.Holder(device.CPU)
	assert.Equal(t, 9, holder)

	next, _ = s.ReleaseResource(device.CPU)
	assert.Equal(t, 11, next)
	_, ok = s.ReleaseResource(device.CPU)
	assert.False(t, ok)
	_, held := s.Holder(device.CPU)
	assert.False(t, held)
	assert.False(t, s.RoundRobin(device.Unit(8), 1))
}

func TestCheckAllRuntimesReady(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()
	assert.False(t, s.CheckAllRuntimesReady(), "nobody to wait for is not ready")

	s.Handle(ctx, status(1, runtimestore.PhaseInitialize, 2))
	s.Handle(ctx, status(2, runtimestore.PhaseInitialize, 2))
	assert.False(t, s.CheckAllRuntimesReady())

	s.Handle(ctx, status(1, runtimestore.PhaseReady, 2))
	assert.False(t, s.CheckAllRuntimesReady(), "runtime 2 is still initializing")

	s.Handle(ctx, status(2, runtimestore.PhaseReady, 2))
	assert.True(t, s.CheckAllRuntimesReady())
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("initialize gets a plan and an id", func(t *testing.T) {
		s := newScheduler()
		rx := s.Handle(ctx, status(0, runtimestore.PhaseInitialize, 4))
		assert.Equal(t, KindPlan, rx.Kind)
		assert.Positive(t, rx.RuntimeID)
		assert.Equal(t, []PlanRow{{First: 0, Last: 3, Unit: device.CoExecution, Ratio: 3}}, rx.Rows())

		st, ok := s.Store().Get(int(rx.RuntimeID))
		require.True(t, ok)
		assert.Equal(t, rx.Rows(), st.Plan)
		assert.False(t, st.Ready)
	})

	t.Run("ready is acknowledged", func(t *testing.T) {
		s := newScheduler()
		s.Handle(ctx, status(5, runtimestore.PhaseInitialize, 4))
		rx := s.Handle(ctx, status(5, runtimestore.PhaseReady, 4))
		assert.Equal(t, KindAck, rx.Kind)
	})

	t.Run("latency reports replan once everyone is ready", func(t *testing.T) {
		s := newScheduler()
		s.Handle(ctx, status(1, runtimestore.PhaseInitialize, 4))
		s.Handle(ctx, status(2, runtimestore.PhaseInitialize, 4))

		rx := s.Handle(ctx, status(1, runtimestore.PhaseInvoke, 4, 12))
		assert.Equal(t, KindAck, rx.Kind, "runtime 2 is not ready yet")

		s.Handle(ctx, status(2, runtimestore.PhaseReady, 4))
		rx = s.Handle(ctx, status(1, runtimestore.PhaseInvoke, 4, 12))
		require.Equal(t, KindPlan, rx.Kind)
		assert.Equal(t, 4, rx.Rows()[0].Ratio)

		st, _ := s.Store().Get(1)
		assert.Equal(t, []float32{12}, st.Latency)
		assert.Equal(t, float32(12), st.LastLatency)
	})

	t.Run("acquire and release", func(t *testing.T) {
		s := newScheduler()
		acquire := func(id int) Packet {
			p := NewPacket(KindAcquire, id)
			p.Unit = int32(device.Accelerator)
			return s.Handle(ctx, p)
		}
		release := func(id int) Packet {
			p := NewPacket(KindRelease, id)
			p.Unit = int32(device.Accelerator)
			return s.Handle(ctx, p)
		}
		assert.Equal(t, KindGrant, acquire(1).Kind)
		assert.Equal(t, KindWait, acquire(2).Kind)
		assert.Equal(t, KindError, release(2).Kind, "only the holder releases")
		assert.Equal(t, KindAck, release(1).Kind)
		assert.Equal(t, KindGrant, acquire(2).Kind, "the queued runtime now holds it")

		p := NewPacket(KindAcquire, 1)
		p.Unit = 42
		assert.Equal(t, KindError, s.Handle(ctx, p).Kind)
	})

	t.Run("terminate drops the runtime and its grants", func(t *testing.T) {
		s := newScheduler()
		s.Handle(ctx, status(1, runtimestore.PhaseInitialize, 1))
		require.True(t, s.RoundRobin(device.CPU, 1))
		require.False(t, s.RoundRobin(device.CPU, 2))
		s.store.Refresh(2, nil)

		assert.Equal(t, KindAck, s.Handle(ctx, status(1, runtimestore.PhaseTerminate, 1)).Kind)
		_, ok := s.Store().Get(1)
		assert.False(t, ok)
		holder, _ := s.Holder(device.CPU)
		assert.Equal(t, 2, holder)
	})

	t.Run("unexpected kinds are refused", func(t *testing.T) {
		s := newScheduler()
		assert.Equal(t, KindError, s.Handle(ctx, NewPacket(KindPlan, 3)).Kind)
	})
}

func TestServerAndClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sched.sock")
	ln, err := ListenUnix(path)
	require.NoError(t, err)

	s := newScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(s).Serve(ctx, ln) }()

	conn, err := DialUnix(ctx, path)
	require.NoError(t, err)

	rx, err := conn.Exchange(ctx, status(0, runtimestore.PhaseInitialize, 2))
	require.NoError(t, err)
	require.Equal(t, KindPlan, rx.Kind)
	id := int(rx.RuntimeID)

	require.NoError(t, Acquire(ctx, conn, id, device.CPU, time.Millisecond))
	holder, _ := s.Holder(device.CPU)
	assert.Equal(t, id, holder)
	require.NoError(t, Release(ctx, conn, id, device.CPU))

	rx, err = conn.Exchange(ctx, status(id, runtimestore.PhaseInvoke, 2, 10, 20, 30))
	require.NoError(t, err)
	assert.Equal(t, KindPlan, rx.Kind)
	st, ok := s.Store().Get(id)
	require.True(t, ok)
	assert.Equal(t, []float32{10, 20, 30}, st.Latency, "every step's latency crosses the socket")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.Store().Len() == 0 }, time.Second, time.Millisecond,
		"a closed connection drops its runtime")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	s := newScheduler()
	require.True(t, s.RoundRobin(device.Accelerator, 1))
	s.store.Refresh(1, nil)
	conn := &localConn{s: s}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- Acquire(ctx, conn, 2, device.Accelerator, time.Millisecond) }()

	require.Eventually(t, func() bool { return len(s.Waiting(device.Accelerator)) == 1 }, time.Second, time.Millisecond)
	s.ReleaseResource(device.Accelerator)
	require.NoError(t, <-errc)
}

// localConn calls the scheduler directly.
type localConn struct{ s *Scheduler }

func (c *localConn) Exchange(ctx context.Context, tx Packet) (Packet, error) {
	return c.s.Handle(ctx, tx), nil
}
func (c *localConn) Close() error { return nil }
