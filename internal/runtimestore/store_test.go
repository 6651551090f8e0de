package runtimestore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshCreatesAndUpdates(t *testing.T) {
	s := New()
	clock := time.Unix(100, 0)
	s.now = func() time.Time { return clock }

	st := s.Refresh(7, nil)
	assert.Equal(t, 7, st.ID)
	assert.Equal(t, PhaseInitialize, st.Phase)
	assert.Equal(t, 1, st.Direction)
	assert.Equal(t, clock, st.FirstSeen)

	clock = clock.Add(time.Second)
	st = s.Refresh(7, func(st *State) {
		st.Phase = PhaseReady
		st.Ready = true
		st.Latency = []float32{1.5}
	})
	assert.True(t, st.Ready)
	assert.Equal(t, time.Unix(100, 0), st.FirstSeen)
	assert.Equal(t, clock, st.LastSeen)
	assert.Equal(t, 1, s.Len())
}

func TestCopiesAreIsolated(t *testing.T) {
	s := New()
	s.Refresh(1, func(st *State) {
		st.Plan = []PlanRow{{First: 0, Last: 3, Unit: device.CoExecution, Ratio: 5}}
	})
	got, ok := s.Get(1)
	require.True(t, ok)
	got.Plan[0].Ratio = 9

	again, _ := s.Get(1)
	assert.Equal(t, 5, again.Plan[0].Ratio)
}

func TestUpdateAndDelete(t *testing.T) {
	s := New()
	_, ok := s.Update(3, func(st *State) { st.Ready = true })
	assert.False(t, ok, "update does not create")

	s.Refresh(3, nil)
	st, ok := s.Update(3, func(st *State) { st.Ready = true })
	require.True(t, ok)
	assert.True(t, st.Ready)

	assert.True(t, s.Delete(3))
	assert.False(t, s.Delete(3))
	_, ok = s.Get(3)
	assert.False(t, ok)
}

func TestAllIsSorted(t *testing.T) {
	s := New()
	for _, id := range []int{9, 2, 5} {
		s.Refresh(id, nil)
	}
	var ids []int
	for _, st := range s.All() {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []int{2, 5, 9}, ids)
}

func TestConcurrentRefresh(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Refresh(i%5, func(st *State) { st.Latency = append(st.Latency, float32(i)) })
		}(i)
	}
	wg.Wait()

	total := 0
	for _, st := range s.All() {
		total += len(st.Latency)
	}
	assert.Equal(t, 50, total)
	assert.Equal(t, 5, s.Len())
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{PhaseInitialize: "initialize", PhaseReady: "ready", PhaseInvoke: "invoke", PhaseTerminate: "terminate", Phase(9): "unknown"} {
		assert.Equal(t, want, p.String(), fmt.Sprint(int(p)))
	}
}
