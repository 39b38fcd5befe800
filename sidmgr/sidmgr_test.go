package sidmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrdclient/xrdclient/status"
)

func TestAllocateUnique(t *testing.T) {
	m := New(time.Minute)
	seen := make(map[[2]byte]struct{})
	for i := 0; i < 1000; i++ {
		sid, st := m.Allocate()
		require.True(t, st.IsOK())
		_, dup := seen[sid]
		require.False(t, dup, "sid %v handed out twice", sid)
		seen[sid] = struct{}{}
	}
	assert.Equal(t, 1000, m.InUse())
}

func TestReleaseRecycles(t *testing.T) {
	m := New(time.Minute)
	sid, st := m.Allocate()
	require.True(t, st.IsOK())
	m.Release(sid)
	assert.Equal(t, 0, m.InUse())

	again, st := m.Allocate()
	require.True(t, st.IsOK())
	assert.Equal(t, sid, again)
}

func TestExhaustion(t *testing.T) {
	m := New(time.Minute)
	for i := 1; i < 0xffff; i++ {
		_, st := m.Allocate()
		require.True(t, st.IsOK(), "allocation %d failed", i)
	}
	_, st := m.Allocate()
	require.False(t, st.IsOK())
	assert.Equal(t, status.ErrNoMoreFreeSIDs, st.Code)
	assert.False(t, st.IsFatal())
}

func TestTimedOutQuarantine(t *testing.T) {
	m := New(50 * time.Millisecond)
	sid, st := m.Allocate()
	require.True(t, st.IsOK())

	m.TimeOut(sid)
	assert.True(t, m.IsTimedOut(sid))
	assert.Equal(t, 0, m.InUse())
	assert.Equal(t, 1, m.NumberOfTimedOut())

	// not yet swept: a fresh allocation must not alias the parked sid
	next, st := m.Allocate()
	require.True(t, st.IsOK())
	assert.NotEqual(t, sid, next)

	// after the grace period the sweep returns it to the free pool
	m.Sweep(time.Now().Add(time.Second))
	assert.False(t, m.IsTimedOut(sid))
	assert.Equal(t, 0, m.NumberOfTimedOut())
}

func TestReleaseAllTimedOut(t *testing.T) {
	m := New(time.Hour)
	a, _ := m.Allocate()
	b, _ := m.Allocate()
	m.TimeOut(a)
	m.TimeOut(b)
	require.Equal(t, 2, m.NumberOfTimedOut())

	m.ReleaseAllTimedOut()
	assert.Equal(t, 0, m.NumberOfTimedOut())
}

func TestReleaseOfUnknownSIDIsIgnored(t *testing.T) {
	m := New(time.Minute)
	m.Release([2]byte{0xff, 0xff})
	sid, st := m.Allocate()
	require.True(t, st.IsOK())
	assert.NotEqual(t, [2]byte{0xff, 0xff}, sid)
}
