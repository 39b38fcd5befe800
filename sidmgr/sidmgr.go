// Package sidmgr leases the 16-bit stream ids that correlate request and
// response frames on one endpoint. A SID released after a user timeout is
// quarantined for a grace period so that a late reply cannot alias onto a
// fresh request carrying the recycled id.
package sidmgr

import (
	"sync"
	"time"

	"github.com/xrdclient/xrdclient/status"
)

// Manager hands out SIDs for a single endpoint.
type Manager struct {
	mtx      sync.Mutex
	freeSIDs []uint16
	ceiling  uint16
	inUse    map[uint16]struct{}
	timedOut map[uint16]time.Time
	grace    time.Duration
}

func New(grace time.Duration) *Manager {
	return &Manager{
		ceiling:  1,
		inUse:    make(map[uint16]struct{}),
		timedOut: make(map[uint16]time.Time),
		grace:    grace,
	}
}

// Allocate leases an unused SID. Exhaustion of the 16-bit space is reported
// as ErrNoMoreFreeSIDs; ids are never silently reused.
func (m *Manager) Allocate() ([2]byte, status.Status) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var sid uint16
	if len(m.freeSIDs) > 0 {
		sid = m.freeSIDs[0]
		m.freeSIDs = m.freeSIDs[1:]
	} else {
		if m.ceiling == 0xffff {
			return [2]byte{}, status.New(status.SevError, status.ErrNoMoreFreeSIDs)
		}
		sid = m.ceiling
		m.ceiling++
	}
	m.inUse[sid] = struct{}{}
	return encode(sid), status.OK()
}

// Release returns a SID to the free pool.
func (m *Manager) Release(sid [2]byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	id := decode(sid)
	if _, ok := m.inUse[id]; !ok {
		return
	}
	delete(m.inUse, id)
	m.freeSIDs = append(m.freeSIDs, id)
}

// TimeOut parks a SID in the quarantine list. It stays unavailable until the
// grace period elapses or the session restarts.
func (m *Manager) TimeOut(sid [2]byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	id := decode(sid)
	if _, ok := m.inUse[id]; !ok {
		return
	}
	delete(m.inUse, id)
	m.timedOut[id] = time.Now()
}

func (m *Manager) IsTimedOut(sid [2]byte) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.timedOut[decode(sid)]
	return ok
}

// ReleaseTimedOut moves a quarantined SID back to the free pool.
func (m *Manager) ReleaseTimedOut(sid [2]byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	id := decode(sid)
	if _, ok := m.timedOut[id]; !ok {
		return
	}
	delete(m.timedOut, id)
	m.freeSIDs = append(m.freeSIDs, id)
}

// ReleaseAllTimedOut empties the quarantine. Called when the session
// restarts: replies from the previous session can no longer arrive.
func (m *Manager) ReleaseAllTimedOut() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for id := range m.timedOut {
		m.freeSIDs = append(m.freeSIDs, id)
	}
	m.timedOut = make(map[uint16]time.Time)
}

// Sweep frees quarantined SIDs whose grace period has elapsed at now.
// Driven periodically by the channel tick task.
func (m *Manager) Sweep(now time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for id, since := range m.timedOut {
		if now.Sub(since) >= m.grace {
			delete(m.timedOut, id)
			m.freeSIDs = append(m.freeSIDs, id)
		}
	}
}

// InUse reports the number of currently leased SIDs.
func (m *Manager) InUse() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.inUse)
}

// IsInUse reports whether the given SID is currently leased.
func (m *Manager) IsInUse(sid [2]byte) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.inUse[decode(sid)]
	return ok
}

// NumberOfTimedOut reports the size of the quarantine list.
func (m *Manager) NumberOfTimedOut() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.timedOut)
}

func encode(id uint16) [2]byte {
	return [2]byte{byte(id), byte(id >> 8)}
}

func decode(sid [2]byte) uint16 {
	return uint16(sid[0]) | uint16(sid[1])<<8
}
