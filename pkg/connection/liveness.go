package connection

import (
	"time"

	"github.com/sunipkm/peernet/pkg/membership"
)

// livenessLoop sweeps connected peers on every tick. A peer idle past
// EvasiveTimeout is reported evasive and pinged, past SilentTimeout it is
// reported silent, and past ExpiredTimeout it is disconnected.
func (m *Manager) livenessLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	for _, e := range m.table.List("") {
		if e.State != membership.StateConnected {
			continue
		}
		h, instance, err := m.table.Handle(e.Identity)
		if err != nil || instance != e.Instance {
			continue
		}
		pc, ok := h.(*peerConn)
		if !ok {
			continue
		}

		idle := now.Sub(e.LastSeen)
		switch {
		case idle >= m.cfg.ExpiredTimeout:
			m.cfg.Logger.Info("peer expired", "peer", e.Identity.String(), "idle", idle)
			pc.drop(ErrLivenessExpired, false)
		case idle >= m.cfg.SilentTimeout:
			if m.table.MarkEvasive(e.Identity, e.Instance) {
				m.sink.PeerEvasive(e.Identity)
			}
			if m.table.MarkSilent(e.Identity, e.Instance) {
				m.cfg.Logger.Debug("peer silent", "peer", e.Identity.String(), "idle", idle)
				m.sink.PeerSilent(e.Identity)
			}
			pc.ping(now, false)
		case idle >= m.cfg.EvasiveTimeout:
			if m.table.MarkEvasive(e.Identity, e.Instance) {
				m.cfg.Logger.Debug("peer evasive", "peer", e.Identity.String(), "idle", idle)
				m.sink.PeerEvasive(e.Identity)
				pc.ping(now, true)
			} else {
				pc.ping(now, false)
			}
		case idle >= m.cfg.HeartbeatInterval:
			pc.ping(now, false)
		}
	}
	m.table.PruneDiscovered(now.Add(-m.cfg.ExpiredTimeout))
}
