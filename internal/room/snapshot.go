package room

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/relayworks/browser-relay/internal/logging"
)

// roomSnapshot is the durable slice of room state. Pending RPCs are
// deliberately absent: callers re-issue after a restart, and a reply with no
// waiter is dropped.
type roomSnapshot struct {
	Targets       []Target           `json:"targets"`
	Ledger        map[string]float64 `json:"ledger"`
	NextBrowserID int64              `json:"nextBrowserId"`
	NextLocalID   int64              `json:"nextLocalId"`
}

// persistSnapshot journals the room's durable state asynchronously. Bursts
// coalesce into a single trailing save.
func (r *Room) persistSnapshot() {
	if r.store == nil {
		return
	}

	r.saveMu.Lock()
	if r.savePending {
		r.saveMu.Unlock()
		return
	}
	r.savePending = true
	r.saveMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.saveMu.Lock()
		r.savePending = false
		r.saveMu.Unlock()

		data, err := r.buildSnapshot()
		if err != nil {
			logging.Warn(r.ctx, "failed to encode room snapshot", zap.Error(err))
			return
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
		defer cancel()
		if err := r.store.Save(ctx, r.id, data); err != nil {
			logging.Warn(r.ctx, "failed to save room snapshot", zap.Error(err))
		}
	}()
}

func (r *Room) buildSnapshot() ([]byte, error) {
	r.mu.RLock()
	snap := roomSnapshot{
		Targets:       r.targets.list(),
		Ledger:        r.ledger.snapshot(),
		NextBrowserID: r.browserRPC.snapshotNextID(),
		NextLocalID:   r.localRPC.snapshotNextID(),
	}
	r.mu.RUnlock()
	return json.Marshal(snap)
}

func (r *Room) restoreSnapshot(ctx context.Context, data []byte) {
	var snap roomSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logging.Warn(ctx, "discarding unreadable room snapshot", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.targets.restore(snap.Targets)
	r.mu.Unlock()
	r.ledger.restore(snap.Ledger)
	r.browserRPC.seedNextID(snap.NextBrowserID)
	r.localRPC.seedNextID(snap.NextLocalID)

	logging.Info(ctx, "restored room snapshot",
		zap.Int("targets", len(snap.Targets)),
		zap.Int("ledger_entries", len(snap.Ledger)))
}
