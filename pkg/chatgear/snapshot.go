package chatgear

import (
	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotStore is the durable persistence capability a ServerPort uses to
// survive process restarts: the last observed GearStateEvent/GearStatsEvent
// for a gear are written on Close and can be reloaded before the next
// session starts, so "async getters keep returning the last observed
// state" holds across restarts, not just across an open connection.
// *statestore.Store satisfies this.
type SnapshotStore interface {
	Save(key string, value []byte) error
	Load(key string) (value []byte, ok bool, err error)
}

// gearSnapshot is the msgpack-encoded record written to a SnapshotStore.
type gearSnapshot struct {
	State *GearStateEvent `msgpack:"state"`
	Stats *GearStatsEvent `msgpack:"stats"`
}

// snapshotKey namespaces a gear ID within a SnapshotStore shared across
// gears.
func snapshotKey(gearID string) string {
	return "gear/" + gearID
}

// SaveSnapshot persists the port's last observed state and stats under
// gearID. Intended to be called from Close.
func SaveSnapshot(store SnapshotStore, gearID string, state *GearStateEvent, stats *GearStatsEvent) error {
	b, err := msgpack.Marshal(&gearSnapshot{State: state, Stats: stats})
	if err != nil {
		return err
	}
	return store.Save(snapshotKey(gearID), b)
}

// LoadSnapshot reloads a previously saved state/stats pair for gearID.
// ok is false (with a nil error) if nothing was ever saved for this gear.
func LoadSnapshot(store SnapshotStore, gearID string) (state *GearStateEvent, stats *GearStatsEvent, ok bool, err error) {
	b, found, err := store.Load(snapshotKey(gearID))
	if err != nil || !found {
		return nil, nil, false, err
	}
	var snap gearSnapshot
	if err := msgpack.Unmarshal(b, &snap); err != nil {
		return nil, nil, false, err
	}
	return snap.State, snap.Stats, true, nil
}
