package cache

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// Entry is a read-only view of one cached statistic
type Entry struct {
	Value   int64
	Version int64
	Base    int64
	Stamp   stats.Stamp
	Dirty   bool
}

// keyState is the mutable per-key record guarded by its player's mutex
type keyState struct {
	value    int64
	version  int64
	base     int64 // store version this node last observed for the key
	stamp    stats.Stamp
	dirty    bool
	mark     uint64 // mutation sequence of the latest local write
	absMark  uint64 // mutation sequence of the latest Set
	delta    int64  // increments applied since base
	absolute bool
	sent     []stats.Pending // writes captured for a flush since base last moved
}

// maxSent bounds the unconfirmed writes remembered per key
const maxSent = 16

type playerEntry struct {
	mu      sync.Mutex
	keys    map[string]*keyState
	dirty   int
	loaded  bool
	online  bool
	evicted bool
}

// Cache is the per-node in-memory statistic store.
// Players live in an internally sharded map and every player has its own
// mutex, so unrelated players never contend.
type Cache struct {
	clock   *stats.Clock
	players *xsync.MapOf[stats.PlayerID, *playerEntry]
	marks   atomic.Uint64
}

// New creates an empty cache stamping local writes with the given clock
func New(clock *stats.Clock) *Cache {
	return &Cache{
		clock:   clock,
		players: xsync.NewMapOf[stats.PlayerID, *playerEntry](),
	}
}

// Node returns the identity stamped on local writes
func (c *Cache) Node() string {
	return c.clock.Node()
}

// withPlayer runs fn under the player's lock, creating the entry if needed.
// It reports whether this call created the entry.
func (c *Cache) withPlayer(id stats.PlayerID, fn func(e *playerEntry)) bool {
	for {
		e, loaded := c.players.LoadOrCompute(id, func() *playerEntry {
			return &playerEntry{keys: make(map[string]*keyState), online: true}
		})
		e.mu.Lock()
		if e.evicted {
			// lost a race with eviction, the map no longer holds e
			e.mu.Unlock()
			runtime.Gosched()
			continue
		}
		fn(e)
		e.mu.Unlock()
		return !loaded
	}
}

// viewPlayer runs fn under the player's lock only if the player is resident
func (c *Cache) viewPlayer(id stats.PlayerID, fn func(e *playerEntry)) bool {
	e, ok := c.players.Load(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return false
	}
	fn(e)
	return true
}

// Get returns the cached value, or zero when the player or key is absent
func (c *Cache) Get(id stats.PlayerID, key string) int64 {
	var v int64
	c.viewPlayer(id, func(e *playerEntry) {
		if ks, ok := e.keys[key]; ok {
			v = ks.value
		}
	})
	return v
}

// Lookup returns the cached entry for a key
func (c *Cache) Lookup(id stats.PlayerID, key string) (Entry, bool) {
	var (
		out   Entry
		found bool
	)
	c.viewPlayer(id, func(e *playerEntry) {
		if ks, ok := e.keys[key]; ok {
			out = ks.entry()
			found = true
		}
	})
	return out, found
}

// Snapshot returns every cached value of a player
func (c *Cache) Snapshot(id stats.PlayerID) map[string]int64 {
	out := make(map[string]int64)
	c.viewPlayer(id, func(e *playerEntry) {
		for k, ks := range e.keys {
			out[k] = ks.value
		}
	})
	return out
}

// Increment adds delta to a key and marks it dirty.
// It returns the new value and whether the player entry was created.
func (c *Cache) Increment(id stats.PlayerID, key string, delta int64) (int64, bool) {
	var v int64
	created := c.withPlayer(id, func(e *playerEntry) {
		ks := e.key(key)
		ks.value += delta
		ks.delta += delta
		c.touch(e, ks)
		v = ks.value
	})
	return v, created
}

// Set overwrites a key and marks it dirty.
// It reports whether the player entry was created.
func (c *Cache) Set(id stats.PlayerID, key string, value int64) bool {
	return c.withPlayer(id, func(e *playerEntry) {
		ks := e.key(key)
		ks.value = value
		ks.delta = 0
		ks.absolute = true
		c.touch(e, ks)
		ks.absMark = ks.mark
	})
}

// touch bumps the local version, stamps and marks the key dirty
func (c *Cache) touch(e *playerEntry, ks *keyState) {
	if ks.version < ks.base {
		ks.version = ks.base
	}
	ks.version++
	ks.stamp = c.clock.Now()
	ks.mark = c.marks.Add(1)
	if !ks.dirty {
		ks.dirty = true
		e.dirty++
	}
}

// Ensure makes the player resident and online.
// It reports whether the entry was created and still needs a load.
func (c *Cache) Ensure(id stats.PlayerID) (created bool, loaded bool) {
	created = c.withPlayer(id, func(e *playerEntry) {
		e.online = true
		loaded = e.loaded
	})
	return created, loaded
}

// IsLoaded reports whether the player's stored state has been merged
func (c *Cache) IsLoaded(id stats.PlayerID) bool {
	var loaded bool
	c.viewPlayer(id, func(e *playerEntry) { loaded = e.loaded })
	return loaded
}

// MarkLoaded records that the player's stored state has been merged
func (c *Cache) MarkLoaded(id stats.PlayerID) {
	c.viewPlayer(id, func(e *playerEntry) { e.loaded = true })
}

// SnapshotDirty captures every dirty key without clearing any marker.
// Each player is captured atomically; markers are cleared only by ConfirmFlushed
// or by ApplyRemote recognizing one of the captured writes in the store.
func (c *Cache) SnapshotDirty() []stats.Pending {
	var out []stats.Pending
	c.players.Range(func(id stats.PlayerID, e *playerEntry) bool {
		e.mu.Lock()
		if !e.evicted && e.dirty > 0 {
			for k, ks := range e.keys {
				if !ks.dirty {
					continue
				}
				p := stats.Pending{
					Player:   id,
					Key:      k,
					Value:    ks.value,
					Version:  ks.version,
					Base:     ks.base,
					Stamp:    ks.stamp,
					Mark:     ks.mark,
					Delta:    ks.delta,
					Absolute: ks.absolute,
				}
				ks.remember(p)
				out = append(out, p)
			}
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Player != out[j].Player {
			return out[i].Player.String() < out[j].Player.String()
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ConfirmFlushed records a durable write of p.
// The dirty marker is cleared only if the key was not modified after the snapshot.
func (c *Cache) ConfirmFlushed(p stats.Pending) bool {
	var cleared bool
	c.viewPlayer(p.Player, func(e *playerEntry) {
		if ks, ok := e.keys[p.Key]; ok {
			cleared = ks.confirm(e, p)
		}
	})
	return cleared
}

// ApplyRemote merges a store row under the key's policy.
// A dirty marker set after the remote timestamp is never cleared.
func (c *Cache) ApplyRemote(row stats.Row, policy stats.Policy) stats.Decision {
	c.clock.Observe(row.ModifiedAt)

	var d stats.Decision
	found := c.viewPlayer(row.Player, func(e *playerEntry) {
		ks := e.key(row.Key)
		local := stats.Local{
			Value:    ks.value,
			Version:  ks.version,
			Base:     ks.base,
			Stamp:    ks.stamp,
			Dirty:    ks.dirty,
			Delta:    ks.delta,
			Absolute: ks.absolute,
			Loaded:   e.loaded,
		}
		if row.Version > ks.base && row.Origin == c.clock.Node() {
			// our own write whose acknowledgement never arrived
			if p, ok := ks.sentAs(row); ok {
				ks.confirm(e, p)
				d = stats.Decision{Action: stats.Confirm, Value: ks.value}
				return
			}
		}
		d = stats.Resolve(row.Player, row.Key, local, row, policy)

		switch d.Action {
		case stats.Ignore:
		case stats.AcceptRemote:
			ks.value = d.Value
			ks.setBase(row.Version)
			if ks.dirty && ks.stamp.At > row.ModifiedAt {
				// a local write landed after the remote one: keep it pending
				ks.delta = 0
				ks.absolute = true
				ks.absMark = ks.mark
				if ks.version <= row.Version {
					ks.version = row.Version + 1
				}
				return
			}
			if row.Version > ks.version {
				ks.version = row.Version
			}
			ks.stamp = row.Stamp()
			if ks.dirty {
				ks.dirty = false
				e.dirty--
			}
			ks.delta = 0
			ks.absolute = false
		case stats.KeepLocal:
			ks.setBase(row.Version)
			if ks.version <= row.Version {
				ks.version = row.Version + 1
			}
		case stats.Rebase:
			ks.value = d.Value
			ks.setBase(row.Version)
			if ks.version <= row.Version {
				ks.version = row.Version + 1
			}
			ks.stamp = c.clock.Now()
		}
	})
	if !found {
		return stats.Decision{Action: stats.Ignore}
	}
	return d
}

// Release marks the player offline and evicts it once nothing is pending.
// It reports whether the entry was evicted.
func (c *Cache) Release(id stats.PlayerID) bool {
	e, ok := c.players.Load(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.online = false
	evict := !e.evicted && e.dirty == 0
	if evict {
		e.evicted = true
	}
	e.mu.Unlock()

	if evict {
		c.players.Compute(id, func(old *playerEntry, loaded bool) (*playerEntry, bool) {
			return old, !loaded || old == e
		})
	}
	return evict
}

// EvictReleased evicts offline players whose writes are all durable
func (c *Cache) EvictReleased() int {
	var offline []stats.PlayerID
	c.players.Range(func(id stats.PlayerID, e *playerEntry) bool {
		e.mu.Lock()
		if !e.online && !e.evicted && e.dirty == 0 {
			offline = append(offline, id)
		}
		e.mu.Unlock()
		return true
	})

	n := 0
	for _, id := range offline {
		if c.Release(id) {
			n++
		}
	}
	return n
}

// Residents returns online players whose stored state has been loaded
func (c *Cache) Residents() []stats.PlayerID {
	var out []stats.PlayerID
	c.players.Range(func(id stats.PlayerID, e *playerEntry) bool {
		e.mu.Lock()
		if e.online && e.loaded && !e.evicted {
			out = append(out, id)
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// Unloaded returns online players still waiting for their first load
func (c *Cache) Unloaded() []stats.PlayerID {
	var out []stats.PlayerID
	c.players.Range(func(id stats.PlayerID, e *playerEntry) bool {
		e.mu.Lock()
		if e.online && !e.loaded && !e.evicted {
			out = append(out, id)
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// Stats reports resident players and dirty keys
func (c *Cache) Stats() (players int, dirty int) {
	c.players.Range(func(_ stats.PlayerID, e *playerEntry) bool {
		e.mu.Lock()
		if !e.evicted {
			players++
			dirty += e.dirty
		}
		e.mu.Unlock()
		return true
	})
	return players, dirty
}

func (e *playerEntry) key(k string) *keyState {
	ks, ok := e.keys[k]
	if !ok {
		ks = &keyState{}
		e.keys[k] = ks
	}
	return ks
}

// setBase records the store version this node last observed. Writes
// captured before can no longer become the stored row.
func (ks *keyState) setBase(v int64) {
	ks.base = v
	ks.sent = nil
}

// remember keeps a captured write until the store confirms or supersedes it
func (ks *keyState) remember(p stats.Pending) {
	if n := len(ks.sent); n > 0 && ks.sent[n-1].Mark == p.Mark {
		return
	}
	if len(ks.sent) == maxSent {
		ks.sent = append(ks.sent[:0], ks.sent[1:]...)
	}
	ks.sent = append(ks.sent, p)
}

// sentAs returns the captured write the stored row was produced from
func (ks *keyState) sentAs(row stats.Row) (stats.Pending, bool) {
	for i := len(ks.sent) - 1; i >= 0; i-- {
		p := ks.sent[i]
		if p.Version == row.Version && p.Stamp.At == row.ModifiedAt && p.Value == row.Value {
			return p, true
		}
	}
	return stats.Pending{}, false
}

// confirm applies a durable write of p and reports whether the key is clean.
// Increments made after p stay pending against the new base.
func (ks *keyState) confirm(e *playerEntry, p stats.Pending) bool {
	if p.Version > ks.base {
		ks.setBase(p.Version)
	}
	if ks.version < ks.base {
		ks.version = ks.base
	}
	if !ks.dirty {
		return false
	}
	if ks.mark == p.Mark {
		ks.dirty = false
		ks.delta = 0
		ks.absolute = false
		e.dirty--
		return true
	}
	// re-dirtied after p was captured: keep what p did not carry
	if ks.absMark <= p.Mark {
		ks.delta -= p.Delta
		ks.absolute = false
	}
	if ks.version <= ks.base {
		ks.version = ks.base + 1
	}
	return false
}

func (ks *keyState) entry() Entry {
	return Entry{
		Value:   ks.value,
		Version: ks.version,
		Base:    ks.base,
		Stamp:   ks.stamp,
		Dirty:   ks.dirty,
	}
}
