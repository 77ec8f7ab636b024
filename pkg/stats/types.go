package stats

import (
	"fmt"

	"github.com/google/uuid"
)

// PlayerID is the stable identifier of a player across all nodes
type PlayerID = uuid.UUID

// ParsePlayerID parses the textual form of a player identifier
func ParsePlayerID(s string) (PlayerID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid player id %q: %w", s, err)
	}
	return id, nil
}

// Stamp orders writes across nodes: hybrid clock time, then origin node
type Stamp struct {
	At     int64  `json:"at"`
	Origin string `json:"origin"`
}

// After reports whether s is ordered after o.
// Equal times are tie-broken by origin so every node reaches the same verdict.
func (s Stamp) After(o Stamp) bool {
	if s.At != o.At {
		return s.At > o.At
	}
	return s.Origin > o.Origin
}

// Row is one durable (player, key) record in the backing store
type Row struct {
	Player     PlayerID `json:"player"`
	Key        string   `json:"key"`
	Value      int64    `json:"value"`
	Version    int64    `json:"version"`
	ModifiedAt int64    `json:"modified_at"`
	Origin     string   `json:"origin"`
	Seq        int64    `json:"seq"`
}

// Stamp returns the ordering stamp of the row
func (r Row) Stamp() Stamp {
	return Stamp{At: r.ModifiedAt, Origin: r.Origin}
}

// Write is a compare-and-set upsert request.
// It applies only when the stored version is at most Expected.
type Write struct {
	Row      Row
	Expected int64
}

// Outcome tags the result of a conditional write. Divergent updates found
// while merging are reported on Decision.Conflict instead.
type Outcome int

const (
	// Applied means the write committed
	Applied Outcome = iota
	// Stale means the store already holds a newer version than this node observed
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the per-key outcome of a conditional write.
// Seq is the change sequence of an applied write; Current holds the stored
// row when the outcome is Stale.
type Result struct {
	Key     string
	Outcome Outcome
	Seq     int64
	Current *Row
}

// PlayerSet is every stored statistic of one player keyed by statistic key
type PlayerSet struct {
	Player PlayerID
	Rows   map[string]Row
}

// Pending is one dirty (player, key) captured for a flush
type Pending struct {
	Player   PlayerID
	Key      string
	Value    int64
	Version  int64
	Base     int64
	Stamp    Stamp
	Mark     uint64
	Delta    int64
	Absolute bool
}

// Write converts the pending entry into the conditional store write
func (p Pending) Write() Write {
	return Write{
		Row: Row{
			Player:     p.Player,
			Key:        p.Key,
			Value:      p.Value,
			Version:    p.Version,
			ModifiedAt: p.Stamp.At,
			Origin:     p.Stamp.Origin,
		},
		Expected: p.Base,
	}
}
