package stats

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects how divergent concurrent updates of one key are merged
type Policy int

const (
	// PolicyLWW keeps the write with the later stamp
	PolicyLWW Policy = iota
	// PolicyMax keeps the larger value
	PolicyMax
	// PolicySum rebases pending local increments onto the remote value
	PolicySum
)

func (p Policy) String() string {
	switch p {
	case PolicyLWW:
		return "lww"
	case PolicyMax:
		return "max"
	case PolicySum:
		return "sum"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name as stored in the registry and config
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lww", "last-writer-wins":
		return PolicyLWW, nil
	case "max":
		return PolicyMax, nil
	case "sum":
		return PolicySum, nil
	default:
		return PolicyLWW, fmt.Errorf("unknown merge policy %q", s)
	}
}

// Local is the cached state of one key as seen by the merge
type Local struct {
	Value    int64
	Version  int64
	Base     int64
	Stamp    Stamp
	Dirty    bool
	Delta    int64
	Absolute bool
	Loaded   bool
}

// Action is what the cache must do with a remote row
type Action int

const (
	// Ignore drops a row this node has already observed
	Ignore Action = iota
	// AcceptRemote replaces the local value with the remote one
	AcceptRemote
	// KeepLocal keeps the pending local value and re-asserts it on next flush
	KeepLocal
	// Rebase replaces the local value with the remote value plus pending increments
	Rebase
	// Confirm marks the row as this node's own write whose acknowledgement was lost
	Confirm
)

func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case AcceptRemote:
		return "accept_remote"
	case KeepLocal:
		return "keep_local"
	case Rebase:
		return "rebase"
	case Confirm:
		return "confirm"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ConflictRecord describes one divergent update pair. It is never persisted.
type ConflictRecord struct {
	Player     PlayerID
	Key        string
	Local      Local
	Remote     Row
	Policy     Policy
	DetectedAt time.Time
}

// Decision is the result of resolving a remote row against local state
type Decision struct {
	Action   Action
	Value    int64
	Conflict *ConflictRecord
}

// Resolve decides how a remote row merges into local state.
// A row at or below the last observed store version is ignored, a clean
// entry always takes the remote row, and a dirty entry with a newer remote
// version is a conflict settled by policy.
func Resolve(player PlayerID, key string, local Local, remote Row, policy Policy) Decision {
	if remote.Version <= local.Base {
		return Decision{Action: Ignore, Value: local.Value}
	}
	if !local.Dirty {
		return Decision{Action: AcceptRemote, Value: remote.Value}
	}

	conflict := &ConflictRecord{
		Player:     player,
		Key:        key,
		Local:      local,
		Remote:     remote,
		Policy:     policy,
		DetectedAt: time.Now(),
	}

	// increments made before the first load are deltas against a base we never saw
	if !local.Loaded && !local.Absolute {
		return Decision{Action: Rebase, Value: remote.Value + local.Delta, Conflict: conflict}
	}

	switch policy {
	case PolicyMax:
		if remote.Value > local.Value {
			return Decision{Action: AcceptRemote, Value: remote.Value, Conflict: conflict}
		}
		if remote.Value < local.Value {
			return Decision{Action: KeepLocal, Value: local.Value, Conflict: conflict}
		}
	case PolicySum:
		if !local.Absolute {
			return Decision{Action: Rebase, Value: remote.Value + local.Delta, Conflict: conflict}
		}
	}

	if remote.Stamp().After(local.Stamp) {
		return Decision{Action: AcceptRemote, Value: remote.Value, Conflict: conflict}
	}
	return Decision{Action: KeepLocal, Value: local.Value, Conflict: conflict}
}
