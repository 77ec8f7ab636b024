package stats

import (
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	player := uuid.New()
	remote := Row{Player: player, Key: "kills", Value: 7, Version: 2, ModifiedAt: 200, Origin: "node-a"}

	tests := []struct {
		name       string
		local      Local
		policy     Policy
		wantAction Action
		wantValue  int64
		conflict   bool
	}{
		{
			name:       "already observed",
			local:      Local{Value: 7, Version: 2, Base: 2, Loaded: true},
			wantAction: Ignore,
			wantValue:  7,
		},
		{
			name:       "clean entry takes remote",
			local:      Local{Value: 5, Version: 1, Base: 1, Loaded: true},
			wantAction: AcceptRemote,
			wantValue:  7,
		},
		{
			name:       "lww remote newer",
			local:      Local{Value: 6, Version: 2, Base: 1, Dirty: true, Loaded: true, Stamp: Stamp{At: 150, Origin: "node-b"}},
			wantAction: AcceptRemote,
			wantValue:  7,
			conflict:   true,
		},
		{
			name:       "lww local newer",
			local:      Local{Value: 6, Version: 2, Base: 1, Dirty: true, Loaded: true, Stamp: Stamp{At: 250, Origin: "node-b"}},
			wantAction: KeepLocal,
			wantValue:  6,
			conflict:   true,
		},
		{
			name:       "lww tie broken by origin",
			local:      Local{Value: 6, Version: 2, Base: 1, Dirty: true, Loaded: true, Stamp: Stamp{At: 200, Origin: "node-b"}},
			wantAction: KeepLocal,
			wantValue:  6,
			conflict:   true,
		},
		{
			name:       "max keeps larger local",
			local:      Local{Value: 9, Version: 2, Base: 1, Dirty: true, Loaded: true, Stamp: Stamp{At: 100, Origin: "node-b"}},
			policy:     PolicyMax,
			wantAction: KeepLocal,
			wantValue:  9,
			conflict:   true,
		},
		{
			name:       "max takes larger remote",
			local:      Local{Value: 3, Version: 2, Base: 1, Dirty: true, Loaded: true, Stamp: Stamp{At: 900, Origin: "node-b"}},
			policy:     PolicyMax,
			wantAction: AcceptRemote,
			wantValue:  7,
			conflict:   true,
		},
		{
			name:       "sum rebases pending increments",
			local:      Local{Value: 6, Version: 2, Base: 1, Dirty: true, Loaded: true, Delta: 1, Stamp: Stamp{At: 100, Origin: "node-b"}},
			policy:     PolicySum,
			wantAction: Rebase,
			wantValue:  8,
			conflict:   true,
		},
		{
			name:       "sum with absolute set falls back to lww",
			local:      Local{Value: 1, Version: 2, Base: 1, Dirty: true, Loaded: true, Absolute: true, Stamp: Stamp{At: 300, Origin: "node-b"}},
			policy:     PolicySum,
			wantAction: KeepLocal,
			wantValue:  1,
			conflict:   true,
		},
		{
			name:       "increments before first load are rebased",
			local:      Local{Value: 2, Version: 2, Dirty: true, Delta: 2, Stamp: Stamp{At: 900, Origin: "node-b"}},
			wantAction: Rebase,
			wantValue:  9,
			conflict:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(player, "kills", tt.local, remote, tt.policy)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantValue, d.Value)
			if tt.conflict {
				require.NotNil(t, d.Conflict)
				assert.Equal(t, remote, d.Conflict.Remote)
				assert.Equal(t, tt.policy, d.Conflict.Policy)
			} else {
				assert.Nil(t, d.Conflict)
			}
		})
	}
}

func TestResolveProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	player := uuid.New()

	// two dirty nodes resolving against each other's rows pick the same winner
	properties.Property("lww verdict is symmetric across nodes", prop.ForAll(
		func(atA, atB int64, valA, valB int64) bool {
			a := Row{Player: player, Key: "k", Value: valA, Version: 2, ModifiedAt: atA, Origin: "node-a"}
			b := Row{Player: player, Key: "k", Value: valB, Version: 2, ModifiedAt: atB, Origin: "node-b"}

			localA := Local{Value: valA, Version: 2, Base: 1, Dirty: true, Loaded: true, Stamp: a.Stamp()}
			localB := Local{Value: valB, Version: 2, Base: 1, Dirty: true, Loaded: true, Stamp: b.Stamp()}

			onA := Resolve(player, "k", localA, b, PolicyLWW)
			onB := Resolve(player, "k", localB, a, PolicyLWW)
			return onA.Value == onB.Value && onA.Action != onB.Action
		},
		gen.Int64Range(0, 1000),
		gen.Int64Range(0, 1000),
		gen.Int64(),
		gen.Int64(),
	))

	properties.Property("rows at or below base are always ignored", prop.ForAll(
		func(base, version int64, dirty bool) bool {
			if version > base {
				return true
			}
			local := Local{Value: 1, Version: base, Base: base, Dirty: dirty, Loaded: true}
			d := Resolve(player, "k", local, Row{Version: version, Value: 99}, PolicyLWW)
			return d.Action == Ignore && d.Value == 1
		},
		gen.Int64Range(0, 50),
		gen.Int64Range(0, 50),
		gen.Bool(),
	))

	properties.Property("max policy converges to the larger value", prop.ForAll(
		func(valA, valB int64) bool {
			if valA == valB {
				return true
			}
			a := Row{Value: valA, Version: 2, ModifiedAt: 1, Origin: "node-a"}
			b := Row{Value: valB, Version: 2, ModifiedAt: 2, Origin: "node-b"}
			onA := Resolve(player, "k", Local{Value: valA, Base: 1, Dirty: true, Loaded: true, Stamp: a.Stamp()}, b, PolicyMax)
			onB := Resolve(player, "k", Local{Value: valB, Base: 1, Dirty: true, Loaded: true, Stamp: b.Stamp()}, a, PolicyMax)
			max := valA
			if valB > max {
				max = valB
			}
			return onA.Value == max && onB.Value == max
		},
		gen.Int64Range(-1000, 1000),
		gen.Int64Range(-1000, 1000),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyLWW, "LWW": PolicyLWW, "max": PolicyMax, " sum ": PolicySum} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}

	_, err := ParsePolicy("median")
	assert.Error(t, err)
}
