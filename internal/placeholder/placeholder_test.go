package placeholder

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

type fakeReader map[string]int64

func (r fakeReader) Get(_ stats.PlayerID, key string) int64 { return r[key] }

type fakeRegistry map[string]bool

func (r fakeRegistry) IsTracked(key string) bool { return r[key] }

func TestRequest(t *testing.T) {
	e := New("mss", fakeReader{"kills": 1234, "deaths": 2}, fakeRegistry{"kills": true, "wins": true})
	p := uuid.New()

	tests := []struct {
		name   string
		params string
		want   string
		ok     bool
	}{
		{"tracked", "kills", "1234", true},
		{"normalized", "KILLS", "1234", true},
		{"tracked but unset", "wins", "0", true},
		{"untracked", "deaths", "", false},
		{"empty", "", "", false},
		{"invalid", "no spaces", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.Request(p, tt.params)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpand(t *testing.T) {
	e := New("mss", fakeReader{"kills": 5}, fakeRegistry{"kills": true})
	p := uuid.New()

	got, ok := e.Expand(p, "%mss_kills%")
	assert.True(t, ok)
	assert.Equal(t, "5", got)

	got, ok = e.Expand(p, "mss_kills")
	assert.True(t, ok)
	assert.Equal(t, "5", got)

	_, ok = e.Expand(p, "%other_kills%")
	assert.False(t, ok)

	_, ok = e.Expand(p, "%mss_%")
	assert.False(t, ok)

	assert.Equal(t, "mss", e.Identifier())
}
