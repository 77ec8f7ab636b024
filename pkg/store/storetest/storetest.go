// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
)

// Factory opens a fresh, empty backend for one test
type Factory func(t *testing.T) store.Backend

// Run executes the conformance suite against backends built by open
func Run(t *testing.T, open Factory) {
	t.Run("InsertThenCAS", func(t *testing.T) { testInsertThenCAS(t, open(t)) })
	t.Run("StaleReturnsCurrent", func(t *testing.T) { testStaleReturnsCurrent(t, open(t)) })
	t.Run("BatchMixedOutcomes", func(t *testing.T) { testBatchMixedOutcomes(t, open(t)) })
	t.Run("FetchChangedSince", func(t *testing.T) { testFetchChangedSince(t, open(t)) })
	t.Run("FetchOne", func(t *testing.T) { testFetchOne(t, open(t)) })
	t.Run("Registry", func(t *testing.T) { testRegistry(t, open(t)) })
	t.Run("RejectsForeignPlayer", func(t *testing.T) { testRejectsForeignPlayer(t, open(t)) })
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

// W builds a conditional write
func W(player stats.PlayerID, key string, value, version, expected int64, origin string) stats.Write {
	return stats.Write{
		Row: stats.Row{
			Player:     player,
			Key:        key,
			Value:      value,
			Version:    version,
			ModifiedAt: time.Now().UnixMicro(),
			Origin:     origin,
		},
		Expected: expected,
	}
}

func testInsertThenCAS(t *testing.T, s store.Backend) {
	defer s.Close()
	c := ctx(t)
	p := uuid.New()

	res, err := s.UpsertIfVersionAtMost(c, W(p, "kills", 5, 1, 0, "a"))
	require.NoError(t, err)
	assert.Equal(t, stats.Applied, res.Outcome)

	first := res.Seq
	assert.Positive(t, first)

	res, err = s.UpsertIfVersionAtMost(c, W(p, "kills", 9, 2, 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, stats.Applied, res.Outcome)
	assert.Greater(t, res.Seq, first)

	head, err := s.Head(c)
	require.NoError(t, err)
	assert.Equal(t, res.Seq, head)
}

func testStaleReturnsCurrent(t *testing.T, s store.Backend) {
	defer s.Close()
	c := ctx(t)
	p := uuid.New()

	_, err := s.UpsertIfVersionAtMost(c, W(p, "kills", 5, 3, 0, "a"))
	require.NoError(t, err)

	res, err := s.UpsertIfVersionAtMost(c, W(p, "kills", 7, 2, 1, "b"))
	require.NoError(t, err)
	assert.Equal(t, stats.Stale, res.Outcome)
	require.NotNil(t, res.Current)
	assert.Equal(t, int64(5), res.Current.Value)
	assert.Equal(t, int64(3), res.Current.Version)
	assert.Equal(t, "a", res.Current.Origin)

	set, ok, err := s.FetchOne(c, p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), set.Rows["kills"].Value)
}

func testBatchMixedOutcomes(t *testing.T, s store.Backend) {
	defer s.Close()
	c := ctx(t)
	p := uuid.New()

	_, err := s.UpsertIfVersionAtMost(c, W(p, "deaths", 1, 4, 0, "b"))
	require.NoError(t, err)

	results, err := s.ApplyBatch(c, p, []stats.Write{
		W(p, "kills", 10, 1, 0, "a"),
		W(p, "deaths", 2, 2, 1, "a"),
		W(p, "wins", 1, 1, 0, "a"),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, stats.Applied, results[0].Outcome)
	assert.Equal(t, stats.Stale, results[1].Outcome)
	assert.Equal(t, stats.Applied, results[2].Outcome)
	assert.Equal(t, "deaths", results[1].Key)

	set, _, err := s.FetchOne(c, p)
	require.NoError(t, err)
	assert.Len(t, set.Rows, 3)
	assert.Equal(t, int64(1), set.Rows["deaths"].Value)
}

func testFetchChangedSince(t *testing.T, s store.Backend) {
	defer s.Close()
	c := ctx(t)
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()

	for _, p := range []stats.PlayerID{p1, p2, p3} {
		_, err := s.UpsertIfVersionAtMost(c, W(p, "kills", 1, 1, 0, "a"))
		require.NoError(t, err)
	}
	_, err := s.UpsertIfVersionAtMost(c, W(p1, "kills", 2, 2, 1, "a"))
	require.NoError(t, err)

	rows, err := s.FetchChangedSince(c, 0, []stats.PlayerID{p1, p3}, 100)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for i := 1; i < len(rows); i++ {
		assert.Less(t, rows[i-1].Seq, rows[i].Seq)
	}
	assert.Equal(t, p3, rows[0].Player)
	assert.Equal(t, p1, rows[1].Player)
	assert.Equal(t, int64(2), rows[1].Value)

	rows, err = s.FetchChangedSince(c, rows[1].Seq, []stats.PlayerID{p1, p2, p3}, 100)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.FetchChangedSince(c, 0, []stats.PlayerID{p1, p2, p3}, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = s.FetchChangedSince(c, 0, nil, 100)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testFetchOne(t *testing.T, s store.Backend) {
	defer s.Close()
	c := ctx(t)

	_, ok, err := s.FetchOne(c, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRegistry(t *testing.T, s store.Backend) {
	defer s.Close()
	c := ctx(t)

	added, err := s.Track(c, "kills", stats.PolicyLWW)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Track(c, "kills", stats.PolicyMax)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = s.Track(c, "deaths", stats.PolicySum)
	require.NoError(t, err)

	tracked, err := s.Tracked(c)
	require.NoError(t, err)
	assert.Equal(t, map[string]stats.Policy{"kills": stats.PolicyMax, "deaths": stats.PolicySum}, tracked)

	removed, err := s.Untrack(c, "kills")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Untrack(c, "kills")
	require.NoError(t, err)
	assert.False(t, removed)
}

func testRejectsForeignPlayer(t *testing.T, s store.Backend) {
	defer s.Close()
	c := ctx(t)
	p := uuid.New()

	_, err := s.ApplyBatch(c, p, []stats.Write{W(uuid.New(), "kills", 1, 1, 0, "a")})
	require.Error(t, err)
	assert.True(t, store.IsFatal(err))

	_, ok, err := s.FetchOne(c, p)
	require.NoError(t, err)
	assert.False(t, ok)
}
