package seedstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackrecon/internal/estimator"
	"github.com/banshee-data/trackrecon/internal/reconstruct"
	"github.com/banshee-data/trackrecon/internal/testutil"
	"github.com/banshee-data/trackrecon/internal/track"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "seeds.db"))
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// straightUpdates runs a plain reconstruction and returns its raw updates.
func straightUpdates(t *testing.T, n int) []estimator.Update {
	t.Helper()
	p := testutil.NewPlane(48.1, 11.5)
	settings := reconstruct.DefaultSettings()
	settings.ResampleResult = false
	res, ok, err := reconstruct.New(settings).Reconstruct("T1", p.Straight(n, 2, 10, 5))
	require.NoError(t, err)
	require.True(t, ok)
	return res.Updates
}

func TestOpenMigrates(t *testing.T) {
	s := openTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestOpenTwiceIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.db")
	s1, err := Open(path)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, s1.Close())

	s2, err := Open(path)
	testutil.AssertNoError(t, err)
	defer s2.Close()
	v, err := s2.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestSaveLoadSeed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	runID := NewRunID()
	updates := straightUpdates(t, 6)

	require.NoError(t, s.SaveSeed(ctx, runID, "T1", updates))

	got, ok, err := s.LoadSeed(ctx, runID, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, len(updates))

	for i := range updates {
		assert.True(t, got[i].Time.Equal(updates[i].Time), "time %d", i)
		assert.Equal(t, updates[i].State.RawX(), got[i].State.RawX(), "x %d", i)
		assert.Equal(t, updates[i].State.RawP(), got[i].State.RawP(), "p %d", i)
		assert.Equal(t, updates[i].Center, got[i].Center)
		assert.Equal(t, updates[i].SourceID, got[i].SourceID)
		assert.Equal(t, updates[i].Reinit, got[i].Reinit)
		assert.Equal(t, updates[i].NoStdDev, got[i].NoStdDev)
	}
}

func TestLoadSeedMissing(t *testing.T) {
	s := openTestStore(t)
	got, ok, err := s.LoadSeed(context.Background(), "no-run", "T1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSaveSeedRejectsEmpty(t *testing.T) {
	s := openTestStore(t)
	err := s.SaveSeed(context.Background(), NewRunID(), "T1", nil)
	assert.Error(t, err)
}

func TestSaveSeedReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	runID := NewRunID()
	updates := straightUpdates(t, 6)

	require.NoError(t, s.SaveSeed(ctx, runID, "T1", updates))
	require.NoError(t, s.SaveSeed(ctx, runID, "T1", updates[4:]))

	got, ok, err := s.LoadSeed(ctx, runID, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got, 2)
}

func TestListTargetsAndDeleteRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	runA, runB := NewRunID(), NewRunID()
	updates := straightUpdates(t, 4)

	require.NoError(t, s.SaveSeed(ctx, runA, "T2", updates))
	require.NoError(t, s.SaveSeed(ctx, runA, "T1", updates[:2]))
	require.NoError(t, s.SaveSeed(ctx, runB, "T9", updates))

	infos, err := s.ListTargets(ctx, runA)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "T1", infos[0].TargetID)
	assert.Equal(t, 2, infos[0].UpdateCount)
	assert.True(t, infos[0].LastTime.Equal(updates[1].Time))
	assert.Equal(t, "T2", infos[1].TargetID)

	require.NoError(t, s.DeleteRun(ctx, runA))

	infos, err = s.ListTargets(ctx, runA)
	require.NoError(t, err)
	assert.Empty(t, infos)

	infos, err = s.ListTargets(ctx, runB)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestTail(t *testing.T) {
	updates := straightUpdates(t, 10) // 2 s apart, 0..18 s

	tail := Tail(updates, 5*time.Second)
	require.Len(t, tail, 3) // 14, 16, 18
	assert.True(t, tail[0].Time.Equal(updates[7].Time))

	assert.Len(t, Tail(updates, time.Hour), 10)
	assert.Len(t, Tail(updates, 0), 1)
	assert.Nil(t, Tail(nil, time.Minute))
}

func TestSeedResumesNextSlice(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	runID := NewRunID()

	p := testutil.NewPlane(48.1, 11.5)
	all := p.Straight(30, 2, 10, 5) // 0..58 s
	settings := reconstruct.DefaultSettings()
	settings.ResampleResult = false

	first, ok, err := reconstruct.New(settings).Reconstruct("T1", all[:20]) // 0..38 s
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.SaveSeed(ctx, runID, "T1", Tail(first.Updates, 20*time.Second)))

	seed, ok, err := s.LoadSeed(ctx, runID, "T1")
	require.NoError(t, err)
	require.True(t, ok)

	// Next slice begins at 40 s with a 20 s overlap, so join is at 30 s.
	slice := reconstruct.Slice{
		Begin:        track.AddSeconds(testutil.Epoch, 40),
		RemoveBefore: track.AddSeconds(testutil.Epoch, 20),
		Retained:     seed,
	}
	second, ok, err := reconstruct.New(settings).ReconstructSlice("T1", all[10:], slice)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 0, second.Summary.Reinits, "resumed filter should not reinitialize")
	refs := second.References()
	require.NotEmpty(t, refs)
	assert.True(t, refs[0].Time.Equal(slice.JoinThreshold()))
	assert.True(t, refs[len(refs)-1].Time.Equal(all[29].Time))
}
