package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackrecon/internal/export"
	"github.com/banshee-data/trackrecon/internal/monitoring"
	"github.com/banshee-data/trackrecon/internal/seedstore"
	"github.com/banshee-data/trackrecon/internal/testutil"
	"github.com/banshee-data/trackrecon/internal/track"
	"github.com/banshee-data/trackrecon/internal/units"
)

func TestFlagDefaults(t *testing.T) {
	if *outputFile != "tracks.geojson" {
		t.Errorf("expected -output default tracks.geojson, got %q", *outputFile)
	}
	if *overlap != 60*time.Second {
		t.Errorf("expected -overlap default 60s, got %v", *overlap)
	}
	if *speedUnits != units.MPS {
		t.Errorf("expected -speed-units default mps, got %q", *speedUnits)
	}
	if *workers != 0 {
		t.Errorf("expected -workers default 0, got %d", *workers)
	}
	if *points {
		t.Error("expected -points default false")
	}
}

func TestOptionsFromFlagsValidation(t *testing.T) {
	restore := func(p *string, v string) func() {
		old := *p
		*p = v
		return func() { *p = old }
	}

	tests := []struct {
		name    string
		set     map[*string]string
		wantErr string
	}{
		{name: "missing input", set: map[*string]string{}, wantErr: "-input is required"},
		{name: "bad units", set: map[*string]string{inputFile: "in.csv", speedUnits: "furlongs"}, wantErr: "invalid -speed-units"},
		{name: "bad timezone", set: map[*string]string{inputFile: "in.csv", timezone: "Mars/Olympus"}, wantErr: "invalid -timezone"},
		{name: "resume without db", set: map[*string]string{inputFile: "in.csv", resumeRun: "r1"}, wantErr: "requires -seed-db"},
		{name: "resume without begin", set: map[*string]string{inputFile: "in.csv", resumeRun: "r1", seedDB: "s.db"}, wantErr: "requires -slice-begin"},
		{name: "bad begin", set: map[*string]string{inputFile: "in.csv", resumeRun: "r1", seedDB: "s.db", sliceBegin: "noon"}, wantErr: "invalid -slice-begin"},
		{name: "ok", set: map[*string]string{inputFile: "in.csv", speedUnits: units.Knots}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for p, v := range tt.set {
				defer restore(p, v)()
			}
			_, err := optionsFromFlags()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptionsFromFlagsGeneratesRunID(t *testing.T) {
	oldIn, oldDB := *inputFile, *seedDB
	defer func() { *inputFile, *seedDB = oldIn, oldDB }()
	*inputFile, *seedDB = "in.csv", "seeds.db"

	opts, err := optionsFromFlags()
	require.NoError(t, err)
	assert.NotEmpty(t, opts.RunID)
}

func quietLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = orig })
}

// writeCSV writes two straight-flying targets, fromSec to toSec inclusive.
func writeCSV(t *testing.T, path string, fromSec, toSec int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("target_id,source_id,time,lat,lon,vx,vy\n")
	targets := []struct {
		id     string
		vx, vy float64
	}{{"AAA111", 120, 0}, {"BBB222", 0, -80}}
	for _, tg := range targets {
		p := testutil.NewPlane(47.5, 8.5)
		for sec := fromSec; sec <= toSec; sec += 2 {
			s := float64(sec)
			m := p.WithVel(s, tg.vx*s, tg.vy*s, tg.vx, tg.vy)
			fmt.Fprintf(&b, "%s,%d,%s,%.9f,%.9f,%g,%g\n",
				tg.id, m.SourceID, m.Time.Format(time.RFC3339Nano), m.Lat, m.Lon, m.VX, m.VY)
		}
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func readFeatures(t *testing.T, path string) *geojson.FeatureCollection {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	return fc
}

func TestRunWritesGeoJSON(t *testing.T) {
	quietLogs(t)

	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	out := filepath.Join(dir, "out.geojson")
	writeCSV(t, in, 0, 40)

	err := run(context.Background(), runOptions{
		InputFile:  in,
		OutputFile: out,
		Workers:    2,
		Overlap:    time.Minute,
		Export:     export.Options{SpeedUnits: units.KMPH},
	})
	require.NoError(t, err)

	fc := readFeatures(t, out)
	require.Len(t, fc.Features, 2, "one chain per target")
	assert.Equal(t, "AAA111", fc.Features[0].Properties.MustString("target_id"))
	assert.Equal(t, "BBB222", fc.Features[1].Properties.MustString("target_id"))
	assert.Equal(t, 21, fc.Features[0].Properties.MustInt("points"), "2 s grid over 40 s")
	assert.InDelta(t, 432, fc.Features[0].Properties.MustFloat64("max_speed"), 1)
}

func TestRunPerTargetFiles(t *testing.T) {
	quietLogs(t)

	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	writeCSV(t, in, 0, 20)

	outDir := filepath.Join(dir, "tracks")
	require.NoError(t, run(context.Background(), runOptions{InputFile: in, OutputDir: outDir}))

	for _, id := range []string{"AAA111", "BBB222"} {
		_, err := os.Stat(filepath.Join(outDir, id+".geojson"))
		assert.NoError(t, err, id)
	}
}

func TestRunConfigErrors(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	writeCSV(t, in, 0, 4)

	err := run(context.Background(), runOptions{InputFile: in, ConfigFile: filepath.Join(dir, "missing.json")})
	testutil.AssertError(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("model: imm\n"), 0o644))
	err = run(context.Background(), runOptions{InputFile: in, ConfigFile: bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	err = run(context.Background(), runOptions{InputFile: filepath.Join(dir, "nope.csv")})
	testutil.AssertError(t, err)
}

func TestRunSlicesJoinThroughSeedDB(t *testing.T) {
	quietLogs(t)

	dir := t.TempDir()
	db := filepath.Join(dir, "seeds.db")
	first := filepath.Join(dir, "first.csv")
	second := filepath.Join(dir, "second.csv")
	writeCSV(t, first, 0, 100)
	writeCSV(t, second, 60, 160) // 40 s overlap with the first slice

	require.NoError(t, run(context.Background(), runOptions{
		InputFile:  first,
		OutputFile: filepath.Join(dir, "first.geojson"),
		SeedDB:     db,
		RunID:      "slice-1",
		Overlap:    40 * time.Second,
	}))

	store, err := seedstore.Open(db)
	require.NoError(t, err)
	infos, err := store.ListTargets(context.Background(), "slice-1")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, infos, 2)
	assert.True(t, infos[0].LastTime.Equal(track.AddSeconds(testutil.Epoch, 100)))

	begin := track.AddSeconds(testutil.Epoch, 100)
	out := filepath.Join(dir, "second.geojson")
	require.NoError(t, run(context.Background(), runOptions{
		InputFile:  second,
		OutputFile: out,
		SeedDB:     db,
		RunID:      "slice-2",
		ResumeRun:  "slice-1",
		SliceBegin: begin,
		Overlap:    40 * time.Second,
	}))

	// join = 60 + (100-60)/2 = 80 s, so the second slice covers 80..160 s.
	fc := readFeatures(t, out)
	require.Len(t, fc.Features, 2, "resumed targets keep one chain each")
	start := fc.Features[0].Properties.MustString("start")
	assert.Equal(t, track.AddSeconds(testutil.Epoch, 80).Format(time.RFC3339Nano), start)
}

func TestManageSeedsListAndDelete(t *testing.T) {
	quietLogs(t)

	dir := t.TempDir()
	db := filepath.Join(dir, "seeds.db")
	in := filepath.Join(dir, "in.csv")
	writeCSV(t, in, 0, 100)
	require.NoError(t, run(context.Background(), runOptions{
		InputFile:  in,
		OutputFile: filepath.Join(dir, "out.geojson"),
		SeedDB:     db,
		RunID:      "nightly",
		Overlap:    40 * time.Second,
	}))

	var b strings.Builder
	require.NoError(t, manageSeeds(context.Background(), &b, db, "nightly", ""))
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 3, b.String())
	assert.True(t, strings.HasPrefix(lines[0], "TARGET"))
	assert.Contains(t, b.String(), track.AddSeconds(testutil.Epoch, 100).Format(time.RFC3339Nano))

	require.NoError(t, manageSeeds(context.Background(), &b, db, "", "nightly"))

	store, err := seedstore.Open(db)
	require.NoError(t, err)
	defer store.Close()
	infos, err := store.ListTargets(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestManageSeedsRequiresDatabase(t *testing.T) {
	err := manageSeeds(context.Background(), io.Discard, "", "nightly", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-seed-db")
}
