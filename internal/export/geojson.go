// Package export renders reconstructed tracks as GeoJSON.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/trackrecon/internal/reconstruct"
	"github.com/banshee-data/trackrecon/internal/track"
	"github.com/banshee-data/trackrecon/internal/units"
)

// Options controls what goes into an exported FeatureCollection.
type Options struct {
	// Points adds one Point feature per Reference next to the chain lines.
	Points bool
	// SpeedUnits is one of units.ValidUnits; empty means m/s.
	SpeedUnits string
	// Location formats timestamps; nil means UTC.
	Location *time.Location
	Indent   bool
}

func (o Options) speedUnits() string {
	if o.SpeedUnits == "" {
		return units.MPS
	}
	return o.SpeedUnits
}

func (o Options) formatTime(t time.Time) string {
	loc := o.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.RFC3339Nano)
}

// FeatureCollection converts results into GeoJSON. Every chain becomes a
// LineString feature, a single-point chain a Point feature.
func FeatureCollection(results []reconstruct.Result, opts Options) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, res := range results {
		for i, chain := range res.Chains {
			if len(chain) == 0 {
				continue
			}
			fc.Append(chainFeature(res.TargetID, i, chain, opts))
			if opts.Points {
				for j := range chain {
					fc.Append(pointFeature(res.TargetID, i, &chain[j], opts))
				}
			}
		}
	}
	return fc
}

func chainFeature(targetID string, idx int, chain []track.Reference, opts Options) *geojson.Feature {
	var f *geojson.Feature
	var length float64
	if len(chain) == 1 {
		f = geojson.NewFeature(orb.Point{chain[0].Lon, chain[0].Lat})
	} else {
		ls := make(orb.LineString, len(chain))
		for i, r := range chain {
			ls[i] = orb.Point{r.Lon, r.Lat}
		}
		length = geo.Length(ls)
		f = geojson.NewFeature(ls)
	}

	first, last := chain[0], chain[len(chain)-1]
	var maxSpeed float64
	for i := range chain {
		if s := chain[i].Speed(); s > maxSpeed {
			maxSpeed = s
		}
	}

	f.Properties["kind"] = "chain"
	f.Properties["target_id"] = targetID
	f.Properties["chain"] = idx
	f.Properties["start"] = opts.formatTime(first.Time)
	f.Properties["end"] = opts.formatTime(last.Time)
	f.Properties["points"] = len(chain)
	f.Properties["length_m"] = length
	f.Properties["max_speed"] = units.ConvertSpeed(maxSpeed, opts.speedUnits())
	f.Properties["speed_units"] = opts.speedUnits()
	return f
}

func pointFeature(targetID string, chainIdx int, r *track.Reference, opts Options) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{r.Lon, r.Lat})
	f.Properties["kind"] = "reference"
	f.Properties["target_id"] = targetID
	f.Properties["chain"] = chainIdx
	f.Properties["time"] = opts.formatTime(r.Time)
	f.Properties["source_id"] = r.SourceID
	if r.HasVel {
		f.Properties["speed"] = units.ConvertSpeed(r.Speed(), opts.speedUnits())
		f.Properties["speed_units"] = opts.speedUnits()
	}
	f.Properties["pos_stddev_m"] = r.PositionStdDev()

	flags := map[string]bool{
		"reset_pos":      r.ResetPos,
		"nospeed_pos":    r.NoSpeedPos,
		"noaccel_pos":    r.NoAccelPos,
		"nostddev_pos":   r.NoStdDevPos,
		"projchange_pos": r.ProjChangePos,
		"interpolated":   r.Interpolated,
	}
	for k, v := range flags {
		if v {
			f.Properties[k] = true
		}
	}
	return f
}

// WriteGeoJSON encodes fc to w.
func WriteGeoJSON(w io.Writer, fc *geojson.FeatureCollection, indent bool) error {
	var data []byte
	var err error
	if indent {
		data, err = json.MarshalIndent(fc, "", "  ")
	} else {
		data, err = json.Marshal(fc)
	}
	if err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write GeoJSON: %w", err)
	}
	return nil
}

// WriteFile writes all results into one GeoJSON file.
func WriteFile(path string, results []reconstruct.Result, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteGeoJSON(f, FeatureCollection(results, opts), opts.Indent); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTargets writes one GeoJSON file per target with References into dir
// and returns the written paths in target order.
func WriteTargets(dir string, results []reconstruct.Result, opts Options) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	seen := make(map[string]int)
	var paths []string
	for _, res := range results {
		if len(res.Chains) == 0 {
			continue
		}
		name := SanitizeFilename(res.TargetID)
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		seen[SanitizeFilename(res.TargetID)]++

		path := filepath.Join(dir, name+".geojson")
		if err := WriteFile(path, []reconstruct.Result{res}, opts); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
