package seedstore

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/trackrecon/internal/estimator"
	"github.com/banshee-data/trackrecon/internal/kalman"
	"github.com/banshee-data/trackrecon/internal/projection"
)

// record is the msgpack form of an estimator.Update.
type record struct {
	TimeNs   int64             `msgpack:"t"`
	X        []float64         `msgpack:"x"`
	P        []float64         `msgpack:"p"`
	Center   projection.Center `msgpack:"c"`
	SourceID uint32            `msgpack:"src"`

	Reinit     bool `msgpack:"reinit,omitempty"`
	ProjChange bool `msgpack:"proj,omitempty"`
	Valid      bool `msgpack:"valid,omitempty"`

	HasWGS84 bool    `msgpack:"wgs,omitempty"`
	Lat      float64 `msgpack:"lat,omitempty"`
	Lon      float64 `msgpack:"lon,omitempty"`

	NoSpeed  bool `msgpack:"nospd,omitempty"`
	NoAccel  bool `msgpack:"noacc,omitempty"`
	NoStdDev bool `msgpack:"nostd,omitempty"`
	Interp   bool `msgpack:"interp,omitempty"`
}

func toRecord(u estimator.Update) record {
	return record{
		TimeNs:     u.Time.UnixNano(),
		X:          u.State.RawX(),
		P:          u.State.RawP(),
		Center:     u.Center,
		SourceID:   u.SourceID,
		Reinit:     u.Reinit,
		ProjChange: u.ProjChange,
		Valid:      u.Valid,
		HasWGS84:   u.HasWGS84,
		Lat:        u.Lat,
		Lon:        u.Lon,
		NoSpeed:    u.NoSpeed,
		NoAccel:    u.NoAccel,
		NoStdDev:   u.NoStdDev,
		Interp:     u.Interp,
	}
}

func (r record) update() estimator.Update {
	u := estimator.Update{
		Time:       time.Unix(0, r.TimeNs).UTC(),
		Center:     r.Center,
		SourceID:   r.SourceID,
		Reinit:     r.Reinit,
		ProjChange: r.ProjChange,
		Valid:      r.Valid,
		HasWGS84:   r.HasWGS84,
		Lat:        r.Lat,
		Lon:        r.Lon,
		NoSpeed:    r.NoSpeed,
		NoAccel:    r.NoAccel,
		NoStdDev:   r.NoStdDev,
		Interp:     r.Interp,
	}
	if len(r.X) > 0 && len(r.P) == len(r.X)*len(r.X) {
		u.State = kalman.NewState(r.X, r.P)
	}
	return u
}

func encodeUpdates(updates []estimator.Update) ([]byte, error) {
	recs := make([]record, len(updates))
	for i, u := range updates {
		recs[i] = toRecord(u)
	}
	return msgpack.Marshal(recs)
}

func decodeUpdates(data []byte) ([]estimator.Update, error) {
	var recs []record
	if err := msgpack.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	out := make([]estimator.Update, len(recs))
	for i, r := range recs {
		out[i] = r.update()
	}
	return out, nil
}
