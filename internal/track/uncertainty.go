package track

// Uncertainty bundles the measurement noise variances used when a
// measurement does not report its own accuracy.
type Uncertainty struct {
	PosVar   float64 `json:"pos_var" yaml:"pos_var"`
	SpeedVar float64 `json:"speed_var" yaml:"speed_var"`
	AccVar   float64 `json:"acc_var" yaml:"acc_var"`
}

// UniformUncertainty returns an Uncertainty with every variance set to
// stddev².
func UniformUncertainty(stddev float64) Uncertainty {
	v := stddev * stddev
	return Uncertainty{PosVar: v, SpeedVar: v, AccVar: v}
}

// UncertaintyTable maps source ids to their Uncertainty. It is built once
// before a run and shared read-only between all target tasks.
type UncertaintyTable struct {
	bySource map[uint32]Uncertainty
}

// NewUncertaintyTable copies entries into a new table.
func NewUncertaintyTable(entries map[uint32]Uncertainty) *UncertaintyTable {
	t := &UncertaintyTable{bySource: make(map[uint32]Uncertainty, len(entries))}
	for id, u := range entries {
		t.bySource[id] = u
	}
	return t
}

// Lookup returns the source's uncertainty. A nil table has no entries.
func (t *UncertaintyTable) Lookup(sourceID uint32) (Uncertainty, bool) {
	if t == nil {
		return Uncertainty{}, false
	}
	u, ok := t.bySource[sourceID]
	return u, ok
}

// Len returns the number of sources in the table.
func (t *UncertaintyTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.bySource)
}

// InterpOptions controls pre-filter resampling of one source's
// measurements. Times are in seconds.
type InterpOptions struct {
	SampleDT float64 `json:"sample_dt" yaml:"sample_dt"`
	MaxDT    float64 `json:"max_dt" yaml:"max_dt"`
}

// Enabled reports whether resampling is configured.
func (o InterpOptions) Enabled() bool {
	return o.SampleDT > 0 && o.MaxDT > 0
}
