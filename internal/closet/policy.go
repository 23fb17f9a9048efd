package closet

const millisPerDay = 24 * 60 * 60 * 1000

// Pin forces retention of one blob regardless of age-based policy.
type Pin struct {
	Type string `yaml:"type" json:"type"` // only "hash" is defined
	Hash string `yaml:"hash" json:"hash"`
}

// Policy configures retention. Forecast runs and observations are kept for
// their respective windows; pins force-retain individual hashes. Station-set
// blobs are never retained on their own age: they live exactly as long as an
// observation that references them (see ReachableSet).
type Policy struct {
	KeepForecastRunsDays int   `yaml:"keep_forecast_runs_days" json:"keepForecastRunsDays"`
	KeepObservationDays  int   `yaml:"keep_observation_days" json:"keepObservationDays"`
	Pins                 []Pin `yaml:"pins,omitempty" json:"pins,omitempty"`
}

// RetentionCutoff returns the oldest timestamp (unix milliseconds) still
// inside a retention window of the given number of days.
func RetentionCutoff(nowMs int64, days int) int64 {
	return nowMs - int64(days)*millisPerDay
}

// IsHashPinned reports whether hash is force-retained by the policy.
// Matching is case-insensitive.
func (p Policy) IsHashPinned(hash string) bool {
	hash = normalizeHash(hash)
	for _, pin := range p.Pins {
		if pin.Type == "hash" && normalizeHash(pin.Hash) == hash {
			return true
		}
	}
	return false
}

// keeps decides whether a single manifest entry is retained at nowMs.
// Pinned hashes are always kept. Forecasts and observations are kept while
// their run time / observation bucket is inside the window; a missing
// timestamp means not kept. Station sets are never kept directly.
func (p Policy) keeps(entry ManifestEntry, nowMs int64) bool {
	if p.IsHashPinned(entry.Hash) {
		return true
	}

	switch entry.Type {
	case EntryForecast:
		return entry.RunTime > 0 && entry.RunTime >= RetentionCutoff(nowMs, p.KeepForecastRunsDays)
	case EntryObservation:
		return entry.ObservedAtBucket > 0 && entry.ObservedAtBucket >= RetentionCutoff(nowMs, p.KeepObservationDays)
	case EntryStationSet:
		return false
	default:
		return false
	}
}

// ReachableSet computes the set of hashes the closet must retain: kept
// entries, station sets referenced by kept observations, explicit pins, and
// caller-supplied active (currently in-use) hashes. All hashes in the result
// are lowercase. The result depends only on the inputs, not on their order.
func ReachableSet(entries []ManifestEntry, policy Policy, nowMs int64, activeHashes []string) map[string]struct{} {
	reachable := make(map[string]struct{})

	for _, entry := range entries {
		if !policy.keeps(entry, nowMs) {
			continue
		}
		reachable[normalizeHash(entry.Hash)] = struct{}{}
		if entry.Type == EntryObservation && entry.StationSetID != "" {
			reachable[normalizeHash(entry.StationSetID)] = struct{}{}
		}
	}

	for _, pin := range policy.Pins {
		if pin.Type == "hash" && pin.Hash != "" {
			reachable[normalizeHash(pin.Hash)] = struct{}{}
		}
	}

	for _, hash := range activeHashes {
		if hash != "" {
			reachable[normalizeHash(hash)] = struct{}{}
		}
	}

	return reachable
}
