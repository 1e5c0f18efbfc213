package flow

import "sort"

// IDSet is a set of location ids.
type IDSet map[string]struct{}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KnownIDs returns the ids of locations.
func KnownIDs(locations []Location) IDSet {
	ids := make(IDSet, len(locations))
	for _, l := range locations {
		ids[l.ID] = struct{}{}
	}
	return ids
}

// ValidCoordinates reports whether lon and lat are inside the globe's range.
// NaN is never valid.
func ValidCoordinates(lon, lat float64) bool {
	return -90 <= lat && lat <= 90 && -180 <= lon && lon <= 180
}

// InvalidLocationIDs lists, in input order, the ids of locations whose
// coordinates are out of range. Nil when every location is valid.
func InvalidLocationIDs(locations []Location) []string {
	var invalid []string
	for _, l := range locations {
		if !ValidCoordinates(l.Lon, l.Lat) {
			invalid = append(invalid, l.ID)
		}
	}
	return invalid
}

// WithKnownEndpoints keeps the flows whose origin and destination are both
// in known. The input slice is not modified.
func WithKnownEndpoints(flows []Flow, known IDSet) []Flow {
	kept := make([]Flow, 0, len(flows))
	for _, f := range flows {
		if known.Has(f.Origin) && known.Has(f.Dest) {
			kept = append(kept, f)
		}
	}
	return kept
}

// UnknownLocationIDs returns the endpoint ids referenced by flows but absent
// from known. Nil when there are none.
func UnknownLocationIDs(flows []Flow, known IDSet) IDSet {
	var missing IDSet
	for _, f := range flows {
		for _, id := range [2]string{f.Origin, f.Dest} {
			if known.Has(id) {
				continue
			}
			if missing == nil {
				missing = make(IDSet)
			}
			missing[id] = struct{}{}
		}
	}
	return missing
}

// HasNegative reports whether any flow count is negative, which switches the
// view into diff mode.
func HasNegative(flows []Flow) bool {
	for _, f := range flows {
		if f.Count < 0 {
			return true
		}
	}
	return false
}

// LocationsWithFlows keeps the locations referenced by at least one flow, in
// input order.
func LocationsWithFlows(locations []Location, flows []Flow) []Location {
	used := make(IDSet, 2*len(flows))
	for _, f := range flows {
		used[f.Origin] = struct{}{}
		used[f.Dest] = struct{}{}
	}
	kept := make([]Location, 0, len(used))
	for _, l := range locations {
		if used.Has(l.ID) {
			kept = append(kept, l)
		}
	}
	return kept
}

// TotalCount sums the counts of flows.
func TotalCount(flows []Flow) float64 {
	var sum float64
	for _, f := range flows {
		sum += f.Count
	}
	return sum
}
