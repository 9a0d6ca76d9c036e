package swap

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// AVAILABILITY - Read-side battery counts per station and model
// =============================================================================

type ModelAvailability struct {
	Model     string `json:"model"`
	Available int    `json:"available"`
	Charging  int    `json:"charging"`
	Reserved  int    `json:"reserved"`
	Total     int    `json:"total"`
}

type StationAvailability struct {
	StationID StationID           `json:"station_id"`
	Models    []ModelAvailability `json:"models"`
}

// Model returns the counts for a model, matched the way SameModel does.
func (s StationAvailability) Model(model string) ModelAvailability {
	for _, m := range s.Models {
		if SameModel(m.Model, model) {
			return m
		}
	}
	return ModelAvailability{Model: model}
}

// AvailabilityResolver counts batteries. It never mutates anything.
type AvailabilityResolver struct{}

// Resolve counts the station's batteries per model. r may be a Store or a Tx.
func (AvailabilityResolver) Resolve(ctx context.Context, r Reader, stationID StationID) (*StationAvailability, error) {
	batteries, err := r.ListBatteriesByStation(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("list batteries for %s: %w", stationID, err)
	}

	byModel := make(map[string]*ModelAvailability)
	var order []string
	for _, b := range batteries {
		key := NormalizeModel(b.Model)
		m, ok := byModel[key]
		if !ok {
			m = &ModelAvailability{Model: b.Model}
			byModel[key] = m
			order = append(order, key)
		}
		m.Total++
		switch b.Status {
		case BatteryFull:
			m.Available++
		case BatteryCharging:
			m.Charging++
		case BatteryReserved:
			m.Reserved++
		}
	}

	sort.Strings(order)
	out := &StationAvailability{StationID: stationID, Models: make([]ModelAvailability, 0, len(order))}
	for _, k := range order {
		out.Models = append(out.Models, *byModel[k])
	}
	return out, nil
}
