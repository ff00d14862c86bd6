package contract

import "time"

// DriftType classifies the severity of a change between two catalog
// snapshots, from the point of view of a map client.
type DriftType string

const (
	// DriftAdditive means a source or property appeared. Existing styles keep working.
	DriftAdditive DriftType = "additive"
	// DriftBreaking means a source or property disappeared or changed shape.
	DriftBreaking DriftType = "breaking"
)

// DriftItem describes a single difference between two snapshots.
type DriftItem struct {
	Type        DriftType `json:"type"`
	Category    string    `json:"category"` // "source_added", "source_removed", "kind_changed", "property_added", "property_removed", "property_type_changed", "srid_changed", "geometry_type_changed", "zoom_changed", "params_changed"
	SourceID    string    `json:"source_id"`
	Property    string    `json:"property,omitempty"`
	OldValue    string    `json:"old_value,omitempty"`
	NewValue    string    `json:"new_value,omitempty"`
	Description string    `json:"description"`
}

// DriftReport summarizes all differences between two catalog snapshots.
type DriftReport struct {
	HasDrift      bool        `json:"has_drift"`
	HasBreaking   bool        `json:"has_breaking"`
	AdditiveCount int         `json:"additive_count"`
	BreakingCount int         `json:"breaking_count"`
	Added         []string    `json:"added"`
	Removed       []string    `json:"removed"`
	Changed       []string    `json:"changed"`
	Items         []DriftItem `json:"items"`
	CheckedAt     time.Time   `json:"checked_at"`
}
