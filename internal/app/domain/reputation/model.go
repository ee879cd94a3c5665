// Package reputation holds the scored output of the trust-graph engine.
// Score records are superseded, never deleted; staleness is a flag, not an
// error.
package reputation

import "time"

// GenerationContribution is the aggregate contribution of one generation of
// trusters to a user's raw score.
type GenerationContribution struct {
	Generation   int     `json:"generation"`
	Contributors int     `json:"contributors"`
	Points       float64 `json:"points"`
}

// Trend compares the current score against historical snapshots.
type Trend struct {
	Day  float64 `json:"day"`
	Week float64 `json:"week"`
}

// Score is one versioned score record for a user. Version is monotonic per
// user; the latest version is the current score.
type Score struct {
	UserID     string                   `json:"user_id"`
	Raw        float64                  `json:"raw_score"`
	Breakdown  []GenerationContribution `json:"breakdown"`
	Trend      Trend                    `json:"trend"`
	Version    int64                    `json:"version"`
	ComputedAt time.Time                `json:"computed_at"`
	Stale      bool                     `json:"stale"`
}

// Event is published once per completed recompute.
type Event struct {
	UserID   string  `json:"user_id"`
	Raw      float64 `json:"raw_score"`
	Version  int64   `json:"version"`
	Previous float64 `json:"previous"`
}
