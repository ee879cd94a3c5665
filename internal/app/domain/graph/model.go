// Package graph holds the directed trust-edge model.
package graph

import (
	"errors"
	"time"
)

var (
	// ErrSelfTrust rejects edges where truster and trusted are the same user.
	ErrSelfTrust = errors.New("self trust is not allowed")
	// ErrDuplicateEdge rejects a second active edge for the same ordered pair.
	ErrDuplicateEdge = errors.New("active trust edge already exists")
	// ErrEdgeNotFound is returned when revoking a pair with no active edge.
	ErrEdgeNotFound = errors.New("active trust edge not found")
)

// Edge is a directed assertion "truster endorses trusted". Revocation is a
// soft delete; revoked edges stay on record for audit and scoring history.
type Edge struct {
	ID        string    `json:"id"`
	TrusterID string    `json:"truster_id"`
	TrustedID string    `json:"trusted_id"`
	CreatedAt time.Time `json:"created_at"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the edge still contributes to scoring.
func (e Edge) Active() bool { return e.RevokedAt.IsZero() }

// Page is one cursor-window of edges ordered by creation time. An empty
// NextCursor marks the end; re-listing from any cursor is restartable.
type Page struct {
	Edges      []Edge `json:"edges"`
	NextCursor string `json:"next_cursor,omitempty"`
}
