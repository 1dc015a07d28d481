package domain

import (
	"time"

	"github.com/google/uuid"
)

// Identity is a person discovered across event photos. Identities are
// created on the first unmatched face and accumulate embeddings over time.
type Identity struct {
	ID         uuid.UUID `json:"id"`
	Name       *string   `json:"name,omitempty"`
	Confidence float64   `json:"confidence"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EmbeddingRecord is one stored biometric template for an identity,
// bucketed by face orientation and ranked by capture quality.
type EmbeddingRecord struct {
	ID          uuid.UUID   `json:"id"`
	IdentityID  uuid.UUID   `json:"identity_id"`
	Embedding   []float64   `json:"-"`
	Orientation Orientation `json:"orientation"`
	Quality     float64     `json:"quality"`
	IsPrimary   bool        `json:"is_primary"`
	DetectionID *uuid.UUID  `json:"detection_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PhotoAssociation links an identity to a photo it appears in.
// Unique per (identity, photo); re-association updates confidence.
type PhotoAssociation struct {
	ID          uuid.UUID  `json:"id"`
	IdentityID  uuid.UUID  `json:"identity_id"`
	PhotoID     uuid.UUID  `json:"photo_id"`
	IsGroup     bool       `json:"is_group"`
	FaceCount   int        `json:"face_count"`
	Confidence  float64    `json:"confidence"`
	DetectionID *uuid.UUID `json:"detection_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// BoundingBox locates a face within a photo, in pixels.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is one detected face occurrence in a photo, whether or not it
// resolved to an identity.
type Detection struct {
	ID          uuid.UUID   `json:"id"`
	PhotoID     uuid.UUID   `json:"photo_id"`
	IdentityID  *uuid.UUID  `json:"identity_id,omitempty"`
	Box         BoundingBox `json:"box"`
	Orientation Orientation `json:"orientation"`
	Quality     float64     `json:"quality"`
	Method      string      `json:"method"`
	Confidence  float64     `json:"confidence"`
	CreatedAt   time.Time   `json:"created_at"`
}

// BucketDistances carries the per-bucket diagnostic distances computed while
// resolving a query face. Missing buckets are +Inf.
type BucketDistances struct {
	Center float64 `json:"center"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// Resolution is the outcome of resolving a query face against the enrolled
// population. Diagnostics are populated on best effort even for no-match.
type Resolution struct {
	Matched       bool            `json:"matched"`
	IdentityID    *uuid.UUID      `json:"identity_id,omitempty"`
	Distance      float64         `json:"distance"`
	Confidence    float64         `json:"confidence"`
	MinRequired   float64         `json:"min_required"`
	Tolerance     float64         `json:"tolerance"`
	Orientation   Orientation     `json:"orientation"`
	BestDistances BucketDistances `json:"best_distances"`
}

// Match is a single engine match candidate.
type Match struct {
	IdentityID  uuid.UUID   `json:"identity_id"`
	Distance    float64     `json:"distance"`
	Confidence  float64     `json:"confidence"`
	Score       float64     `json:"score"`
	Orientation Orientation `json:"orientation"`
	Quality     float64     `json:"quality"`
}
