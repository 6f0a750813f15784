package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         int
	OTPCode      string
	OTPExpiresAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Vec3 is a 3D position or rotation component of a content placement.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Content is a media item embedded in a Step. Placement data (Position,
// Rotations and the step-level opaque placement blob) is stored verbatim and
// never interpreted by the backend.
type Content struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Link      string `json:"link"`
	Position  Vec3   `json:"position"`
	Rotations Vec3   `json:"rotations"`
}

// Step is embedded in its Guide's steps column. A step belongs to exactly one
// guide; its ID is stable from creation and never positional.
type Step struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	WelcomeAudio string    `json:"welcome_audio"`
	Contents     []Content `json:"contents"`
	Annotations  string    `json:"annotations"`
	Placements   string    `json:"placements"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Guide is the aggregate root. The whole step sequence lives in one JSONB
// column so a guide update is a single-row, all-or-nothing write.
type Guide struct {
	ID           string
	GuideID      int64
	Name         string
	Description  string
	Icon         string
	WelcomeAudio string
	Steps        []Step
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	EditStatusPending  = "pending"
	EditStatusApproved = "approved"
	EditStatusRejected = "rejected"
)

// EditRequest holds a change-set snapshot awaiting review. UpdatedFields is
// the serialized change-set; approved and rejected are terminal.
type EditRequest struct {
	ID            string
	GuideID       int64
	UserID        string
	UpdatedFields []byte
	Status        string
	CreatedAt     time.Time
}

type AudioClip struct {
	ID        string
	Text      string
	Link      string
	CreatedAt time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
