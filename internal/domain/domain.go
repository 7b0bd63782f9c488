package domain

// Roster is a named on-call roster owning one rotation and its overrides.
type Roster struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Rotation is the stored rotation spec for a roster. Participants is the
// ordered handover sequence; duplicates are allowed and meaningful.
type Rotation struct {
	RosterID             string   `json:"roster_id"`
	Participants         []string `json:"users"`
	HandoverStartAt      string   `json:"handover_start_at" format:"date-time"`
	HandoverIntervalDays int      `json:"handover_interval_days"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
}

// Override reassigns on-call duty for one window, superseding the rotation.
type Override struct {
	ID        string `json:"id"`
	RosterID  string `json:"roster_id"`
	User      string `json:"user"`
	StartAt   string `json:"start_at" format:"date-time"`
	EndAt     string `json:"end_at" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Entry is one rendered schedule segment, half-open [start_at, end_at).
type Entry struct {
	User    string `json:"user"`
	StartAt string `json:"start_at" format:"date-time"`
	EndAt   string `json:"end_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RosterID   string `json:"roster_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
