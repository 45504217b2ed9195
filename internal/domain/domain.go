package domain

import "time"

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}

// HistoryEntry is one link in an entity's append-only state log.
type HistoryEntry struct {
	ID             int64     `json:"id"`
	EntityID       string    `json:"entity_id"`
	Seq            int       `json:"seq"`
	FromState      string    `json:"from_state,omitempty"`
	ToState        string    `json:"to_state"`
	TransitionCode string    `json:"transition_code,omitempty"`
	Role           Role      `json:"role,omitempty"`
	ActorID        string    `json:"actor_id"`
	PriorSnapshot  string    `json:"prior_snapshot"`
	PriorHash      string    `json:"prior_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// Notification is the payload handed to the notify collaborator.
type Notification struct {
	Recipients []Role         `json:"recipients"`
	TemplateID string         `json:"template_id"`
	Context    map[string]any `json:"context,omitempty"`
}

type OutboxEntry struct {
	ID           string       `json:"id"`
	Source       string       `json:"source"`
	EntityID     string       `json:"entity_id"`
	Notification Notification `json:"notification"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	DeliveredAt  *time.Time   `json:"delivered_at,omitempty"`
}

// APIKey binds a hashed service key to the actor and role it authenticates as.
type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
