// Package session defines sessions — logical groupings of executions that
// share model and project context and accumulate cost.
package session

import "time"

// Status represents a session's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusArchived
}

// Session groups executions that share model and project context.
type Session struct {
	ID            string                 `json:"id"`
	Model         string                 `json:"model"`
	ProjectPath   string                 `json:"project_path"`
	Status        Status                 `json:"status"`
	TotalCostUSD  float64                `json:"total_cost_usd"`
	MessagesCount int                    `json:"messages_count"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Clone returns a copy safe to hand out of the store.
func (s *Session) Clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Stats aggregates counters over all sessions.
type Stats struct {
	Total         int     `json:"total"`
	Active        int     `json:"active"`
	Archived      int     `json:"archived"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	TotalMessages int     `json:"total_messages"`
}
