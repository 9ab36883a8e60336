package models

import (
	"time"
)

type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type ProjectStatus string

const (
	ProjectPending    ProjectStatus = "pending"
	ProjectGenerating ProjectStatus = "generating"
	ProjectReady      ProjectStatus = "ready"
	ProjectFailed     ProjectStatus = "failed"
)

type Project struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      ProjectStatus `json:"status"`
	Container   string        `json:"container,omitempty"`
	ArchiveURL  string        `json:"archive_url,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type Credit struct {
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"credit_amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenerationJob tracks one dispatch of a project to the generation agent.
type GenerationJob struct {
	ProjectID   string        `json:"project_id"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	ArchiveURL  string        `json:"archive_url,omitempty"`
	Error       string        `json:"error,omitempty"`
}
