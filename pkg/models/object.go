package models

import (
	"time"
)

// StoredObject describes one object held in a storage container.
type StoredObject struct {
	Container   string            `json:"container"`
	Key         string            `json:"key"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type"`
	Checksum    string            `json:"checksum"` // hex sha256 of the content
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ArchiveFile is one (path, text content) pair handed to the archive builder.
type ArchiveFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}
