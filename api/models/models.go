// Package models defines GORM models for the flowboard database schema.
// The models work on both PostgreSQL and SQLite through GORM's dialect
// abstraction.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Diagram represents a diagram document with its current body and a
// monotonically increasing version counter.
type Diagram struct {
	ID        string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	Owner     *string   `gorm:"column:owner;type:varchar(255);index"`
	Title     string    `gorm:"column:title;type:varchar(255);not null;default:Untitled Diagram"`
	Body      JSONMap   `gorm:"column:body;not null"`
	Version   int       `gorm:"column:version;not null;default:1"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`

	// Relationships
	Versions []DiagramVersion `gorm:"foreignKey:DiagramID"`
}

// TableName specifies the table name for Diagram
func (Diagram) TableName() string {
	return "diagrams"
}

// BeforeCreate generates a UUID if not set
func (d *Diagram) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// DiagramVersion is an immutable snapshot of a diagram body taken before
// an explicit save overwrote it. Unique per (diagram, version number).
type DiagramVersion struct {
	ID            string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	DiagramID     string    `gorm:"column:diagram_id;type:varchar(36);not null;uniqueIndex:idx_diagram_version"`
	VersionNumber int       `gorm:"column:version_number;not null;uniqueIndex:idx_diagram_version"`
	Body          JSONMap   `gorm:"column:body;not null"`
	Comment       *string   `gorm:"column:comment;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime"`

	// Relationships
	Diagram Diagram `gorm:"foreignKey:DiagramID;references:ID"`
}

// TableName specifies the table name for DiagramVersion
func (DiagramVersion) TableName() string {
	return "diagram_versions"
}

// BeforeCreate generates a UUID if not set
func (v *DiagramVersion) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	return nil
}

// CollaborationSession records one participant's membership in a diagram
// room. Rows are never deleted; disconnects mark them inactive.
type CollaborationSession struct {
	ID           string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	SessionID    string    `gorm:"column:session_id;type:varchar(255);not null;uniqueIndex"`
	DiagramID    string    `gorm:"column:diagram_id;type:varchar(36);not null;index"`
	User         *string   `gorm:"column:user_identity;type:varchar(255)"`
	JoinedAt     time.Time `gorm:"column:joined_at;not null;autoCreateTime"`
	LastActivity time.Time `gorm:"column:last_activity;not null;autoUpdateTime"`
	IsActive     bool      `gorm:"column:is_active;not null;default:true"`
}

// TableName specifies the table name for CollaborationSession
func (CollaborationSession) TableName() string {
	return "collaboration_sessions"
}

// BeforeCreate generates a UUID if not set
func (s *CollaborationSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}
