package api

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/flowboard/flowboard/api/models"
	"github.com/flowboard/flowboard/internal/slogging"
)

// SessionStore records collaboration session membership for the audit
// trail. Callers on the real-time path treat failures as best-effort.
type SessionStore interface {
	Create(ctx context.Context, sessionID, diagramID string, user *string) error
	End(ctx context.Context, sessionID string) error
	ActiveForDiagram(ctx context.Context, diagramID string) ([]models.CollaborationSession, error)
}

// GormSessionStore implements SessionStore using GORM
type GormSessionStore struct {
	db *gorm.DB
}

// NewGormSessionStore creates a new GORM-backed session store
func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{db: db}
}

// Create records a new active collaboration session
func (s *GormSessionStore) Create(ctx context.Context, sessionID, diagramID string, user *string) error {
	session := models.CollaborationSession{
		SessionID: sessionID,
		DiagramID: diagramID,
		User:      user,
		IsActive:  true,
	}
	if result := s.db.WithContext(ctx).Create(&session); result.Error != nil {
		return fmt.Errorf("failed to create collaboration session: %w", result.Error)
	}

	slogging.Get().Debug("Collaboration session created: session_id=%s, diagram_id=%s", sessionID, diagramID)
	return nil
}

// End marks a session inactive. Idempotent: ending an already-inactive or
// unknown session is not an error.
func (s *GormSessionStore) End(ctx context.Context, sessionID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.CollaborationSession{}).
		Where("session_id = ?", sessionID).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to end collaboration session: %w", result.Error)
	}

	slogging.Get().Debug("Collaboration session ended: session_id=%s", sessionID)
	return nil
}

// ActiveForDiagram returns the active sessions for a diagram, most
// recently active first
func (s *GormSessionStore) ActiveForDiagram(ctx context.Context, diagramID string) ([]models.CollaborationSession, error) {
	var sessions []models.CollaborationSession
	result := s.db.WithContext(ctx).
		Where("diagram_id = ? AND is_active = ?", diagramID, true).
		Order("last_activity DESC").
		Find(&sessions)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list collaboration sessions: %w", result.Error)
	}
	return sessions, nil
}
