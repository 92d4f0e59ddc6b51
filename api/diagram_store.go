package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/flowboard/flowboard/api/models"
	"github.com/flowboard/flowboard/internal/slogging"
)

// ErrDiagramNotFound is returned when a diagram is absent or soft-deleted.
var ErrDiagramNotFound = errors.New("diagram not found")

// DiagramStore defines the persistence operations the hub and the REST
// handlers consume. OverwriteBody is the auto-save path: it replaces the
// body in place without touching the version counter or history.
// ApplyVersionedUpdate is the explicit-save path: it snapshots the prior
// body at the prior version, then writes the new body and increments the
// counter.
type DiagramStore interface {
	Get(ctx context.Context, id string) (*models.Diagram, error)
	Create(ctx context.Context, owner *string, title string, body models.JSONMap) (*models.Diagram, error)
	OverwriteBody(ctx context.Context, id string, body models.JSONMap) error
	ApplyVersionedUpdate(ctx context.Context, id, title string, body models.JSONMap, comment string) (int, error)
	ListVersions(ctx context.Context, id string) ([]models.DiagramVersion, error)
	List(ctx context.Context, owner *string) ([]models.Diagram, error)
	SoftDelete(ctx context.Context, id string) error
}

// GormDiagramStore implements DiagramStore using GORM
type GormDiagramStore struct {
	db *gorm.DB
	// Per-diagram write locks. Writes to the same diagram are mutually
	// exclusive so the version counter cannot race; writes to different
	// diagrams proceed in parallel.
	locks sync.Map // diagram id -> *sync.Mutex
}

// NewGormDiagramStore creates a new GORM-backed diagram store
func NewGormDiagramStore(db *gorm.DB) *GormDiagramStore {
	return &GormDiagramStore{db: db}
}

func (s *GormDiagramStore) lockDiagram(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Get retrieves an active diagram by ID
func (s *GormDiagramStore) Get(ctx context.Context, id string) (*models.Diagram, error) {
	var diagram models.Diagram
	result := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", id, true).
		First(&diagram)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrDiagramNotFound
		}
		return nil, fmt.Errorf("failed to get diagram: %w", result.Error)
	}
	return &diagram, nil
}

// Create creates a new diagram at version 1
func (s *GormDiagramStore) Create(ctx context.Context, owner *string, title string, body models.JSONMap) (*models.Diagram, error) {
	logger := slogging.Get()

	if title == "" {
		title = "Untitled Diagram"
	}
	diagram := models.Diagram{
		Owner:    owner,
		Title:    title,
		Body:     body,
		Version:  1,
		IsActive: true,
	}
	if result := s.db.WithContext(ctx).Create(&diagram); result.Error != nil {
		logger.Error("Failed to create diagram: title=%s, error=%v", title, result.Error)
		return nil, fmt.Errorf("failed to create diagram: %w", result.Error)
	}

	logger.Info("Diagram created: id=%s, title=%s", diagram.ID, diagram.Title)
	return &diagram, nil
}

// OverwriteBody replaces the diagram body in place. No version snapshot is
// created and the version counter is unchanged; this is the real-time
// auto-save path and deliberately keeps version history out of the
// keystroke loop.
func (s *GormDiagramStore) OverwriteBody(ctx context.Context, id string, body models.JSONMap) error {
	defer s.lockDiagram(id)()

	result := s.db.WithContext(ctx).
		Model(&models.Diagram{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("body", body)
	if result.Error != nil {
		return fmt.Errorf("failed to overwrite diagram body: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDiagramNotFound
	}
	return nil
}

// ApplyVersionedUpdate snapshots the current body at the current version,
// then writes the new body and title and increments the version counter.
// Returns the new version number.
func (s *GormDiagramStore) ApplyVersionedUpdate(ctx context.Context, id, title string, body models.JSONMap, comment string) (int, error) {
	logger := slogging.Get()
	defer s.lockDiagram(id)()

	var newVersion int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var diagram models.Diagram
		if err := tx.Where("id = ? AND is_active = ?", id, true).First(&diagram).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDiagramNotFound
			}
			return fmt.Errorf("failed to load diagram for update: %w", err)
		}

		if comment == "" {
			comment = fmt.Sprintf("Saved version %d", diagram.Version)
		}
		snapshot := models.DiagramVersion{
			DiagramID:     diagram.ID,
			VersionNumber: diagram.Version,
			Body:          diagram.Body,
			Comment:       &comment,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return fmt.Errorf("failed to create version snapshot: %w", err)
		}

		diagram.Body = body
		diagram.Version++
		if title != "" {
			diagram.Title = title
		}
		if err := tx.Save(&diagram).Error; err != nil {
			return fmt.Errorf("failed to save diagram: %w", err)
		}

		newVersion = diagram.Version
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrDiagramNotFound) {
			logger.Error("Failed to apply versioned update: id=%s, error=%v", id, err)
		}
		return 0, err
	}

	logger.Info("Diagram updated: id=%s, version=%d", id, newVersion)
	return newVersion, nil
}

// ListVersions returns the version snapshots for a diagram, newest first
func (s *GormDiagramStore) ListVersions(ctx context.Context, id string) ([]models.DiagramVersion, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	var versions []models.DiagramVersion
	result := s.db.WithContext(ctx).
		Where("diagram_id = ?", id).
		Order("version_number DESC").
		Find(&versions)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list versions: %w", result.Error)
	}
	return versions, nil
}

// List returns active diagrams, newest-updated first, filtered by owner
// when an identity is given
func (s *GormDiagramStore) List(ctx context.Context, owner *string) ([]models.Diagram, error) {
	query := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("updated_at DESC")
	if owner != nil {
		query = query.Where("owner = ?", *owner)
	}

	var diagrams []models.Diagram
	if result := query.Find(&diagrams); result.Error != nil {
		return nil, fmt.Errorf("failed to list diagrams: %w", result.Error)
	}
	return diagrams, nil
}

// SoftDelete clears the active flag; the row and its versions remain
func (s *GormDiagramStore) SoftDelete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Diagram{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to delete diagram: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDiagramNotFound
	}

	// Drop the diagram's write lock so the map tracks live diagrams
	// rather than every id ever written. A writer racing the delete
	// either held the old mutex already or fails the is_active check.
	s.locks.Delete(id)

	slogging.Get().Info("Diagram soft-deleted: id=%s", id)
	return nil
}
