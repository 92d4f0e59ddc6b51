package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowboard/flowboard/api/models"
)

// DiagramHandler provides the REST handlers for diagram CRUD, version
// history, and export
type DiagramHandler struct {
	diagrams DiagramStore
	sessions SessionStore
}

// NewDiagramHandler creates a new diagram handler
func NewDiagramHandler(diagrams DiagramStore, sessions SessionStore) *DiagramHandler {
	return &DiagramHandler{diagrams: diagrams, sessions: sessions}
}

type createDiagramRequest struct {
	Title string `json:"title"`
	Type  string `json:"type"`
}

type saveDiagramRequest struct {
	ID          *string         `json:"id"`
	Title       string          `json:"title"`
	DiagramJSON json.RawMessage `json:"diagram_json"`
}

// seedBody builds the empty document a new diagram starts from
func seedBody(diagramType string) models.JSONMap {
	return models.JSONMap{
		"shapes":      []interface{}{},
		"connections": []interface{}{},
		"canvas": map[string]interface{}{
			"width":      1200,
			"height":     800,
			"background": "#ffffff",
			"grid":       true,
		},
		"type": diagramType,
		"metadata": map[string]interface{}{
			"created": time.Now().UTC().Format(time.RFC3339),
			"version": 1,
		},
	}
}

// decodeDiagramJSON accepts the document body either as a JSON object or
// as a string containing JSON, matching what diagram editors send
func decodeDiagramJSON(raw json.RawMessage) (models.JSONMap, error) {
	if len(raw) == 0 {
		return nil, errors.New("diagram_json is required")
	}

	var body models.JSONMap
	if err := json.Unmarshal(raw, &body); err == nil {
		return body, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &body); err == nil {
			return body, nil
		}
	}
	return nil, errors.New("diagram_json must be a JSON object")
}

// CreateDiagram creates a new blank diagram
func (h *DiagramHandler) CreateDiagram(c *gin.Context) {
	var req createDiagramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleRequestError(c, InvalidInputError("Invalid request body: "+err.Error()))
		return
	}
	if req.Title == "" {
		req.Title = "New Diagram"
	}
	if req.Type == "" {
		req.Type = "flowchart"
	}

	diagram, err := h.diagrams.Create(c.Request.Context(), RequestIdentity(c), req.Title, seedBody(req.Type))
	if err != nil {
		HandleRequestError(c, ServerError("Failed to create diagram"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"diagram": gin.H{
			"id":         diagram.ID,
			"title":      diagram.Title,
			"version":    diagram.Version,
			"created_at": diagram.CreatedAt,
		},
		"message": "New diagram created successfully",
	})
}

// SaveDiagram saves a diagram explicitly. With an id, the prior body is
// snapshotted as a version and the counter increments; without one, a new
// diagram is created at version 1.
func (h *DiagramHandler) SaveDiagram(c *gin.Context) {
	var req saveDiagramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleRequestError(c, InvalidInputError("Invalid request body: "+err.Error()))
		return
	}
	if req.Title == "" {
		req.Title = "Untitled Diagram"
	}

	body, err := decodeDiagramJSON(req.DiagramJSON)
	if err != nil {
		HandleRequestError(c, InvalidInputError(err.Error()))
		return
	}

	if req.ID != nil {
		version, err := h.diagrams.ApplyVersionedUpdate(c.Request.Context(), *req.ID, req.Title, body, "")
		if err != nil {
			if errors.Is(err, ErrDiagramNotFound) {
				HandleRequestError(c, NotFoundError("Diagram not found"))
			} else {
				HandleRequestError(c, ServerError("Failed to save diagram"))
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"diagram": gin.H{
				"id":      *req.ID,
				"title":   req.Title,
				"version": version,
			},
			"message": "Diagram saved successfully",
		})
		return
	}

	diagram, err := h.diagrams.Create(c.Request.Context(), RequestIdentity(c), req.Title, body)
	if err != nil {
		HandleRequestError(c, ServerError("Failed to save diagram"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"diagram": gin.H{
			"id":      diagram.ID,
			"title":   diagram.Title,
			"version": diagram.Version,
		},
		"message": "Diagram saved successfully",
	})
}

// LoadDiagram returns one diagram's body and metadata
func (h *DiagramHandler) LoadDiagram(c *gin.Context) {
	diagram, err := h.diagrams.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDiagramNotFound) {
			HandleRequestError(c, NotFoundError("Diagram not found"))
		} else {
			HandleRequestError(c, ServerError("Failed to load diagram"))
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"diagram": gin.H{
			"id":           diagram.ID,
			"title":        diagram.Title,
			"diagram_json": diagram.Body,
			"version":      diagram.Version,
			"created_at":   diagram.CreatedAt,
			"updated_at":   diagram.UpdatedAt,
		},
	})
}

// ListDiagrams returns the active diagrams, filtered by the requester's
// identity when one is present
func (h *DiagramHandler) ListDiagrams(c *gin.Context) {
	diagrams, err := h.diagrams.List(c.Request.Context(), RequestIdentity(c))
	if err != nil {
		HandleRequestError(c, ServerError("Failed to load diagrams"))
		return
	}

	items := make([]gin.H, 0, len(diagrams))
	for _, d := range diagrams {
		items = append(items, gin.H{
			"id":         d.ID,
			"title":      d.Title,
			"version":    d.Version,
			"created_at": d.CreatedAt,
			"updated_at": d.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "diagrams": items})
}

// DiagramHistory returns the version history for a diagram, newest first
func (h *DiagramHandler) DiagramHistory(c *gin.Context) {
	id := c.Param("id")

	diagram, err := h.diagrams.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrDiagramNotFound) {
			HandleRequestError(c, NotFoundError("Diagram not found"))
		} else {
			HandleRequestError(c, ServerError("Failed to get diagram history"))
		}
		return
	}

	versions, err := h.diagrams.ListVersions(c.Request.Context(), id)
	if err != nil {
		HandleRequestError(c, ServerError("Failed to get diagram history"))
		return
	}

	versionList := make([]gin.H, 0, len(versions))
	for _, v := range versions {
		versionList = append(versionList, gin.H{
			"version_number": v.VersionNumber,
			"created_at":     v.CreatedAt,
			"comment":        v.Comment,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"diagram_id":      id,
		"current_version": diagram.Version,
		"versions":        versionList,
	})
}

// DeleteDiagram soft-deletes a diagram; its versions remain
func (h *DiagramHandler) DeleteDiagram(c *gin.Context) {
	if err := h.diagrams.SoftDelete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrDiagramNotFound) {
			HandleRequestError(c, NotFoundError("Diagram not found"))
		} else {
			HandleRequestError(c, ServerError("Failed to delete diagram"))
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Diagram deleted successfully",
	})
}

// ExportDiagram renders a diagram as json or xml
func (h *DiagramHandler) ExportDiagram(c *gin.Context) {
	format := strings.ToLower(c.Param("format"))
	if format != "json" && format != "xml" {
		HandleRequestError(c, InvalidInputError("Unsupported export format: "+c.Param("format")))
		return
	}

	diagram, err := h.diagrams.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDiagramNotFound) {
			HandleRequestError(c, NotFoundError("Diagram not found"))
		} else {
			HandleRequestError(c, ServerError("Failed to export diagram"))
		}
		return
	}

	filename := fmt.Sprintf("%s_v%d.%s",
		strings.ReplaceAll(diagram.Title, " ", "_"), diagram.Version, format)

	if format == "json" {
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"data":     diagram.Body,
			"format":   "json",
			"filename": filename,
		})
		return
	}

	bodyJSON, err := json.Marshal(diagram.Body)
	if err != nil {
		HandleRequestError(c, ServerError("Failed to export diagram"))
		return
	}
	xmlData := fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<diagram title=%q version=\"%d\">\n    <data>%s</data>\n</diagram>",
		xmlEscape(diagram.Title), diagram.Version, bodyJSON)

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"data":     xmlData,
		"format":   "xml",
		"filename": filename,
	})
}

// ActiveSessions lists the active collaboration sessions for a diagram
func (h *DiagramHandler) ActiveSessions(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.diagrams.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrDiagramNotFound) {
			HandleRequestError(c, NotFoundError("Diagram not found"))
		} else {
			HandleRequestError(c, ServerError("Failed to list sessions"))
		}
		return
	}

	sessions, err := h.sessions.ActiveForDiagram(c.Request.Context(), id)
	if err != nil {
		HandleRequestError(c, ServerError("Failed to list sessions"))
		return
	}

	items := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, gin.H{
			"session_id":    s.SessionID,
			"user":          s.User,
			"joined_at":     s.JoinedAt,
			"last_activity": s.LastActivity,
		})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "diagram_id": id, "sessions": items})
}

// HealthCheck is the liveness probe
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "Flowboard API",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}
