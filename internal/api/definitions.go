package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"procgenie/backend/pkg/models"
)

const maxDefinitionBytes = 1 << 20

// PublishResponse reports the version a publish activated.
type PublishResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// readDefinition decodes a JSON or YAML definition body and stamps it with
// the caller's tenant. Content types containing "yaml" are parsed as YAML.
func readDefinition(c echo.Context) (*models.WorkflowDefinition, error) {
	id, err := identity(c)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDefinitionBytes+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read body: "+err.Error())
	}
	if len(body) > maxDefinitionBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "definition too large")
	}

	var def *models.WorkflowDefinition
	if strings.Contains(c.Request().Header.Get(echo.HeaderContentType), "yaml") {
		def, err = models.ParseDefinitionYAML(body)
	} else {
		def = &models.WorkflowDefinition{}
		err = json.Unmarshal(body, def)
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	def.TenantID = id.TenantID
	def.CreatedBy = id.ActorID()
	return def, nil
}

// PublishDefinition validates and activates a definition
// (POST /api/v1/definitions)
func (s *Server) PublishDefinition(c echo.Context) error {
	def, err := readDefinition(c)
	if err != nil {
		return err
	}
	if def.ID != "" {
		if err := s.ownDefinitionConcept(c, def.ID); err != nil {
			return err
		}
	}
	version, err := s.Definitions.Publish(c.Request().Context(), def)
	if err != nil {
		return err
	}
	// Publish assigns the concept ID on first publish; read it back by category.
	if def.ID == "" {
		active, err := s.Definitions.GetActiveDefinition(c.Request().Context(), def.TenantID, def.Category)
		if err != nil {
			return err
		}
		def.ID = active.ID
	}
	return c.JSON(http.StatusCreated, PublishResponse{ID: def.ID, Version: version})
}

// SaveDraft stores an unvalidated draft
// (POST /api/v1/definitions/drafts)
func (s *Server) SaveDraft(c echo.Context) error {
	def, err := readDefinition(c)
	if err != nil {
		return err
	}
	if def.ID != "" {
		if err := s.ownDefinitionConcept(c, def.ID); err != nil {
			return err
		}
	}
	draft, err := s.Definitions.SaveDraft(c.Request().Context(), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, draft)
}

// GetDefinition returns one version
// (GET /api/v1/definitions/:id/versions/:version)
func (s *Server) GetDefinition(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
	}
	def, err := s.tenantDefinition(c, c.Param("id"), version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// ListVersions returns every version of a definition
// (GET /api/v1/definitions/:id/versions)
func (s *Server) ListVersions(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	versions, err := s.Definitions.ListVersions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if len(versions) == 0 || versions[0].TenantID != id.TenantID {
		return fmt.Errorf("definition %s: %w", c.Param("id"), models.ErrNotFound)
	}
	return c.JSON(http.StatusOK, versions)
}

// GetActiveDefinition returns the active version for a category
// (GET /api/v1/definitions/active/:category)
func (s *Server) GetActiveDefinition(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	def, err := s.Definitions.GetActiveDefinition(c.Request().Context(), id.TenantID, c.Param("category"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// ArchiveDefinition retires a version
// (POST /api/v1/definitions/:id/versions/:version/archive)
func (s *Server) ArchiveDefinition(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
	}
	if err := s.Definitions.Archive(c.Request().Context(), id.TenantID, c.Param("id"), version); err != nil {
		return err
	}
	s.Logger.Info("definition archived via api", "definition_id", c.Param("id"), "version", version, "actor_id", id.ActorID())
	return c.NoContent(http.StatusNoContent)
}

// tenantDefinition hides other tenants' definitions behind a 404.
func (s *Server) tenantDefinition(c echo.Context, defID string, version int) (*models.WorkflowDefinition, error) {
	id, err := identity(c)
	if err != nil {
		return nil, err
	}
	def, err := s.Definitions.GetDefinition(c.Request().Context(), defID, version)
	if err != nil {
		return nil, err
	}
	if def.TenantID != id.TenantID {
		return nil, fmt.Errorf("definition %s v%d: %w", defID, version, models.ErrNotFound)
	}
	return def, nil
}

// ownDefinitionConcept refuses writes to a concept ID owned by another tenant.
func (s *Server) ownDefinitionConcept(c echo.Context, defID string) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	versions, err := s.Definitions.ListVersions(c.Request().Context(), defID)
	if err != nil {
		return err
	}
	if len(versions) > 0 && versions[0].TenantID != id.TenantID {
		return echo.NewHTTPError(http.StatusForbidden, "definition belongs to another tenant")
	}
	return nil
}
