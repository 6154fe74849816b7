package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/luno/jettison/errors"

	"github.com/atlasadvisory/masterflow"
)

func (h *Handler) listConflicts(c echo.Context) error {
	records, err := h.orch.Resolver().ListUnresolved(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, records)
}

type detectConflictsRequest struct {
	ClientAccountID string                      `json:"client_account_id" validate:"required"`
	EngagementID    string                      `json:"engagement_id" validate:"required"`
	Entities        []masterflow.IncomingEntity `json:"entities" validate:"required,min=1"`
}

func (h *Handler) detectConflicts(c echo.Context) error {
	var req detectConflictsRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, "malformed request body"))
	}
	if err := h.validate.Struct(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, err.Error()))
	}

	scope := masterflow.TenantScope{
		ClientAccountID: req.ClientAccountID,
		EngagementID:    req.EngagementID,
	}

	result, err := h.orch.Resolver().DetectConflicts(c.Request().Context(), c.Param("id"), scope, req.Entities)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

type resolveConflictRequest struct {
	Strategy   string `json:"strategy" validate:"required"`
	ResolvedBy string `json:"resolved_by" validate:"required"`
}

type resolveConflictResponse struct {
	ConflictID string `json:"conflict_id"`
	Strategy   string `json:"strategy"`
}

func (h *Handler) resolveConflict(c echo.Context) error {
	var req resolveConflictRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, "malformed request body"))
	}
	if err := h.validate.Struct(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, err.Error()))
	}

	// The nested route carries the conflict ID as :conflict_id; the flat alias as :id.
	conflictID := c.Param("conflict_id")
	if conflictID == "" {
		conflictID = c.Param("id")
	}
	err := h.orch.Resolver().ResolveConflict(c.Request().Context(), conflictID, masterflow.ResolutionStrategy(req.Strategy), req.ResolvedBy)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, resolveConflictResponse{
		ConflictID: conflictID,
		Strategy:   req.Strategy,
	})
}

type resolveBulkRequest struct {
	Strategy   string `json:"strategy" validate:"required"`
	ResolvedBy string `json:"resolved_by" validate:"required"`
}

type resolveBulkResponse struct {
	Resolved int `json:"resolved"`
}

func (h *Handler) resolveBulk(c echo.Context) error {
	var req resolveBulkRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, "malformed request body"))
	}
	if err := h.validate.Struct(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, err.Error()))
	}

	resolved, err := h.orch.Resolver().ResolveBulk(c.Request().Context(), c.Param("id"), masterflow.ResolutionStrategy(req.Strategy), req.ResolvedBy)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, resolveBulkResponse{Resolved: resolved})
}

type rebuildQueueResponse struct {
	Rebuilt int `json:"rebuilt"`
}

func (h *Handler) rebuildQueue(c echo.Context) error {
	rebuilt, err := h.orch.Journal().RebuildQueue(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, rebuildQueueResponse{Rebuilt: rebuilt})
}
