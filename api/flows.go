package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/luno/jettison/errors"

	"github.com/atlasadvisory/masterflow"
)

type initializeFlowRequest struct {
	FlowType        string          `json:"flow_type" validate:"required"`
	ClientAccountID string          `json:"client_account_id" validate:"required"`
	EngagementID    string          `json:"engagement_id" validate:"required"`
	InitialInput    json.RawMessage `json:"initial_input,omitempty"`
}

type initializeFlowResponse struct {
	FlowID string `json:"flow_id"`
}

func (h *Handler) initializeFlow(c echo.Context) error {
	var req initializeFlowRequest
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

	flowID, err := h.orch.InitializeFlow(c.Request().Context(), masterflow.FlowType(req.FlowType), scope, req.InitialInput)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, initializeFlowResponse{FlowID: flowID})
}

type executePhaseRequest struct {
	Phase string          `json:"phase" validate:"required"`
	Input json.RawMessage `json:"input,omitempty"`
	Force bool            `json:"force,omitempty"`
	Async bool            `json:"async,omitempty"`
}

func (h *Handler) executePhase(c echo.Context) error {
	var req executePhaseRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, "malformed request body"))
	}
	if err := h.validate.Struct(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, err.Error()))
	}

	flowID := c.Param("id")
	phase := masterflow.Phase(req.Phase)

	var (
		result masterflow.PhaseExecutionResult
		err    error
	)
	if req.Async {
		result, err = h.orch.ExecutePhaseAsync(c.Request().Context(), flowID, phase, req.Input, req.Force)
	} else {
		result, err = h.orch.ExecutePhase(c.Request().Context(), flowID, phase, req.Input, req.Force)
	}
	if err != nil {
		return writeError(c, err)
	}

	status := http.StatusOK
	if req.Async {
		status = http.StatusAccepted
	}

	return c.JSON(status, result)
}

func (h *Handler) resumeFlow(c echo.Context) error {
	result, err := h.orch.ResumeFlow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

type cancelFlowRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelFlow(c echo.Context) error {
	var req cancelFlowRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errors.Wrap(masterflow.ErrValidation, "malformed request body"))
	}

	err := h.orch.CancelFlow(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return writeError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) flowStatus(c echo.Context) error {
	summary, err := h.orch.FlowStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) listSnapshots(c echo.Context) error {
	snaps, err := h.orch.ListSnapshots(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, snaps)
}
