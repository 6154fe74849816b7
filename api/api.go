// Package api exposes the orchestrator over REST. Handlers translate the error taxonomy to HTTP
// status codes; business level failures travel inside 200 responses as execution results.
package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/luno/jettison/errors"

	"github.com/atlasadvisory/masterflow"
)

type Handler struct {
	orch     *masterflow.Orchestrator
	validate *validator.Validate
}

func NewHandler(orch *masterflow.Orchestrator) *Handler {
	return &Handler{
		orch:     orch,
		validate: validator.New(),
	}
}

// Register mounts all flow routes on the echo group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/flows", h.initializeFlow)
	g.GET("/flows/:id/status", h.flowStatus)
	g.GET("/flows/:id/snapshots", h.listSnapshots)
	g.POST("/flows/:id/execute", h.executePhase)
	g.POST("/flows/:id/resume", h.resumeFlow)
	g.POST("/flows/:id/retry", h.resumeFlow)
	g.POST("/flows/:id/cancel", h.cancelFlow)
	g.GET("/flows/:id/conflicts", h.listConflicts)
	g.POST("/flows/:id/conflicts/detect", h.detectConflicts)
	g.POST("/flows/:id/conflicts/resolve-bulk", h.resolveBulk)
	g.POST("/flows/:id/conflicts/:conflict_id/resolve", h.resolveConflict)
	// Flat alias: conflict IDs are globally unique, so the flow scope is optional.
	g.POST("/conflicts/:id/resolve", h.resolveConflict)
	g.POST("/failures/rebuild-queue", h.rebuildQueue)
}

// httpStatus maps the error taxonomy onto HTTP statuses. Unknown errors are internal.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, masterflow.ErrValidation),
		errors.Is(err, masterflow.ErrPhaseNotReachable):
		return http.StatusBadRequest
	case errors.Is(err, masterflow.ErrFlowNotFound),
		errors.Is(err, masterflow.ErrConflictNotFound),
		errors.Is(err, masterflow.ErrFailureNotFound),
		errors.Is(err, masterflow.ErrAssetNotFound),
		errors.Is(err, masterflow.ErrPhaseNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, masterflow.ErrConcurrencyConflict),
		errors.Is(err, masterflow.ErrAlreadyResolved),
		errors.Is(err, masterflow.ErrFlowTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), errorResponse{Error: err.Error()})
}
