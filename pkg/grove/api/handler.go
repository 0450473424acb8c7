// Package api is the thin HTTP façade over the Service: one endpoint per
// operation name, JSON arguments in, a tagged JSON result out. Errors never
// cross the boundary as panics or bare strings; they are mapped to their
// error kind and an HTTP status.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove"
	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/schema"
)

// Handler exposes the Service over HTTP.
type Handler struct {
	service grove.Service
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(service grove.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Routes returns the operation routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Post("/createEntity", operation(h, h.createEntity))
	r.Post("/updateEntity", operation(h, h.updateEntity))
	r.Post("/upsertEntity", operation(h, h.upsertEntity))
	r.Post("/publishEntities", operation(h, h.publishEntities))
	r.Post("/unpublishEntities", operation(h, h.unpublishEntities))
	r.Post("/archiveEntity", operation(h, h.archiveEntity))
	r.Post("/unarchiveEntity", operation(h, h.unarchiveEntity))
	r.Post("/deleteEntities", operation(h, h.deleteEntities))
	r.Post("/getEntity", operation(h, h.getEntity))
	r.Post("/getEntities", operation(h, h.getEntities))
	r.Post("/getEntitiesTotalCount", operation(h, h.getEntitiesTotalCount))
	r.Post("/getEntitiesSample", operation(h, h.getEntitiesSample))
	r.Post("/getSchemaSpecification", operation(h, h.getSchemaSpecification))
	r.Post("/updateSchemaSpecification", operation(h, h.updateSchemaSpecification))
	r.Post("/getChangelogEvents", operation(h, h.getChangelogEvents))
	r.Post("/acquireAdvisoryLock", operation(h, h.acquireAdvisoryLock))
	r.Post("/renewAdvisoryLock", operation(h, h.renewAdvisoryLock))
	r.Post("/releaseAdvisoryLock", operation(h, h.releaseAdvisoryLock))
	return r
}

// errorResponse is the tagged failure result.
type errorResponse struct {
	OK    bool         `json:"ok"`
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Issues  []issuePayload `json:"issues,omitempty"`
}

type issuePayload struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// okResponse is the tagged success result.
type okResponse struct {
	OK    bool `json:"ok"`
	Value any  `json:"value"`
}

// operation adapts a typed handler function to the wire: decode args, run,
// encode a tagged result.
func operation[Req any](h *Handler, fn func(r *http.Request, req Req) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				h.renderError(w, r, grove.ErrBadRequest, "malformed request body")
				return
			}
		}
		value, err := fn(r, req)
		if err != nil {
			h.renderError(w, r, err, "")
			return
		}
		render.Status(r, http.StatusOK)
		render.JSON(w, r, okResponse{OK: true, Value: value})
	}
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error, message string) {
	kind, status := classify(err)
	if message == "" {
		message = err.Error()
	}
	payload := errorPayload{Kind: kind, Message: message}
	var ve *grove.ValidationError
	if errors.As(err, &ve) {
		payload.Issues = issuePayloads(ve.Issues)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("operation failed", "path", r.URL.Path, "error", err)
		payload.Message = "internal error"
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: payload})
}

func issuePayloads(issues []collect.Issue) []issuePayload {
	out := make([]issuePayload, len(issues))
	for i, issue := range issues {
		out[i] = issuePayload{Path: issue.Path.String(), Kind: string(issue.Kind), Message: issue.Message}
	}
	return out
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, grove.ErrBadRequest):
		return "BadRequest", http.StatusBadRequest
	case errors.Is(err, grove.ErrConflict):
		return "Conflict", http.StatusConflict
	case errors.Is(err, grove.ErrNotAuthenticated):
		return "NotAuthenticated", http.StatusUnauthorized
	case errors.Is(err, grove.ErrNotAuthorized):
		return "NotAuthorized", http.StatusForbidden
	case errors.Is(err, grove.ErrNotFound):
		return "NotFound", http.StatusNotFound
	default:
		return "Generic", http.StatusInternalServerError
	}
}

// Operation argument shapes.

type idsArgs struct {
	IDs []uuid.UUID `json:"ids"`
}

type idArgs struct {
	ID uuid.UUID `json:"id"`
}

type listArgs struct {
	View   grove.View        `json:"view,omitempty"`
	Query  grove.EntityQuery `json:"query"`
	Paging grove.Paging      `json:"paging"`
}

type sampleArgs struct {
	View  grove.View        `json:"view,omitempty"`
	Query grove.EntityQuery `json:"query"`
	Seed  int64             `json:"seed"`
	Count int               `json:"count"`
}

type viewArgs struct {
	View grove.View `json:"view,omitempty"`
}

type lockArgs struct {
	Name   string    `json:"name"`
	Handle uuid.UUID `json:"handle,omitempty"`
	// LeaseMillis is the lease duration in milliseconds.
	LeaseMillis int64 `json:"leaseMillis,omitempty"`
}

func (h *Handler) createEntity(r *http.Request, req grove.CreateEntityRequest) (any, error) {
	return h.service.CreateEntity(r.Context(), req)
}

func (h *Handler) updateEntity(r *http.Request, req grove.UpdateEntityRequest) (any, error) {
	return h.service.UpdateEntity(r.Context(), req)
}

func (h *Handler) upsertEntity(r *http.Request, req grove.UpsertEntityRequest) (any, error) {
	return h.service.UpsertEntity(r.Context(), req)
}

func (h *Handler) publishEntities(r *http.Request, req idsArgs) (any, error) {
	return h.service.PublishEntities(r.Context(), req.IDs)
}

func (h *Handler) unpublishEntities(r *http.Request, req idsArgs) (any, error) {
	return h.service.UnpublishEntities(r.Context(), req.IDs)
}

func (h *Handler) archiveEntity(r *http.Request, req idArgs) (any, error) {
	return h.service.ArchiveEntity(r.Context(), req.ID)
}

func (h *Handler) unarchiveEntity(r *http.Request, req idArgs) (any, error) {
	return h.service.UnarchiveEntity(r.Context(), req.ID)
}

func (h *Handler) deleteEntities(r *http.Request, req idsArgs) (any, error) {
	if err := h.service.DeleteEntities(r.Context(), req.IDs); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": len(req.IDs)}, nil
}

func (h *Handler) getEntity(r *http.Request, req grove.GetEntityRequest) (any, error) {
	return h.service.GetEntity(r.Context(), req)
}

func (h *Handler) getEntities(r *http.Request, req listArgs) (any, error) {
	return h.service.GetEntities(r.Context(), req.View, req.Query, req.Paging)
}

func (h *Handler) getEntitiesTotalCount(r *http.Request, req listArgs) (any, error) {
	count, err := h.service.GetEntitiesTotalCount(r.Context(), req.View, req.Query)
	if err != nil {
		return nil, err
	}
	return map[string]int{"totalCount": count}, nil
}

func (h *Handler) getEntitiesSample(r *http.Request, req sampleArgs) (any, error) {
	return h.service.GetEntitiesSample(r.Context(), req.View, req.Query, req.Seed, req.Count)
}

func (h *Handler) getSchemaSpecification(r *http.Request, req viewArgs) (any, error) {
	return h.service.GetSchemaSpecification(r.Context(), req.View)
}

func (h *Handler) updateSchemaSpecification(r *http.Request, req schema.UpdateRequest) (any, error) {
	return h.service.UpdateSchemaSpecification(r.Context(), req)
}

func (h *Handler) getChangelogEvents(r *http.Request, req grove.ChangelogQuery) (any, error) {
	return h.service.GetChangelogEvents(r.Context(), req)
}

func (h *Handler) acquireAdvisoryLock(r *http.Request, req lockArgs) (any, error) {
	return h.service.AcquireAdvisoryLock(r.Context(), req.Name, time.Duration(req.LeaseMillis)*time.Millisecond)
}

func (h *Handler) renewAdvisoryLock(r *http.Request, req lockArgs) (any, error) {
	return h.service.RenewAdvisoryLock(r.Context(), req.Name, req.Handle, time.Duration(req.LeaseMillis)*time.Millisecond)
}

func (h *Handler) releaseAdvisoryLock(r *http.Request, req lockArgs) (any, error) {
	if err := h.service.ReleaseAdvisoryLock(r.Context(), req.Name, req.Handle); err != nil {
		return nil, err
	}
	return map[string]bool{"released": true}, nil
}
