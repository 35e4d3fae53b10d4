package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adops-io/entity-engine/pkg/auth"
	"github.com/adops-io/entity-engine/pkg/models"
	"github.com/adops-io/entity-engine/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// AssociateRequest for PUT /api/entities/{id}/associations/{name}
type AssociateRequest struct {
	Targets         []models.Association   `json:"targets"`
	AssociationType models.AssociationType `json:"association_type"`
	Replace         bool                   `json:"replace"`
}

// SetStatusRequest for POST /api/entities/status
type SetStatusRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Active bool        `json:"active"`
}

// UpdatePropertiesRequest for PATCH /api/entities/{id}/properties
type UpdatePropertiesRequest struct {
	Properties []models.EntityProperty `json:"properties"`
}

// BatchSaveResponse reports the per-entity outcome of a batch save.
type BatchSaveResponse struct {
	Results []BatchEntryResponse `json:"results"`
}

// BatchEntryResponse is one entry of a BatchSaveResponse.
type BatchEntryResponse struct {
	Entity *models.Entity `json:"entity,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// CreateCompanyRequest for POST /api/companies
type CreateCompanyRequest struct {
	Name string `json:"name"`
}

// EntityListResponse for GET /api/entities
type EntityListResponse struct {
	Entities []models.EntityInfo `json:"entities"`
	Total    int                 `json:"total"`
}

// ============================================================================
// Handler
// ============================================================================

// EntityHandler handles entity HTTP requests.
type EntityHandler struct {
	entityService services.EntityService
	logger        *zap.Logger
}

// NewEntityHandler creates a new entity handler.
func NewEntityHandler(entityService services.EntityService, logger *zap.Logger) *EntityHandler {
	return &EntityHandler{
		entityService: entityService,
		logger:        logger,
	}
}

// RegisterRoutes registers the entity handler's routes on the given mux.
func (h *EntityHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/entities", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/entities", authMiddleware.RequireAuth(h.Save))
	mux.HandleFunc("POST /api/entities/batch", authMiddleware.RequireAuth(h.SaveBatch))
	mux.HandleFunc("POST /api/entities/status", authMiddleware.RequireAuth(h.SetStatus))
	mux.HandleFunc("GET /api/entities/{eid}", authMiddleware.RequireAuth(h.Get))
	mux.HandleFunc("PATCH /api/entities/{eid}/properties", authMiddleware.RequireAuth(h.UpdateProperties))
	mux.HandleFunc("PUT /api/entities/{eid}/associations/{name}", authMiddleware.RequireAuth(h.Associate))
	mux.HandleFunc("POST /api/companies", authMiddleware.RequireAuth(h.CreateCompany))
}

// requestContext rebuilds the engine request context from the authenticated
// base plus the filter and flags in the query string.
func (h *EntityHandler) requestContext(w http.ResponseWriter, r *http.Request) (models.RequestContext, bool) {
	rc, ok := auth.RequestContextFrom(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "No request context"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return models.RequestContext{}, false
	}

	query := r.URL.Query()
	filter, err := models.FilterFromValues(query)
	if err != nil {
		if respErr := ErrorResponse(w, http.StatusBadRequest, "invalid_filter", err.Error()); respErr != nil {
			h.logger.Error("Failed to write error response", zap.Error(respErr))
		}
		return models.RequestContext{}, false
	}
	rc.EntityFilter = filter

	if raw := query.Get("force"); raw != "" {
		rc.ForceOverwrite, _ = strconv.ParseBool(raw)
	}
	if raw := query.Get("blobrefs"); raw != "" {
		rc.ReturnBlobReferences, _ = strconv.ParseBool(raw)
	}
	return rc, true
}

func (h *EntityHandler) parseEntityID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("eid"))
	if err != nil {
		if respErr := ErrorResponse(w, http.StatusBadRequest, "invalid_entity_id", "Entity ID must be a UUID"); respErr != nil {
			h.logger.Error("Failed to write error response", zap.Error(respErr))
		}
		return uuid.Nil, false
	}
	return id, true
}

func (h *EntityHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Entity operation failed", zap.String("operation", op), zap.Error(err))
	}
	if respErr := ErrorResponse(w, status, code, err.Error()); respErr != nil {
		h.logger.Error("Failed to write error response", zap.Error(respErr))
	}
}

// List handles GET /api/entities?category=Campaign
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	category := r.URL.Query().Get("category")
	if category == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_category", "category query parameter is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	infos, err := h.entityService.GetEntityInfoByCategory(r.Context(), rc, category)
	if err != nil {
		h.writeServiceError(w, "list", err)
		return
	}
	response := EntityListResponse{Entities: infos, Total: len(infos)}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Save handles POST /api/entities
func (h *EntityHandler) Save(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	var entity models.Entity
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		if respErr := ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error()); respErr != nil {
			h.logger.Error("Failed to write error response", zap.Error(respErr))
		}
		return
	}

	saved, err := h.entityService.SaveEntity(r.Context(), rc, &entity)
	if err != nil {
		h.writeServiceError(w, "save", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: saved}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// SaveBatch handles POST /api/entities/batch
func (h *EntityHandler) SaveBatch(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	var entities []*models.Entity
	if err := json.NewDecoder(r.Body).Decode(&entities); err != nil {
		if respErr := ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error()); respErr != nil {
			h.logger.Error("Failed to write error response", zap.Error(respErr))
		}
		return
	}

	results := h.entityService.SaveEntities(r.Context(), rc, entities)
	response := BatchSaveResponse{Results: make([]BatchEntryResponse, len(results))}
	for i, res := range results {
		entry := BatchEntryResponse{Entity: res.Entity}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		response.Results[i] = entry
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/entities/{eid}
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	entityID, ok := h.parseEntityID(w, r)
	if !ok {
		return
	}

	entity, err := h.entityService.TryGetEntity(r.Context(), rc, entityID)
	if err != nil {
		h.writeServiceError(w, "get", err)
		return
	}
	if entity == nil {
		if err := ErrorResponse(w, http.StatusNotFound, "entity_not_found", "Entity not found"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: entity}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// UpdateProperties handles PATCH /api/entities/{eid}/properties
func (h *EntityHandler) UpdateProperties(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	entityID, ok := h.parseEntityID(w, r)
	if !ok {
		return
	}
	var req UpdatePropertiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if respErr := ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error()); respErr != nil {
			h.logger.Error("Failed to write error response", zap.Error(respErr))
		}
		return
	}

	if !h.entityService.TryUpdateEntity(r.Context(), rc, entityID, req.Properties) {
		if err := ErrorResponse(w, http.StatusConflict, "update_failed", "Properties could not be applied"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Associate handles PUT /api/entities/{eid}/associations/{name}
func (h *EntityHandler) Associate(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	entityID, ok := h.parseEntityID(w, r)
	if !ok {
		return
	}
	collectionName := r.PathValue("name")

	var req AssociateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if respErr := ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error()); respErr != nil {
			h.logger.Error("Failed to write error response", zap.Error(respErr))
		}
		return
	}
	if req.AssociationType == "" {
		req.AssociationType = models.AssociationRelationship
	}

	saved, err := h.entityService.AssociateEntities(
		r.Context(), rc, entityID, collectionName, req.Targets, req.AssociationType, req.Replace)
	if err != nil {
		h.writeServiceError(w, "associate", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: saved}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// SetStatus handles POST /api/entities/status
func (h *EntityHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if respErr := ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error()); respErr != nil {
			h.logger.Error("Failed to write error response", zap.Error(respErr))
		}
		return
	}

	if err := h.entityService.SetEntityStatus(r.Context(), rc, req.IDs, req.Active); err != nil {
		h.writeServiceError(w, "set_status", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// CreateCompany handles POST /api/companies
func (h *EntityHandler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	var req CreateCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if respErr := ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error()); respErr != nil {
			h.logger.Error("Failed to write error response", zap.Error(respErr))
		}
		return
	}

	key, err := h.entityService.SetupNewCompany(r.Context(), rc, req.Name)
	if err != nil {
		h.writeServiceError(w, "create_company", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: key}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
