package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/crs-solar/panelmes/internal/config"
	"github.com/crs-solar/panelmes/internal/database"
	"github.com/crs-solar/panelmes/internal/mes"
	"github.com/crs-solar/panelmes/internal/middleware"
	"github.com/crs-solar/panelmes/internal/websocket"
)

// Router wraps the mux router and the service dependencies
type Router struct {
	*mux.Router
	db       *database.DB
	svc      *mes.Service
	hub      *websocket.Hub
	cfg      *config.Config
	validate *validator.Validate
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(db *database.DB, svc *mes.Service, hub *websocket.Hub, cfg *config.Config) *Router {
	r := &Router{
		Router:   mux.NewRouter(),
		db:       db,
		svc:      svc,
		hub:      hub,
		cfg:      cfg,
		validate: validator.New(),
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Auth routes
	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/register", r.register).Methods("POST")
	auth.HandleFunc("/login", r.login).Methods("POST")

	// Event stream for dashboards
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		websocket.ServeWs(hub, w, req)
	})

	// Protected API routes
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(cfg.JWTSecret))

	api.HandleFunc("/mos", r.createMO).Methods("POST")
	api.HandleFunc("/mos", r.listMOs).Methods("GET")
	api.HandleFunc("/mos/{id}", r.getMO).Methods("GET")
	api.HandleFunc("/mos/{id}/barcode", r.generateBarcode).Methods("POST")
	api.HandleFunc("/mos/{id}/status-change", r.applyStatusChange).Methods("POST")
	api.HandleFunc("/mos/{id}/progress", r.getProgress).Methods("GET")
	api.HandleFunc("/mos/{id}/readiness", r.assessReadiness).Methods("GET")
	api.HandleFunc("/mos/{id}/close", r.executeClosure).Methods("POST")
	api.HandleFunc("/mos/{id}/rollback", r.rollbackClosure).Methods("POST")
	api.HandleFunc("/mos/{id}/closure-audit", r.getClosureAudit).Methods("GET")
	api.HandleFunc("/mos/{id}/labels.pdf", r.getLabelSheet).Methods("GET")
	api.HandleFunc("/mos/{id}/report.pdf", r.getCompletionReport).Methods("GET")
	api.HandleFunc("/barcode/validate", r.validateBarcode).Methods("POST")

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"server": "panelmes",
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondDomainError maps a domain error to an HTTP status, keeping the
// stable code in the body for machine branching.
func respondDomainError(w http.ResponseWriter, err error) {
	var de *mes.Error
	if !errors.As(err, &de) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusBadRequest
	switch de.Code {
	case mes.CodeMONotFound:
		status = http.StatusNotFound
	case mes.CodeMOTargetReached, mes.CodeClosureBlocked, mes.CodeOrderNumberDuplicate,
		mes.CodeBarcodeDuplicate, mes.CodeCounterInvariantViolated:
		status = http.StatusConflict
	case mes.CodeDatabaseError:
		status = http.StatusInternalServerError
	}

	respondJSON(w, status, map[string]interface{}{
		"code":    de.Code,
		"error":   de.Message,
		"details": de.Details,
	})
}
