package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/crs-solar/panelmes/internal/mes"
)

// ClosureRequest is the payload for closing an MO
type ClosureRequest struct {
	ClosedBy        string `json:"closed_by" validate:"required"`
	Force           bool   `json:"force"`
	SkipValidation  bool   `json:"skip_validation"`
	FinalizePallets *bool  `json:"finalize_pallets"`
	GenerateReport  *bool  `json:"generate_report"`
}

// RollbackRequest is the payload for rolling back a closure
type RollbackRequest struct {
	RolledBackBy string `json:"rolled_back_by" validate:"required"`
	Reason       string `json:"reason" validate:"required"`
}

// assessReadiness runs the closure readiness assessment without closing
func (r *Router) assessReadiness(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}
	assessment, err := r.svc.AssessClosureReadiness(req.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assessment)
}

// executeClosure closes an MO
func (r *Router) executeClosure(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}
	var body ClosureRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := r.validate.Struct(body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Pallet finalization and report generation default on; callers opt out.
	opts := mes.ClosureOptions{
		Force:           body.Force,
		SkipValidation:  body.SkipValidation,
		FinalizePallets: true,
		GenerateReport:  true,
	}
	if body.FinalizePallets != nil {
		opts.FinalizePallets = *body.FinalizePallets
	}
	if body.GenerateReport != nil {
		opts.GenerateReport = *body.GenerateReport
	}

	result, err := r.svc.ExecuteClosure(req.Context(), id, body.ClosedBy, opts)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// rollbackClosure reopens a completed MO
func (r *Router) rollbackClosure(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}
	var body RollbackRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := r.validate.Struct(body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := r.svc.RollbackClosure(req.Context(), id, body.RolledBackBy, body.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// getClosureAudit returns the closure audit trail for an MO
func (r *Router) getClosureAudit(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}
	records, err := r.svc.GetClosureAuditHistory(req.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"mo_id":   id,
		"records": records,
	})
}
