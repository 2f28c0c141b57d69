package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/crs-solar/panelmes/internal/mes"
)

// moID extracts the {id} path variable
func moID(req *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(req)["id"], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// createMO creates a new manufacturing order
func (r *Router) createMO(w http.ResponseWriter, req *http.Request) {
	var body mes.CreateMORequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := r.validate.Struct(body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := r.svc.CreateManufacturingOrder(req.Context(), body)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// listMOs returns a filtered MO list
func (r *Router) listMOs(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	panelType, _ := strconv.Atoi(q.Get("panel_type"))

	mos, total, err := r.svc.ListManufacturingOrders(req.Context(), mes.MOListParams{
		Status:    q.Get("status"),
		PanelType: panelType,
		Page:      page,
		Size:      size,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"mos":   mos,
		"total": total,
	})
}

// getMO returns a single manufacturing order
func (r *Router) getMO(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}
	mo, err := r.svc.GetManufacturingOrder(req.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mo)
}

// generateBarcode allocates the next sequence number and mints its barcode
func (r *Router) generateBarcode(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}
	result, err := r.svc.GenerateNextBarcode(req.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// ValidateBarcodeRequest is the payload for barcode validation
type ValidateBarcodeRequest struct {
	Barcode string `json:"barcode" validate:"required"`
	MOID    *uint  `json:"mo_id,omitempty"`
}

// validateBarcode checks a scanned barcode against an MO's specification
func (r *Router) validateBarcode(w http.ResponseWriter, req *http.Request) {
	var body ValidateBarcodeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := r.validate.Struct(body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := r.svc.ValidateBarcodeAgainstMO(req.Context(), body.Barcode, body.MOID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// applyStatusChange feeds a panel status-change event into the aggregator
func (r *Router) applyStatusChange(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}
	var change mes.StatusChange
	if err := json.NewDecoder(req.Body).Decode(&change); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := r.validate.Struct(change); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	counters, err := r.svc.ApplyStatusChange(req.Context(), id, change)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, counters)
}

// getProgress returns the MO's progress snapshot
func (r *Router) getProgress(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}
	snap, err := r.svc.CalculateMOProgress(req.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
