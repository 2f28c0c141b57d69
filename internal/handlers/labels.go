package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crs-solar/panelmes/internal/mes"
	"github.com/crs-solar/panelmes/internal/models"
	"github.com/crs-solar/panelmes/internal/services/printer"
)

// getLabelSheet renders the MO's remaining barcode range as a printable QR
// label sheet.
func (r *Router) getLabelSheet(w http.ResponseWriter, req *http.Request) {
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

	pdfBytes, err := printer.GenerateLabelsPDF(mo, printer.DefaultLabelConfig())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"labels_%s.pdf\"", mo.OrderNumber))
	w.WriteHeader(http.StatusOK)
	w.Write(pdfBytes)
}

// getCompletionReport renders the completion report stored by the most recent
// closure as a PDF.
func (r *Router) getCompletionReport(w http.ResponseWriter, req *http.Request) {
	id, ok := moID(req)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid MO ID")
		return
	}

	var record models.ClosureAuditRecord
	err := r.db.Where("mo_id = ? AND closure_type = ? AND report IS NOT NULL",
		id, models.ClosureTypeAutomatic).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		respondError(w, http.StatusNotFound, "No completion report for this order")
		return
	}

	var report mes.CompletionReport
	if err := json.Unmarshal(record.Report, &report); err != nil {
		respondError(w, http.StatusInternalServerError, "Stored report is unreadable")
		return
	}

	pdfBytes, err := printer.GenerateCompletionReportPDF(&report)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"report_%s.pdf\"", report.OrderNumber))
	w.WriteHeader(http.StatusOK)
	w.Write(pdfBytes)
}
