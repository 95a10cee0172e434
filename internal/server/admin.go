package server

import (
	"net/http"

	"github.com/endharassment/surveillance-reports/internal/report"
	"github.com/go-chi/chi/v5"
)

// HandleAdminGetReport handles GET /admin/reports/{reportID}. Unlike the
// owner view it shows any report.
func (s *Server) HandleAdminGetReport(w http.ResponseWriter, r *http.Request) {
	d, err := s.reports.GetAny(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetailView(d))
}

// HandleAdminTransition handles POST /admin/reports/{reportID}/status.
func (s *Server) HandleAdminTransition(w http.ResponseWriter, r *http.Request) {
	admin := UserFromContext(r.Context())
	var in report.TransitionInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	rpt, err := s.reports.Transition(r.Context(), admin.ID, chi.URLParam(r, "reportID"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportView(rpt))
}
