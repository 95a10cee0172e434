package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/endharassment/surveillance-reports/internal/geo"
	"github.com/endharassment/surveillance-reports/internal/report"
	"github.com/go-chi/chi/v5"
)

const (
	// maxUploadBytes bounds a multipart evidence request: the file limit
	// plus room for the metadata fields.
	maxUploadBytes = 50<<20 + 1<<20
	// uploadMemory is how much of an upload is buffered in memory before
	// spilling to a temp file.
	uploadMemory = 8 << 20
	// maxNearbyRadius caps the radius clients may ask for.
	maxNearbyRadius = 1000
)

func badRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, codeBadRequest, err.Error())
}

// HandleCreateReport handles POST /reports.
func (s *Server) HandleCreateReport(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	var in report.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	rpt, nearby, err := s.reports.Create(r.Context(), user.ID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReportWithNearby(rpt, nearby))
}

// HandleListReports handles GET /reports.
func (s *Server) HandleListReports(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	reports, err := s.reports.List(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]reportView, 0, len(reports))
	for _, rpt := range reports {
		views = append(views, newReportView(rpt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": views})
}

// HandleGetReport handles GET /reports/{reportID}.
func (s *Server) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	d, err := s.reports.Get(r.Context(), user.ID, chi.URLParam(r, "reportID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetailView(d))
}

// HandleUpdateReport handles PATCH /reports/{reportID}.
func (s *Server) HandleUpdateReport(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	var in report.UpdateInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	rpt, err := s.reports.UpdateDetails(r.Context(), user.ID, chi.URLParam(r, "reportID"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportView(rpt))
}

// HandleDeleteReport handles DELETE /reports/{reportID}.
func (s *Server) HandleDeleteReport(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if err := s.reports.Delete(r.Context(), user.ID, chi.URLParam(r, "reportID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetLocation handles PUT /reports/{reportID}/location.
func (s *Server) HandleSetLocation(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	var in report.LocationInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	rpt, nearby, err := s.reports.SetLocation(r.Context(), user.ID, chi.URLParam(r, "reportID"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportWithNearby(rpt, nearby))
}

// HandleSetPostalCode handles PUT /reports/{reportID}/postal-code.
func (s *Server) HandleSetPostalCode(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	var in report.PostalCodeInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	rpt, err := s.reports.SetPostalCode(r.Context(), user.ID, chi.URLParam(r, "reportID"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportView(rpt))
}

// HandleNearby handles GET /reports/{reportID}/nearby?radius=.
func (s *Server) HandleNearby(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	radius := geo.DefaultRadiusMeters
	if raw := r.URL.Query().Get("radius"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxNearbyRadius {
			badRequest(w, fmt.Errorf("radius must be an integer between 1 and %d", maxNearbyRadius))
			return
		}
		radius = n
	}
	nearby, err := s.reports.Nearby(r.Context(), user.ID, chi.URLParam(r, "reportID"), radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if nearby == nil {
		nearby = []geo.Nearby{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"radius_meters": radius, "nearby": nearby})
}

// HandleUploadEvidence handles POST /reports/{reportID}/evidence. The form
// carries the file plus optional lat, lng and captured_at (RFC 3339)
// fields extracted by the client.
func (s *Server) HandleUploadEvidence(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, codeValidation, report.ErrFileTooLarge.Error())
			return
		}
		badRequest(w, fmt.Errorf("parsing upload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	meta, err := parseEvidenceMeta(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, errors.New("missing file field"))
		return
	}
	defer file.Close()

	ev, err := s.reports.AddEvidence(r.Context(), user.ID, chi.URLParam(r, "reportID"), header.Filename, file, meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEvidenceView(ev))
}

func parseEvidenceMeta(r *http.Request) (report.EvidenceMeta, error) {
	var meta report.EvidenceMeta
	lat, lng := strings.TrimSpace(r.FormValue("lat")), strings.TrimSpace(r.FormValue("lng"))
	if (lat == "") != (lng == "") {
		return meta, errors.New("lat and lng must be given together")
	}
	if lat != "" {
		la, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return meta, fmt.Errorf("invalid lat %q", lat)
		}
		ln, err := strconv.ParseFloat(lng, 64)
		if err != nil {
			return meta, fmt.Errorf("invalid lng %q", lng)
		}
		if !geo.ValidCoordinates(la, ln) {
			return meta, errors.New("coordinates out of range")
		}
		meta.Latitude, meta.Longitude = &la, &ln
	}
	if raw := strings.TrimSpace(r.FormValue("captured_at")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return meta, fmt.Errorf("invalid captured_at %q", raw)
		}
		t = t.UTC()
		meta.CapturedAt = &t
	}
	return meta, nil
}

// HandleSubmit handles POST /reports/{reportID}/submit.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	rpt, err := s.reports.Submit(r.Context(), user.ID, chi.URLParam(r, "reportID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportView(rpt))
}

// HandleGetAuthority handles GET /authorities/{postalCode}.
func (s *Server) HandleGetAuthority(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "postalCode")
	rec, err := s.authorities.Resolve(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, &report.NotFoundError{Resource: "authority for postal code", ID: code})
		return
	}
	writeJSON(w, http.StatusOK, newAuthorityView(rec))
}
