package engine

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

type fileAddedRequest struct {
	Filename   string                   `json:"filename"`
	Report     *models.Report           `json:"report,omitempty"`
	Regression *models.RegressionReport `json:"regression,omitempty"`
}

func (s *Server) handleFileAdded(w http.ResponseWriter, r *http.Request) {
	var req fileAddedRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.engine.ReportFileAdded(r.Context(), mux.Vars(r)["container"], req.Filename, req.Report, req.Regression)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, nil)
}
