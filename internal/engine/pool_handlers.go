package engine

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

type createPoolRequest struct {
	Name      string                  `json:"name"`
	OS        models.OS               `json:"os"`
	Arch      models.Architecture     `json:"arch"`
	Managed   bool                    `json:"managed"`
	Autoscale *models.AutoscaleConfig `json:"autoscale,omitempty"`
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.OS == "" {
		req.OS = models.OSLinux
	}
	if req.Arch == "" {
		req.Arch = models.ArchX86_64
	}
	pool, err := s.engine.CreatePool(r.Context(), req.Name, req.OS, req.Arch, req.Managed, req.Autoscale)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, pool)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.engine.ListPools(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.engine.GetPool(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleShutdownPool(w http.ResponseWriter, r *http.Request) {
	now := r.URL.Query().Get("now") == "true"
	pool, err := s.engine.ShutdownPool(r.Context(), mux.Vars(r)["name"], now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.engine.ListNodes(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

type createScalesetRequest struct {
	VMSku         string            `json:"vm_sku"`
	Image         string            `json:"image"`
	Region        string            `json:"region"`
	Size          int               `json:"size"`
	SpotInstances bool              `json:"spot_instances"`
	Tags          map[string]string `json:"tags,omitempty"`
}

func (s *Server) handleCreateScaleset(w http.ResponseWriter, r *http.Request) {
	var req createScalesetRequest
	if !s.decode(w, r, &req) {
		return
	}
	scaleset, err := s.engine.CreateScaleset(r.Context(), mux.Vars(r)["name"],
		req.VMSku, req.Image, req.Region, req.Size, req.SpotInstances, req.Tags)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, scaleset)
}

func (s *Server) handleListScalesets(w http.ResponseWriter, r *http.Request) {
	scalesets, err := s.engine.ListScalesets(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scalesets)
}

func (s *Server) handleGetScaleset(w http.ResponseWriter, r *http.Request) {
	scalesetID, ok := s.pathUUID(w, r, "scaleset_id")
	if !ok {
		return
	}
	scaleset, err := s.engine.GetScaleset(r.Context(), mux.Vars(r)["name"], scalesetID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scaleset)
}

type resizeScalesetRequest struct {
	Size int `json:"size"`
}

func (s *Server) handleResizeScaleset(w http.ResponseWriter, r *http.Request) {
	scalesetID, ok := s.pathUUID(w, r, "scaleset_id")
	if !ok {
		return
	}
	var req resizeScalesetRequest
	if !s.decode(w, r, &req) {
		return
	}
	scaleset, err := s.engine.ResizeScaleset(r.Context(), mux.Vars(r)["name"], scalesetID, req.Size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scaleset)
}

func (s *Server) handleShutdownScaleset(w http.ResponseWriter, r *http.Request) {
	scalesetID, ok := s.pathUUID(w, r, "scaleset_id")
	if !ok {
		return
	}
	now := r.URL.Query().Get("now") == "true"
	scaleset, err := s.engine.ShutdownScaleset(r.Context(), mux.Vars(r)["name"], scalesetID, now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scaleset)
}
