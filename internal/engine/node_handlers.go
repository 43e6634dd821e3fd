package engine

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathUUID(w, r, "machine_id")
	if !ok {
		return
	}
	node, err := s.engine.GetNode(r.Context(), machineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleShutdownNode(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathUUID(w, r, "machine_id")
	if !ok {
		return
	}
	now := r.URL.Query().Get("now") == "true"
	node, err := s.engine.ShutdownNode(r.Context(), machineID, now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleReimageNode(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathUUID(w, r, "machine_id")
	if !ok {
		return
	}
	node, err := s.engine.ReimageNode(r.Context(), machineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

type keepNodeRequest struct {
	Keep bool `json:"keep"`
}

func (s *Server) handleKeepNode(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathUUID(w, r, "machine_id")
	if !ok {
		return
	}
	var req keepNodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	node, err := s.engine.KeepNode(r.Context(), machineID, req.Keep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

type createProxyRequest struct {
	Region string `json:"region"`
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var req createProxyRequest
	if !s.decode(w, r, &req) {
		return
	}
	proxy, err := s.engine.CreateProxy(r.Context(), req.Region)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, proxy)
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.engine.ListProxies(r.Context(), mux.Vars(r)["region"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proxies)
}

// handleProxyAlive is the proxy's own heartbeat: a proxy still launching is
// promoted to running, a running one has its heartbeat refreshed.
func (s *Server) handleProxyAlive(w http.ResponseWriter, r *http.Request) {
	proxyID, ok := s.pathUUID(w, r, "proxy_id")
	if !ok {
		return
	}
	proxy, err := s.engine.ProxyAlive(r.Context(), mux.Vars(r)["region"], proxyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	proxyID, ok := s.pathUUID(w, r, "proxy_id")
	if !ok {
		return
	}
	proxy, err := s.engine.StopProxy(r.Context(), mux.Vars(r)["region"], proxyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proxy)
}
