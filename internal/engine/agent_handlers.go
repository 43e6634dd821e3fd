package engine

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

type registerNodeRequest struct {
	PoolName   string     `json:"pool_name"`
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	Version    string     `json:"version"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.PoolName == "" || req.MachineID == uuid.Nil {
		s.writeError(w, models.NewError(models.CodeInvalidRequest, "registration requires pool_name and machine_id"))
		return
	}
	node, err := s.engine.RegisterNode(r.Context(), req.PoolName, req.MachineID, req.ScalesetID, req.Version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var entry models.HeartbeatEntry
	if !s.decode(w, r, &entry) {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.engine.EnqueueHeartbeat(r.Context(), entry); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, nil)
}

// agentEventRequest carries one agent report: either a node state change or
// a worker lifecycle event, never both.
type agentEventRequest struct {
	MachineID uuid.UUID         `json:"machine_id"`
	NodeState *models.NodeState `json:"node_state,omitempty"`
	Worker    *workerEvent      `json:"worker,omitempty"`
}

type workerEvent struct {
	TaskID  uuid.UUID `json:"task_id"`
	Running bool      `json:"running"`
	Success bool      `json:"success"`
	Output  string    `json:"output,omitempty"`
}

func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	var req agentEventRequest
	if !s.decode(w, r, &req) {
		return
	}
	switch {
	case req.NodeState != nil && req.Worker == nil:
		node, err := s.engine.AgentNodeEvent(r.Context(), req.MachineID, *req.NodeState)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, node)
	case req.Worker != nil && req.NodeState == nil:
		var err error
		if req.Worker.Running {
			err = s.engine.WorkerRunning(r.Context(), req.MachineID, req.Worker.TaskID)
		} else {
			err = s.engine.WorkerDone(r.Context(), req.MachineID, req.Worker.TaskID, req.Worker.Success, req.Worker.Output)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, nil)
	default:
		s.writeError(w, models.NewError(models.CodeInvalidRequest, "event requires exactly one of node_state or worker"))
	}
}

func (s *Server) handleNodeCommands(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathUUID(w, r, "machine_id")
	if !ok {
		return
	}
	msgs, err := s.engine.NodeCommands(r.Context(), machineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleClaimCommand(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathUUID(w, r, "machine_id")
	if !ok {
		return
	}
	if err := s.engine.ClaimNodeCommand(r.Context(), machineID, mux.Vars(r)["message_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleCanSchedule(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathUUID(w, r, "machine_id")
	if !ok {
		return
	}
	taskID, ok := s.pathUUID(w, r, "task_id")
	if !ok {
		return
	}
	allowed, err := s.engine.CanSchedule(r.Context(), machineID, taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}
