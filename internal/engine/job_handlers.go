package engine

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

type createJobRequest struct {
	Config   models.JobConfig `json:"config"`
	UserInfo *models.UserInfo `json:"user_info,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.engine.CreateJob(r.Context(), req.Config, req.UserInfo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.engine.ListJobs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	return s.pathUUID(w, r, "job_id")
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		s.writeError(w, models.NewError(models.CodeInvalidRequest, "invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.engine.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.engine.StopJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	tasks, err := s.engine.ListTasks(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	Config   models.TaskConfig `json:"config"`
	OS       models.OS         `json:"os"`
	UserInfo *models.UserInfo  `json:"user_info,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.OS == "" {
		req.OS = models.OSLinux
	}
	task, err := s.engine.CreateTask(r.Context(), req.Config, req.OS, req.UserInfo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathUUID(w, r, "task_id")
	if !ok {
		return
	}
	task, err := s.engine.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathUUID(w, r, "task_id")
	if !ok {
		return
	}
	task, err := s.engine.StopTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}
