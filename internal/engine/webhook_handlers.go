package engine

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var sub models.WebhookSubscription
	if !s.decode(w, r, &sub) {
		return
	}
	created, err := s.engine.CreateWebhook(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.engine.ListWebhooks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID, ok := s.pathUUID(w, r, "webhook_id")
	if !ok {
		return
	}
	sub, err := s.engine.GetWebhook(r.Context(), webhookID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID, ok := s.pathUUID(w, r, "webhook_id")
	if !ok {
		return
	}
	var update models.WebhookSubscription
	if !s.decode(w, r, &update) {
		return
	}
	sub, err := s.engine.UpdateWebhook(r.Context(), webhookID, update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID, ok := s.pathUUID(w, r, "webhook_id")
	if !ok {
		return
	}
	if err := s.engine.DeleteWebhook(r.Context(), webhookID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePingWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID, ok := s.pathUUID(w, r, "webhook_id")
	if !ok {
		return
	}
	ping, err := s.engine.PingWebhook(r.Context(), webhookID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ping)
}

func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	webhookID, ok := s.pathUUID(w, r, "webhook_id")
	if !ok {
		return
	}
	logs, err := s.engine.WebhookLogs(r.Context(), webhookID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

type createNotificationRequest struct {
	Container string                    `json:"container"`
	Config    models.NotificationConfig `json:"config"`
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if !s.decode(w, r, &req) {
		return
	}
	notification, err := s.engine.CreateNotification(r.Context(), req.Container, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, notification)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.ListNotifications(r.Context(), r.URL.Query().Get("container"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	notificationID, ok := s.pathUUID(w, r, "notification_id")
	if !ok {
		return
	}
	if err := s.engine.DeleteNotification(r.Context(), mux.Vars(r)["container"], notificationID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleGetInstanceConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.GetInstanceConfig(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateInstanceConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.InstanceConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	updated, err := s.engine.UpdateInstanceConfig(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}
