package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"forge/internal/db"
	"forge/internal/notify"
	"forge/internal/settings"
)

// ─── Service CRUD ────────────────────────────────────────────────────────

// ListNotificationServices returns all configured services.
// GET /api/notifications/services
func ListNotificationServices(w http.ResponseWriter, r *http.Request) {
	services, err := notify.ListServices(db.DB)
	if err != nil {
		log.Printf("❌ List notification services: %v", err)
		JSONError(w, "Failed to list services", http.StatusInternalServerError)
		return
	}
	if services == nil {
		services = []notify.NotificationService{}
	}
	JSONResponse(w, services)
}

// GetNotificationService returns a single service with its event rules.
// GET /api/notifications/services/{id}
func GetNotificationService(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}

	svc, err := notify.GetService(db.DB, id)
	if err != nil {
		log.Printf("❌ Get notification service: %v", err)
		JSONError(w, "Failed to get service", http.StatusInternalServerError)
		return
	}
	if svc == nil {
		JSONError(w, "Service not found", http.StatusNotFound)
		return
	}

	rules, _ := notify.GetEventRules(db.DB, id)
	if rules == nil {
		rules = []notify.EventRule{}
	}

	JSONResponse(w, map[string]interface{}{
		"service":     svc,
		"event_rules": rules,
	})
}

// CreateNotificationService adds a new service.
// POST /api/notifications/services
func CreateNotificationService(w http.ResponseWriter, r *http.Request) {
	var svc notify.NotificationService
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if svc.Name == "" || svc.ServiceType == "" {
		JSONError(w, "name and service_type are required", http.StatusBadRequest)
		return
	}
	if svc.ConfigJSON == "" {
		JSONError(w, "config_json is required", http.StatusBadRequest)
		return
	}

	id, err := notify.CreateService(db.DB, &svc)
	if err != nil {
		log.Printf("❌ Create notification service: %v", err)
		JSONError(w, "Failed to create service", http.StatusInternalServerError)
		return
	}
	svc.ID = id

	log.Printf("🔔 Notification service created: %s (%s)", svc.Name, svc.ServiceType)
	JSONResponse(w, svc)
}

// UpdateNotificationService updates an existing service.
// PUT /api/notifications/services/{id}
func UpdateNotificationService(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}

	var svc notify.NotificationService
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	svc.ID = id

	if err := notify.UpdateService(db.DB, &svc); err != nil {
		JSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	JSONResponse(w, svc)
}

// DeleteNotificationService removes a service.
// DELETE /api/notifications/services/{id}
func DeleteNotificationService(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}

	if err := notify.DeleteService(db.DB, id); err != nil {
		JSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// ─── Event rules ─────────────────────────────────────────────────────────

// UpsertNotificationRule sets a per-event rule for a service.
// PUT /api/notifications/services/{id}/rules
func UpsertNotificationRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}

	var rule notify.EventRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if rule.EventType == "" {
		JSONError(w, "event_type is required", http.StatusBadRequest)
		return
	}
	rule.ServiceID = id

	if err := notify.UpsertEventRule(db.DB, &rule); err != nil {
		log.Printf("❌ Upsert notification rule: %v", err)
		JSONError(w, "Failed to save rule", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, rule)
}

// ─── Test fire & history ─────────────────────────────────────────────────

// TestNotificationService sends a test message through a service.
// POST /api/notifications/services/{id}/test
func TestNotificationService(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}

	svc, err := notify.GetService(db.DB, id)
	if err != nil || svc == nil {
		JSONError(w, "Service not found", http.StatusNotFound)
		return
	}

	var cfg struct {
		ShoutrrrURL string `json:"shoutrrr_url"`
	}
	if err := json.Unmarshal([]byte(svc.ConfigJSON), &cfg); err != nil || cfg.ShoutrrrURL == "" {
		JSONError(w, "Service has no shoutrrr_url configured", http.StatusBadRequest)
		return
	}

	sender := NotifySender
	if sender == nil {
		sender = notify.ShoutrrrSender{}
	}
	if err := sender.Send(cfg.ShoutrrrURL, "Test notification from the plugin build server"); err != nil {
		JSONError(w, err.Error(), http.StatusBadGateway)
		return
	}
	JSONResponse(w, map[string]string{"status": "sent"})
}

// GetNotificationHistory returns recent notification attempts.
// GET /api/notifications/history
func GetNotificationHistory(w http.ResponseWriter, r *http.Request) {
	limit := settings.GetIntSettingWithDefault(db.DB, "notifications", "history_limit", 100)

	history, err := notify.RecentHistory(db.DB, limit)
	if err != nil {
		log.Printf("❌ Notification history: %v", err)
		JSONError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []notify.NotificationRecord{}
	}
	JSONResponse(w, history)
}
