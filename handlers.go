package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"pillpal-hub/internal/devicelink"
	"pillpal-hub/internal/dispenser"
	"pillpal-hub/pkg/models"

	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. An out-of-window
// dispense gets a distinct flag so the dashboard can offer the override.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"error": err.Error()}

	switch {
	case errors.Is(err, dispenser.ErrOutsideWindow):
		body["window_override_required"] = true
		writeJSON(w, http.StatusPreconditionFailed, body)
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, body)
	case errors.Is(err, dispenser.ErrAlreadyDone),
		errors.Is(err, dispenser.ErrFrameNotActive),
		errors.Is(err, dispenser.ErrBlockedByEarlierFrame),
		errors.Is(err, dispenser.ErrNotToday),
		errors.Is(err, dispenser.ErrNothingDue):
		writeJSON(w, http.StatusPreconditionFailed, body)
	case errors.Is(err, dispenser.ErrBusy),
		errors.Is(err, dispenser.ErrNoPendingConfirmation):
		writeJSON(w, http.StatusConflict, body)
	case errors.Is(err, dispenser.ErrDeviceOffline),
		errors.Is(err, devicelink.ErrNotConnected),
		errors.Is(err, devicelink.ErrConnectionTimeout),
		errors.Is(err, devicelink.ErrConnectionError),
		errors.Is(err, devicelink.ErrRequestTimeout):
		writeJSON(w, http.StatusServiceUnavailable, body)
	default:
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

func effectiveUserID(ctx context.Context) (string, error) {
	ow, err := resolver.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return ow.EffectiveUserID, nil
}

// --- Status endpoints ---

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := db.GetConnection().Ping(); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status":           status,
		"device_connected": deviceClient.IsConnected(),
		"time":             time.Now().Format(time.RFC3339),
	})
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	dbStatus := false
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := db.GetConnection().PingContext(ctx); err == nil {
		dbStatus = true
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":            formatDuration(time.Since(startTime)),
		"db_status":         dbStatus,
		"device_connected":  deviceClient.IsConnected(),
		"device_url":        deviceClient.CurrentURL(),
		"dispenser_state":   orchestrator.State(),
		"last_known_angle":  orchestrator.LastKnownAngle(),
		"dashboard_clients": eventHub.ClientCount(),
		"workers":           manager.GetStats(),
		"timestamp":         time.Now().Unix(),
	})
}

func logsHandler(w http.ResponseWriter, r *http.Request) {
	logsMutex.RLock()
	defer logsMutex.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": serverLogs,
	})
}

// --- Schedule endpoints ---

func scheduleHandler(w http.ResponseWriter, r *http.Request) {
	current := holder.Current()
	if current == nil {
		if err := holder.Refresh(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		current = holder.Current()
	}

	writeJSON(w, http.StatusOK, current)
}

type setFrameRequest struct {
	Slot                models.Slot  `json:"slot"`
	Frame               models.Frame `json:"frame"`
	Time                string       `json:"time"`
	RequireConfirmation bool         `json:"require_confirmation"`
}

func setFrameHandler(w http.ResponseWriter, r *http.Request) {
	var req setFrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	userID, err := effectiveUserID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if err := db.SetFrameSchedule(r.Context(), userID, req.Slot, req.Frame, req.Time, req.RequireConfirmation); err != nil {
		writeError(w, err)
		return
	}

	if err := holder.Refresh(r.Context()); err != nil {
		log.Printf("⚠️  Snapshot refresh after edit failed: %v", err)
	}
	go syncDeviceDisplay()

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type addMedicationRequest struct {
	Slot  models.Slot  `json:"slot"`
	Frame models.Frame `json:"frame"`
	Name  string       `json:"name"`
}

func addMedicationHandler(w http.ResponseWriter, r *http.Request) {
	var req addMedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "medication name is required"})
		return
	}

	userID, err := effectiveUserID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := db.AddMedication(r.Context(), userID, req.Slot, req.Frame, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := holder.Refresh(r.Context()); err != nil {
		log.Printf("⚠️  Snapshot refresh after edit failed: %v", err)
	}
	go syncDeviceDisplay()

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func removeMedicationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid medication id"})
		return
	}

	userID, err := effectiveUserID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if err := db.RemoveMedication(r.Context(), userID, id); err != nil {
		writeError(w, err)
		return
	}

	if err := holder.Refresh(r.Context()); err != nil {
		log.Printf("⚠️  Snapshot refresh after edit failed: %v", err)
	}
	go syncDeviceDisplay()

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func historyHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	userID, err := effectiveUserID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := db.RecentHistory(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// --- Dispense endpoints ---

type dispenseRequest struct {
	Slot                models.Slot  `json:"slot"`
	Frame               models.Frame `json:"frame"`
	SkipTimeWindowCheck bool         `json:"skip_time_window_check"`
}

func dispenseHandler(w http.ResponseWriter, r *http.Request) {
	var req dispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	err := orchestrator.Dispense(r.Context(), req.Slot, req.Frame, dispenser.Options{
		SkipTimeWindowCheck: req.SkipTimeWindowCheck,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": orchestrator.State(),
	})
}

type confirmRequest struct {
	Accept bool `json:"accept"`
}

func confirmHandler(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	if err := orchestrator.Confirm(r.Context(), req.Accept); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": orchestrator.State(),
	})
}

func forceDispenseHandler(w http.ResponseWriter, r *http.Request) {
	if err := orchestrator.ForceDispense(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": orchestrator.State(),
	})
}

// --- Membership endpoints ---

type membershipRespondRequest struct {
	OwnerUserID string `json:"owner_user_id"`
	Accept      bool   `json:"accept"`
}

func membershipRespondHandler(w http.ResponseWriter, r *http.Request) {
	var req membershipRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	session, err := db.CurrentSession(r.Context())
	if err != nil && session == nil {
		writeError(w, err)
		return
	}

	status := models.MembershipRejected
	if req.Accept {
		status = models.MembershipAccepted
	}

	if err := db.UpdateMembershipStatus(r.Context(), req.OwnerUserID, session.UserID, status); err != nil {
		writeError(w, err)
		return
	}

	// The answer changes whose data we act on: recompute and reload.
	resolver.Invalidate()
	holder.Invalidate()
	if _, err := resolver.Resolve(r.Context()); err != nil {
		log.Printf("⚠️  Ownership re-resolution failed: %v", err)
	}
	if err := holder.Refresh(r.Context()); err != nil {
		log.Printf("⚠️  Snapshot reload failed: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
