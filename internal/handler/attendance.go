package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"worktrack/internal/i18n"
	"worktrack/internal/model"
	"worktrack/internal/service"
)

// AttendanceHandler is the thin HTTP surface over the attendance
// service. Authentication, role checks and request validation belong
// to the hosting process; this layer only decodes, dispatches and maps
// domain errors.
type AttendanceHandler struct {
	svc *service.Attendance
	log *slog.Logger
}

func NewAttendanceHandler(svc *service.Attendance, log *slog.Logger) *AttendanceHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AttendanceHandler{svc: svc, log: log}
}

// RegisterRoutes wires the attendance endpoints onto the mux.
func (h *AttendanceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/attendance/check-in", h.HandleCheckIn)
	mux.HandleFunc("POST /api/attendance/check-out", h.HandleCheckOut)
	mux.HandleFunc("POST /api/attendance/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("POST /api/attendance/break/start", h.HandleStartBreak)
	mux.HandleFunc("POST /api/attendance/break/end", h.HandleEndBreak)
	mux.HandleFunc("GET /api/attendance/today", h.HandleToday)
	mux.HandleFunc("GET /api/attendance/history", h.HandleHistory)
}

type checkInRequest struct {
	UserID   uuid.UUID      `json:"user_id"`
	Location datatypes.JSON `json:"location,omitempty"`
}

type heartbeatRequest struct {
	UserID uuid.UUID               `json:"user_id"`
	Sample service.HeartbeatSample `json:"sample"`
}

type breakRequest struct {
	UserID   uuid.UUID      `json:"user_id"`
	Location datatypes.JSON `json:"location,omitempty"`
}

func (h *AttendanceHandler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rec, err := h.svc.CheckIn(r.Context(), req.UserID, service.CheckInOpts{
		IP:       clientIP(r),
		Location: req.Location,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AttendanceHandler) HandleCheckOut(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rec, err := h.svc.CheckOut(r.Context(), req.UserID, service.CheckOutOpts{
		IP:       clientIP(r),
		Location: req.Location,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AttendanceHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	res, err := h.svc.Heartbeat(r.Context(), req.UserID, req.Sample)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.AutoCheckedOut {
		writeJSON(w, http.StatusOK, map[string]any{
			"auto_checked_out": true,
			"message":          i18n.T(r.Context(), "attendance.auto_checked_out"),
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AttendanceHandler) HandleStartBreak(w http.ResponseWriter, r *http.Request) {
	var req breakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	b, err := h.svc.StartBreak(r.Context(), req.UserID, service.BreakOpts{Location: req.Location})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AttendanceHandler) HandleEndBreak(w http.ResponseWriter, r *http.Request) {
	var req breakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	b, err := h.svc.EndBreak(r.Context(), req.UserID, service.BreakOpts{Location: req.Location})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AttendanceHandler) HandleToday(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	live, err := h.svc.GetTodayAttendance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if live == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (h *AttendanceHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := uuid.Parse(q.Get("user_id"))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	recs, err := h.svc.GetAttendanceHistory(r.Context(), userID, q.Get("start"), q.Get("end"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// writeError maps domain rejections to their codes and hides
// everything else behind a generic internal error. The record context
// goes to the log, never to the response.
func (h *AttendanceHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	type errBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	var msgID string
	switch {
	case errors.Is(err, model.ErrNotCheckedIn):
		msgID = "attendance.not_checked_in"
	case errors.Is(err, model.ErrAlreadyCheckedIn):
		msgID = "attendance.already_checked_in"
	case errors.Is(err, model.ErrAlreadyCheckedOut):
		msgID = "attendance.already_checked_out"
	case errors.Is(err, model.ErrBreakAlreadyStarted):
		msgID = "attendance.break_already_started"
	case errors.Is(err, model.ErrNoActiveBreak):
		msgID = "attendance.no_active_break"
	default:
		h.log.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errBody{
			Code:    "STORE_ERROR",
			Message: i18n.T(r.Context(), "error.internal"),
		})
		return
	}
	writeJSON(w, http.StatusConflict, errBody{
		Code:    err.Error(),
		Message: i18n.T(r.Context(), msgID),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
