package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/vitalog/internal/model"
)

// DeviceServiceInterface は端末トークン管理のインターフェース。
type DeviceServiceInterface interface {
	Register(ctx context.Context, userID, token string) error
	Unregister(ctx context.Context, userID, token string) error
}

// AlarmScheduler は単発アラームの予約インターフェース。
// 時刻が未来でない場合はfalseを返し、予約しない。
type AlarmScheduler interface {
	ScheduleOneOff(ctx context.Context, token string, at time.Time, title, body string) (bool, error)
}

// DeviceHandler は端末トークンと単発アラームのHTTPハンドラー。
type DeviceHandler struct {
	devices DeviceServiceInterface
	alarms  AlarmScheduler
}

// NewDeviceHandler はDeviceHandlerを生成する。
func NewDeviceHandler(devices DeviceServiceInterface, alarms AlarmScheduler) *DeviceHandler {
	return &DeviceHandler{devices: devices, alarms: alarms}
}

type deviceRequest struct {
	Token string `json:"token"`
}

type alarmRequest struct {
	Token string `json:"token"`
	At    string `json:"at"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type alarmResponse struct {
	Message   string `json:"message"`
	Scheduled bool   `json:"scheduled"`
}

// RegisterDevice は端末トークンを登録する。
// POST /api/devices
func (h *DeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req deviceRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.devices.Register(r.Context(), userID, req.Token); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnregisterDevice は端末トークンを削除する。
// DELETE /api/devices/:token
func (h *DeviceHandler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.devices.Unregister(r.Context(), userID, chi.URLParam(r, "token")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ScheduleAlarm は単発アラームを予約する。時刻はRFC3339形式。
// 過去の時刻は予約せず scheduled=false を返す。
// POST /api/alarms
func (h *DeviceHandler) ScheduleAlarm(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}

	var req alarmRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("token", "端末トークンを指定してください"))
		return
	}
	at, err := time.Parse(time.RFC3339, req.At)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidAlarmTimeError())
		return
	}

	scheduled, err := h.alarms.ScheduleOneOff(r.Context(), req.Token, at, req.Title, req.Body)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	message := "アラームを予約しました。"
	if !scheduled {
		message = "指定時刻を過ぎているためアラームは予約されませんでした。"
	}
	writeJSON(w, http.StatusOK, alarmResponse{Message: message, Scheduled: scheduled})
}
