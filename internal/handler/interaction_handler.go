package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/vitalog/internal/interaction"
	"github.com/hitoshi/vitalog/internal/model"
)

// InteractionServiceInterface は相互作用チェックハンドラーが必要とするサービスインターフェース。
type InteractionServiceInterface interface {
	CheckInteractions(ctx context.Context, userID string, names []string) (interaction.Result, error)
	CheckInteractionsByID(ctx context.Context, userID string, ids []string) (interaction.Result, error)
	AddRecord(ctx context.Context, medicationA, medicationB, warning string) (*model.InteractionRecord, error)
}

// AuditServiceInterface は監査ログの記録と一覧取得のインターフェース。
type AuditServiceInterface interface {
	Record(ctx context.Context, kind, description, userID string) (*model.InteractionLogEntry, error)
	List(ctx context.Context, userID string) ([]*model.InteractionLogEntry, error)
}

// InteractionHandler は相互作用チェックと監査ログのHTTPハンドラー。
type InteractionHandler struct {
	service InteractionServiceInterface
	audit   AuditServiceInterface
}

// NewInteractionHandler はInteractionHandlerを生成する。
func NewInteractionHandler(service InteractionServiceInterface, audit AuditServiceInterface) *InteractionHandler {
	return &InteractionHandler{service: service, audit: audit}
}

type checkByNameRequest struct {
	MedicationNames []string `json:"medicationNames"`
}

type checkByIDRequest struct {
	MedicationIDs []string `json:"medicationIds"`
}

type registerEventRequest struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

type addRecordRequest struct {
	MedicationA string `json:"medicationA"`
	MedicationB string `json:"medicationB"`
	Warning     string `json:"warning"`
}

// logEntryResponse は監査ログのAPIレスポンス。
type logEntryResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// recordResponse は相互作用レコードのAPIレスポンス。
type recordResponse struct {
	ID          string    `json:"id"`
	MedicationA string    `json:"medicationA"`
	MedicationB string    `json:"medicationB"`
	Warning     string    `json:"warning"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toLogEntryResponse(e *model.InteractionLogEntry) logEntryResponse {
	return logEntryResponse{
		ID:          e.ID,
		UserID:      e.UserID,
		Kind:        string(e.Kind),
		Description: e.Description,
		CreatedAt:   e.CreatedAt,
	}
}

// CheckByName は薬名リストの相互作用をチェックする。
// POST /api/interactions/check
func (h *InteractionHandler) CheckByName(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req checkByNameRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.service.CheckInteractions(r.Context(), userID, req.MedicationNames)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CheckByID は薬IDリストの相互作用をチェックする。
// POST /api/interactions
func (h *InteractionHandler) CheckByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req checkByIDRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.service.CheckInteractionsByID(r.Context(), userID, req.MedicationIDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RegisterEvent は利用者のイベントを監査ログに記録する。
// POST /api/interactions/registrar
func (h *InteractionHandler) RegisterEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req registerEventRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	entry, err := h.audit.Record(r.Context(), req.Kind, req.Description, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLogEntryResponse(entry))
}

// ListLog はユーザーの監査ログを新しい順に返す。
// GET /api/interactions/log
func (h *InteractionHandler) ListLog(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	entries, err := h.audit.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = toLogEntryResponse(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddRecord はローカル知識ベースに相互作用レコードを追加する。
// POST /api/interactions/records
func (h *InteractionHandler) AddRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}

	var req addRecordRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	rec, err := h.service.AddRecord(r.Context(), req.MedicationA, req.MedicationB, req.Warning)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordResponse{
		ID:          rec.ID,
		MedicationA: rec.MedicationA,
		MedicationB: rec.MedicationB,
		Warning:     rec.Warning,
		CreatedAt:   rec.CreatedAt,
	})
}
