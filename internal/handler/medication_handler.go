package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/vitalog/internal/medication"
	"github.com/hitoshi/vitalog/internal/model"
	"github.com/hitoshi/vitalog/internal/reminder"
)

// MedicationServiceInterface は薬ハンドラーが必要とするサービスインターフェース。
type MedicationServiceInterface interface {
	List(ctx context.Context, userID string) ([]*model.Medication, error)
	FindByQRCode(ctx context.Context, userID, identifier string) (*model.Medication, error)
	Create(ctx context.Context, userID string, in medication.CreateInput) (*model.Medication, error)
	Update(ctx context.Context, userID, medicationID string, in medication.UpdateInput) (*model.Medication, error)
	Delete(ctx context.Context, userID, medicationID string) error
	AcknowledgeDose(ctx context.Context, userID, medicationID string, in medication.DoseInput) (*model.Medication, error)
}

// MedicationHandler は薬管理のHTTPハンドラー。
// locは日付のみの有効期限を解釈するタイムゾーン（リマインダーと同じ）。
type MedicationHandler struct {
	service MedicationServiceInterface
	loc     *time.Location
}

// NewMedicationHandler はMedicationHandlerを生成する。locがnilの場合はUTCを使用する。
func NewMedicationHandler(service MedicationServiceInterface, loc *time.Location) *MedicationHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &MedicationHandler{service: service, loc: loc}
}

// medicationResponse は薬情報のAPIレスポンス。
type medicationResponse struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	Name             string          `json:"name"`
	Dosage           string          `json:"dosage"`
	Schedules        []string        `json:"schedules"`
	ExpirationDate   *time.Time      `json:"expirationDate,omitempty"`
	QRCodeIdentifier *string         `json:"qrCodeIdentifier,omitempty"`
	DosesTaken       map[string]bool `json:"dosesTaken"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// medicationRequest は薬の登録・更新リクエストのボディ。
// expirationDate は "YYYY-MM-DD" またはRFC3339。
type medicationRequest struct {
	Name             string   `json:"name"`
	Dosage           string   `json:"dosage"`
	Schedules        []string `json:"schedules"`
	ExpirationDate   string   `json:"expirationDate"`
	QRCodeIdentifier *string  `json:"qrCodeIdentifier"`
}

// expiration は有効期限を解釈する。不正な形式の場合はバリデーションエラーを書き込みfalseを返す。
func (h *MedicationHandler) expiration(w http.ResponseWriter, raw string) (*time.Time, bool) {
	t, err := reminder.ParseExpiration(raw, h.loc)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("expirationDate", "YYYY-MM-DD またはRFC3339形式で指定してください"))
		return nil, false
	}
	return t, true
}

// doseRequest は服薬確認リクエストのボディ。takenを省略した場合は服用済みとする。
type doseRequest struct {
	Date  string `json:"date"`
	Slot  string `json:"slot"`
	Taken *bool  `json:"taken"`
}

func toMedicationResponse(m *model.Medication) medicationResponse {
	doses := m.DosesTaken
	if doses == nil {
		doses = map[string]bool{}
	}
	schedules := m.Schedules
	if schedules == nil {
		schedules = []string{}
	}
	return medicationResponse{
		ID:               m.ID,
		UserID:           m.UserID,
		Name:             m.Name,
		Dosage:           m.Dosage,
		Schedules:        schedules,
		ExpirationDate:   m.ExpirationDate,
		QRCodeIdentifier: m.QRCodeIdentifier,
		DosesTaken:       doses,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// ListMedications はユーザーの薬一覧を取得する。
// GET /api/medications
func (h *MedicationHandler) ListMedications(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	meds, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]medicationResponse, len(meds))
	for i, m := range meds {
		resp[i] = toMedicationResponse(m)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetByQRCode はQRコード識別子で薬を取得する。
// GET /api/medications/qr/:identifier
func (h *MedicationHandler) GetByQRCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	med, err := h.service.FindByQRCode(r.Context(), userID, chi.URLParam(r, "identifier"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationResponse(med))
}

// CreateMedication は薬を登録する。
// POST /api/medications
func (h *MedicationHandler) CreateMedication(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req medicationRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	expiration, ok := h.expiration(w, req.ExpirationDate)
	if !ok {
		return
	}

	med, err := h.service.Create(r.Context(), userID, medication.CreateInput{
		Name:             req.Name,
		Dosage:           req.Dosage,
		Schedules:        req.Schedules,
		ExpirationDate:   expiration,
		QRCodeIdentifier: req.QRCodeIdentifier,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMedicationResponse(med))
}

// UpdateMedication は薬を部分更新する。
// PUT /api/medications/:id
func (h *MedicationHandler) UpdateMedication(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req medicationRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	expiration, ok := h.expiration(w, req.ExpirationDate)
	if !ok {
		return
	}

	med, err := h.service.Update(r.Context(), userID, chi.URLParam(r, "id"), medication.UpdateInput{
		Name:             req.Name,
		Dosage:           req.Dosage,
		Schedules:        req.Schedules,
		ExpirationDate:   expiration,
		QRCodeIdentifier: req.QRCodeIdentifier,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationResponse(med))
}

// DeleteMedication は薬を削除する。
// DELETE /api/medications/:id
func (h *MedicationHandler) DeleteMedication(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AcknowledgeDose は服薬確認を記録する。
// PUT /api/medications/:id/doses
func (h *MedicationHandler) AcknowledgeDose(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req doseRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	taken := true
	if req.Taken != nil {
		taken = *req.Taken
	}

	med, err := h.service.AcknowledgeDose(r.Context(), userID, chi.URLParam(r, "id"), medication.DoseInput{
		Date:  req.Date,
		Slot:  req.Slot,
		Taken: taken,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationResponse(med))
}
