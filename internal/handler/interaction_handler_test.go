package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"testing"

	"github.com/hitoshi/vitalog/internal/interaction"
	"github.com/hitoshi/vitalog/internal/model"
)

func TestInteractionHandler_CheckByName(t *testing.T) {
	deps := testRouterDeps(t)
	deps.InteractionService = &mockInteractionService{
		checkFn: func(ctx context.Context, userID string, names []string) (interaction.Result, error) {
			if !reflect.DeepEqual(names, []string{"Warfarin 5mg", "Aspirin"}) {
				t.Errorf("names = %v", names)
			}
			return interaction.Result{HasInteraction: true, Warnings: []string{"Risco de sangramento"}}, nil
		},
	}

	w := doRequest(t, NewRouter(deps), http.MethodPost, "/api/interactions/check", map[string]any{
		"medicationNames": []string{"Warfarin 5mg", "Aspirin"},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		HasInteraction bool     `json:"hasInteraction"`
		Warnings       []string `json:"warnings"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !resp.HasInteraction || len(resp.Warnings) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInteractionHandler_CheckByID_TooFew(t *testing.T) {
	deps := testRouterDeps(t)
	deps.InteractionService = &mockInteractionService{
		checkByIDFn: func(ctx context.Context, userID string, ids []string) (interaction.Result, error) {
			return interaction.Result{}, model.NewTooFewMedicationsError(len(ids))
		},
	}

	w := doRequest(t, NewRouter(deps), http.MethodPost, "/api/interactions", map[string]any{
		"medicationIds": []string{"only-one"},
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeTooFewMedications {
		t.Errorf("code = %q, want %q", code, model.ErrCodeTooFewMedications)
	}
}

func TestInteractionHandler_CheckByID_NotFound(t *testing.T) {
	deps := testRouterDeps(t)
	deps.InteractionService = &mockInteractionService{
		checkByIDFn: func(ctx context.Context, userID string, ids []string) (interaction.Result, error) {
			return interaction.Result{}, model.NewMedicationNotFoundError(ids[1])
		},
	}

	w := doRequest(t, NewRouter(deps), http.MethodPost, "/api/interactions", map[string]any{
		"medicationIds": []string{"a", "b"},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestInteractionHandler_RegisterEvent(t *testing.T) {
	deps := testRouterDeps(t)
	deps.AuditService = &mockAuditService{
		recordFn: func(ctx context.Context, kind, description, userID string) (*model.InteractionLogEntry, error) {
			if kind == "bogus" {
				return nil, model.NewInvalidLogKindError(kind)
			}
			return &model.InteractionLogEntry{ID: "log-1", Kind: model.LogKind(kind), Description: description, UserID: userID}, nil
		},
	}
	router := NewRouter(deps)

	w := doRequest(t, router, http.MethodPost, "/api/interactions/registrar", map[string]any{
		"kind": "removed_warning", "description": "aviso removido",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var resp logEntryResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Kind != "removed_warning" || resp.UserID != testUserID {
		t.Errorf("resp = %+v", resp)
	}

	w = doRequest(t, router, http.MethodPost, "/api/interactions/registrar", map[string]any{
		"kind": "bogus", "description": "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestInteractionHandler_ListLog_EmptyArray(t *testing.T) {
	w := doRequest(t, NewRouter(testRouterDeps(t)), http.MethodGet, "/api/interactions/log", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want %q", body, "[]\n")
	}
}

func TestInteractionHandler_AddRecord(t *testing.T) {
	deps := testRouterDeps(t)
	deps.InteractionService = &mockInteractionService{
		addRecordFn: func(ctx context.Context, a, b, warning string) (*model.InteractionRecord, error) {
			if a == "" {
				return nil, model.NewValidationError("medicationA", "薬名を指定してください")
			}
			return &model.InteractionRecord{ID: "rec-9", MedicationA: a, MedicationB: b, Warning: warning}, nil
		},
	}
	router := NewRouter(deps)

	w := doRequest(t, router, http.MethodPost, "/api/interactions/records", map[string]any{
		"medicationA": "warfarin", "medicationB": "aspirin", "warning": "sangramento",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	w = doRequest(t, router, http.MethodPost, "/api/interactions/records", map[string]any{"medicationB": "aspirin"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
