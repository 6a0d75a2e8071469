package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/googlesignin/internal/middleware"
	"github.com/hitoshi/googlesignin/internal/model"
)

const (
	defaultAuditLimit = 20
	maxAuditLimit     = 100
)

// AuditLister は監査レコードの一覧取得インターフェース。
type AuditLister interface {
	Recent(ctx context.Context, limit int) ([]*model.AuthEvent, error)
	Enabled() bool
}

// auditEventResponse は監査レコードのJSON表現。
type auditEventResponse struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Outcome      string    `json:"outcome"`
	UserID       string    `json:"user_id,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewAuditHandler は直近のサインイン結果を返すハンドラーを返す。
// GET /audit/recent?limit=N
func NewAuditHandler(lister AuditLister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !lister.Enabled() {
			middleware.WriteErrorResponse(w, http.StatusNotFound, "AUDIT_DISABLED", "audit store is not configured")
			return
		}

		limit := defaultAuditLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				middleware.WriteErrorResponse(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
				return
			}
			limit = min(n, maxAuditLimit)
		}

		events, err := lister.Recent(r.Context(), limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list auth events", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}

		resp := make([]auditEventResponse, 0, len(events))
		for _, e := range events {
			resp = append(resp, auditEventResponse{
				ID:           e.ID,
				RequestID:    e.RequestID,
				Outcome:      string(e.Outcome),
				UserID:       e.UserID,
				ErrorCode:    e.ErrorCode,
				ErrorMessage: e.ErrorMessage,
				DurationMS:   e.Duration.Milliseconds(),
				CreatedAt:    e.CreatedAt,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"events": resp})
	}
}
