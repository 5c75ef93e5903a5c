package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"dca_engine/internal/config"
	"dca_engine/internal/core"
)

// webhookResponse is the body returned for every routed signal. Status is
// one of accepted, queued, rejected:<reason>, exited, no_active_position.
type webhookResponse struct {
	Status   string `json:"status"`
	GroupID  string `json:"group_id,omitempty"`
	SignalID string `json:"signal_id,omitempty"`
}

// handleSignal validates the TradingView payload and hands it to the
// router. Rejections are final decisions and answer 200 so the upstream
// does not retry them; only transport and engine failures are non-2xx.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var payload core.SignalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "rejected:malformed_payload"})
		return
	}
	if err := validateSignal(&payload); err != nil {
		s.logger.Info("Webhook payload rejected",
			"user_id", payload.UserID,
			"error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "rejected:invalid_payload"})
		return
	}

	result, err := s.router.Route(r.Context(), &payload)
	if err != nil {
		s.logger.Error("Signal routing failed",
			"user_id", payload.UserID,
			"symbol", payload.TV.Symbol,
			"error", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Status: "error"})
		return
	}

	resp := webhookResponse{Status: string(result.Outcome)}
	if result.Outcome == core.RouteRejected && result.Reason != "" {
		resp.Status = string(core.RouteRejected) + ":" + result.Reason
	}
	if result.GroupID != uuid.Nil {
		resp.GroupID = result.GroupID.String()
	}
	if result.SignalID != uuid.Nil {
		resp.SignalID = result.SignalID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// validateSignal enforces the webhook schema before anything touches the
// engine. Authentication and rate limiting live upstream.
func validateSignal(p *core.SignalPayload) error {
	if p.UserID == uuid.Nil {
		return config.ValidationError{Field: "user_id", Value: p.UserID, Message: "is required"}
	}
	if p.TV.Exchange == "" {
		return config.ValidationError{Field: "tv.exchange", Value: p.TV.Exchange, Message: "is required"}
	}
	if p.TV.Symbol == "" {
		return config.ValidationError{Field: "tv.symbol", Value: p.TV.Symbol, Message: "is required"}
	}
	if p.TV.Timeframe == "" {
		return config.ValidationError{Field: "tv.timeframe", Value: p.TV.Timeframe, Message: "is required"}
	}
	if p.TV.Action != core.OrderSideBuy && p.TV.Action != core.OrderSideSell {
		return config.ValidationError{Field: "tv.action", Value: p.TV.Action, Message: "must be buy or sell"}
	}
	if !p.TV.EntryPrice.IsPositive() {
		return config.ValidationError{Field: "tv.entry_price", Value: p.TV.EntryPrice, Message: "must be positive"}
	}
	if p.Intent.Type != core.IntentSignal && p.Intent.Type != core.IntentExit {
		return config.ValidationError{Field: "execution_intent.type", Value: p.Intent.Type, Message: "must be signal or exit"}
	}
	if p.Intent.Side != "" && p.Intent.Side != core.SideLong && p.Intent.Side != core.SideShort {
		return config.ValidationError{Field: "execution_intent.side", Value: p.Intent.Side, Message: "must be long or short"}
	}
	return nil
}
