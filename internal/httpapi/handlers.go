package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
)

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	var body checkoutBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.lifecycle.Checkout(r.Context(), body.toRequest(r.Header.Get(IdempotencyKeyHeader)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replay {
		status = http.StatusOK
	}
	writeJSON(w, status, checkoutView{Order: newOrderView(result.Order), Replay: result.Replay})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.lifecycle.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.lifecycle.Timeline(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]timelineEventView, 0, len(events))
	for _, event := range events {
		views = append(views, timelineEventView{
			Type:     event.Type,
			Status:   string(event.Status),
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if _, err := s.lifecycle.GetOrder(r.Context(), orderID); err != nil {
		s.writeError(w, r, err)
		return
	}

	entries, err := s.ledger.ListByOrder(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]ledgerEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, ledgerEntryView{
			ID:             entry.ID,
			Type:           string(entry.Type),
			EntityID:       entry.EntityID,
			EntityCode:     entry.EntityCode,
			Status:         string(entry.Status),
			AmountMinor:    entry.AmountMinor,
			IdempotencyKey: entry.IdempotencyKey,
			Details:        entry.Details,
			CreatedAt:      entry.CreatedAt,
			UpdatedAt:      entry.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (s *Server) getReservations(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if _, err := s.lifecycle.GetOrder(r.Context(), orderID); err != nil {
		s.writeError(w, r, err)
		return
	}

	holds, err := s.reservations.ListByOwner(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]reservationView, 0, len(holds))
	for _, hold := range holds {
		views = append(views, reservationView{
			ID:        hold.ID,
			VariantID: hold.VariantID,
			Qty:       hold.Qty,
			Status:    string(hold.Status),
			ExpiresAt: hold.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": views})
}

func (s *Server) paymentOutcome(w http.ResponseWriter, r *http.Request) {
	var body paymentOutcomeBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	order, err := s.lifecycle.HandlePaymentOutcome(r.Context(), chi.URLParam(r, "orderID"), *body.Success)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = lifecycle.ReasonOperatorCancel
	}

	order, err := s.lifecycle.Cancel(r.Context(), chi.URLParam(r, "orderID"), reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Server) transitionOrder(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	to := domain.OrderStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	order, err := s.lifecycle.Transition(r.Context(), chi.URLParam(r, "orderID"), to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Server) getStock(w http.ResponseWriter, r *http.Request) {
	level, err := s.reservations.Stock(r.Context(), chi.URLParam(r, "variantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStockView(level))
}

func (s *Server) receiveStock(w http.ResponseWriter, r *http.Request) {
	var body receiptBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	level, err := s.reservations.Receive(r.Context(), chi.URLParam(r, "variantID"), body.Qty)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStockView(level))
}

func (s *Server) upsertInstrument(w http.ResponseWriter, r *http.Request) {
	var body instrumentBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	t := domain.TransactionType(strings.ToUpper(chi.URLParam(r, "type")))
	if !t.Valid() {
		s.writeError(w, r, domain.ErrTransactionTypeInvalid)
		return
	}

	instrument := body.toDomain(t, chi.URLParam(r, "code"))
	if err := s.instruments.Upsert(r.Context(), instrument); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     instrument.ID,
		"type":   instrument.Type,
		"code":   instrument.Code,
		"active": instrument.Active,
	})
}

func (s *Server) triggerSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil || s.sweepSecret == "" {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: apiError{Code: codeFeatureDisabled, Message: "manual sweep is disabled"}})
		return
	}
	provided := r.Header.Get(SweepSecretHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.sweepSecret)) != 1 {
		writeJSON(w, http.StatusForbidden, errorEnvelope{Error: apiError{Code: codeForbidden, Message: "invalid sweep secret"}})
		return
	}

	result, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepView{Expired: result.Expired, Skipped: result.Skipped})
}
