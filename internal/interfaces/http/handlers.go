package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/collateralhq/loanwatch/internal/domain"
	"github.com/collateralhq/loanwatch/internal/store"
)

// loanView is the dashboard read model: the loan plus everything derived
// from the last aggregated price.
type loanView struct {
	domain.Loan
	CurrentPrice     float64         `json:"current_price,omitempty"`
	CurrentLTV       float64         `json:"current_ltv,omitempty"`
	RiskTier         domain.RiskTier `json:"risk_tier,omitempty"`
	MarginCallPrice  float64         `json:"margin_call_price"`
	LiquidationPrice float64         `json:"liquidation_price"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"metrics":   s.metrics.Snapshot(),
	}
	if s.oracle != nil {
		health["sources"] = s.oracle.SourceStates()
	}
	if update, err := s.store.GetLastPrice(r.Context()); err == nil {
		health["last_price"] = update
		if time.Since(update.Time()) > time.Minute {
			health["status"] = "degraded"
		}
	} else {
		health["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	update, err := s.store.GetLastPrice(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no price available yet")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read price")
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	eventType := domain.SystemEventType(r.URL.Query().Get("type"))
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.bus.Events(eventType, limit))
}

type createLoanRequest struct {
	LoanAmountUSD  float64 `json:"loan_amount_usd"`
	BTCCollateral  float64 `json:"btc_collateral"`
	MarginCallLTV  float64 `json:"margin_call_ltv"`
	LiquidationLTV float64 `json:"liquidation_ltv"`
	InterestRate   float64 `json:"interest_rate"`
	EndDate        string  `json:"end_date"`
	Lender         string  `json:"lender"`
	ChatID         int64   `json:"chat_id"`
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	loan := domain.Loan{
		Token:          domain.NewLoanToken(),
		LoanAmountUSD:  req.LoanAmountUSD,
		BTCCollateral:  req.BTCCollateral,
		MarginCallLTV:  req.MarginCallLTV,
		LiquidationLTV: req.LiquidationLTV,
		InterestRate:   req.InterestRate,
		EndDate:        req.EndDate,
		Lender:         req.Lender,
		ChatID:         req.ChatID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := loan.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateLoan(r.Context(), loan); err != nil {
		log.Error().Err(err).Msg("Failed to create loan")
		writeError(w, http.StatusInternalServerError, "failed to create loan")
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loan, ok := s.loanFromRequest(w, r)
	if !ok {
		return
	}

	view := loanView{
		Loan:             *loan,
		MarginCallPrice:  loan.MarginCallPrice(),
		LiquidationPrice: loan.LiquidationPrice(),
	}
	if update, err := s.store.GetLastPrice(r.Context()); err == nil {
		view.CurrentPrice = update.Price
		view.CurrentLTV = loan.LTV(update.Price)
		view.RiskTier = loan.RiskTier(update.Price)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteLoan(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromRequest(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteLoan(r.Context(), token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "loan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete loan")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	loan, ok := s.loanFromRequest(w, r)
	if !ok {
		return
	}

	priceAlerts, err := s.store.GetAllPriceAlerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	ltvAlerts, err := s.store.GetAllLtvAlerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	out := map[string]interface{}{
		"price_alerts": []domain.PriceAlert{},
		"ltv_alerts":   []domain.LtvAlert{},
	}
	price := []domain.PriceAlert{}
	for _, a := range priceAlerts {
		if a.Token == loan.Token {
			price = append(price, a)
		}
	}
	ltv := []domain.LtvAlert{}
	for _, a := range ltvAlerts {
		if a.Token == loan.Token {
			ltv = append(ltv, a)
		}
	}
	out["price_alerts"] = price
	out["ltv_alerts"] = ltv
	writeJSON(w, http.StatusOK, out)
}

type createAlertRequest struct {
	Threshold float64               `json:"threshold"`
	Direction domain.AlertDirection `json:"direction"`
}

func (s *Server) handleCreatePriceAlert(w http.ResponseWriter, r *http.Request) {
	loan, ok := s.loanFromRequest(w, r)
	if !ok {
		return
	}
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	alert, err := domain.NewPriceAlert(loan.Token, req.Threshold, req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreatePriceAlert(r.Context(), *alert); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleDeletePriceAlert(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loanFromRequest(w, r); !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.store.DeletePriceAlert(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete alert")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateLtvAlert(w http.ResponseWriter, r *http.Request) {
	loan, ok := s.loanFromRequest(w, r)
	if !ok {
		return
	}
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	alert, err := domain.NewLtvAlert(loan.Token, req.Threshold, req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateLtvAlert(r.Context(), *alert); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleDeleteLtvAlert(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loanFromRequest(w, r); !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteLtvAlert(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete alert")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tokenFromRequest validates the 48-hex loan token path variable.
// Possession of the token is the sole read authority.
func tokenFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := mux.Vars(r)["token"]
	if !domain.ValidToken(token) {
		writeError(w, http.StatusBadRequest, "invalid loan token")
		return "", false
	}
	return token, true
}

func (s *Server) loanFromRequest(w http.ResponseWriter, r *http.Request) (*domain.Loan, bool) {
	token, ok := tokenFromRequest(w, r)
	if !ok {
		return nil, false
	}
	loan, err := s.store.GetLoan(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "loan not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read loan")
		return nil, false
	}
	return loan, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
