// Package api exposes the exchange engine over HTTP.
//
// Money travels as decimal strings with at most six fractional digits and
// is converted to fixed-point at this boundary; share quantities are
// integers. The caller identity comes from the bearer token.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-ledger/internal/auth"
	"github.com/atmx/exchange-ledger/internal/engine"
	"github.com/atmx/exchange-ledger/internal/model"
)

// Service holds the HTTP handlers.
type Service struct {
	eng             *engine.Engine
	issuer          *auth.Issuer
	allowTokenIssue bool
	logger          *slog.Logger
}

// NewService creates the HTTP service. allowTokenIssue exposes the
// self-service token endpoint used by simulations.
func NewService(eng *engine.Engine, issuer *auth.Issuer, allowTokenIssue bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{eng: eng, issuer: issuer, allowTokenIssue: allowTokenIssue, logger: logger}
}

// Routes mounts every /api/v1 endpoint on r. The WebSocket and metrics
// endpoints are mounted by the server.
func (s *Service) Routes(r chi.Router) {
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})

	if s.allowTokenIssue {
		r.Post("/auth/token", s.IssueToken)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.issuer.Middleware)

		// Registry and capital.
		r.Post("/agents", s.Register)
		r.Get("/agents/{identity}", s.GetAgent)
		r.Get("/agents/{identity}/holdings", s.GetHoldings)
		r.Get("/agents/{identity}/holdings/{symbol}", s.GetHolding)
		r.Get("/agents/{identity}/positions", s.GetAgentPositions)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)

		// Settlement.
		r.Post("/trades", s.SettleTrade)
		r.Get("/trades", s.ListTrades)
		r.Get("/trades/{id}", s.GetTrade)
		r.Post("/mint", s.MintShares)

		// Dividends.
		r.Post("/dividends", s.DistributeDividend)
		r.Get("/dividends", s.ListDividends)
		r.Get("/dividends/{id}", s.GetDividend)

		// Futures.
		r.Post("/futures", s.OpenFutures)
		r.Get("/futures/{positionID}", s.GetPosition)
		r.Post("/futures/{positionID}/close", s.CloseFutures)

		// Circuit breaker and exchange-wide views.
		r.Get("/market", s.GetMarket)
		r.Post("/market/toggle", s.ToggleMarket)
		r.Get("/stats", s.GetStats)
		r.Get("/audit", s.GetAudit)
	})
}

// caller returns the authenticated identity or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

// decode reads a JSON body into v or writes 400.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// amount converts a request decimal to fixed-point or writes 422.
func amount(w http.ResponseWriter, field string, d decimal.Decimal) (int64, bool) {
	v, err := model.FromDecimal(d)
	if err != nil {
		writeError(w, field+": "+err.Error(), http.StatusUnprocessableEntity)
		return 0, false
	}
	return v, true
}

// recordID parses a numeric path parameter or writes 400.
func recordID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, name+" must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// page reads ?offset=&limit= query parameters.
func page(r *http.Request) model.Page {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return model.Page{Offset: offset, Limit: limit}.Normalize()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps an engine failure to its HTTP status. Unknown
// failures are logged and reported without detail.
func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotRegistered),
		errors.Is(err, engine.ErrTradeNotFound),
		errors.Is(err, engine.ErrDividendNotFound),
		errors.Is(err, engine.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyRegistered),
		errors.Is(err, engine.ErrMarketClosed),
		errors.Is(err, engine.ErrPositionNotActive):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrInvalidLeverage),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidSymbol),
		errors.Is(err, engine.ErrZeroAmount),
		errors.Is(err, engine.ErrArrayLengthMismatch),
		errors.Is(err, engine.ErrNoShares),
		errors.Is(err, engine.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrVaultTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// --- Token issue ---

type tokenRequest struct {
	Identity string `json:"identity"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken handles POST /api/v1/auth/token. Identities holding any
// privileged action must get their tokens out of band.
func (s *Service) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Identity == "" {
		writeError(w, "identity is required", http.StatusBadRequest)
		return
	}
	if s.eng.IsPrivileged(req.Identity) {
		writeError(w, "tokens for privileged identities are not issued here", http.StatusForbidden)
		return
	}
	token, exp, err := s.issuer.Issue(req.Identity)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp})
}
