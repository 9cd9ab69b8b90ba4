package engine

import (
	"errors"

	"github.com/atmx/exchange-ledger/internal/model"
)

// Caller-visible failures. Every operation checks all of its preconditions
// before mutating anything, so a returned error means no state changed.
var (
	ErrNotAuthorized       = errors.New("engine: caller is not authorized")
	ErrNotRegistered       = errors.New("engine: identity is not registered")
	ErrAlreadyRegistered   = errors.New("engine: identity is already registered")
	ErrMarketClosed        = errors.New("engine: market is closed")
	ErrInsufficientBalance = errors.New("engine: insufficient balance")
	ErrInsufficientShares  = errors.New("engine: insufficient shares")
	ErrInvalidLeverage     = errors.New("engine: leverage must be between 1 and 10")
	ErrArrayLengthMismatch = errors.New("engine: holders and shares differ in length")
	ErrNoShares            = errors.New("engine: total shares must be positive")
	ErrPositionNotActive   = errors.New("engine: position is not active")
	ErrVaultTransferFailed = errors.New("engine: vault transfer failed")
	ErrZeroAmount          = errors.New("engine: amount must be positive")

	ErrInvalidAmount      = errors.New("engine: invalid amount")
	ErrInvalidSymbol      = errors.New("engine: invalid symbol")
	ErrArithmeticOverflow = model.ErrOverflow
	ErrTradeNotFound      = errors.New("engine: trade not found")
	ErrDividendNotFound   = errors.New("engine: dividend not found")
	ErrPositionNotFound   = errors.New("engine: position not found")
	ErrConservation       = errors.New("engine: conservation check failed")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrNotAuthorized, "not_authorized"},
	{ErrNotRegistered, "not_registered"},
	{ErrAlreadyRegistered, "already_registered"},
	{ErrMarketClosed, "market_closed"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInsufficientShares, "insufficient_shares"},
	{ErrInvalidLeverage, "invalid_leverage"},
	{ErrArrayLengthMismatch, "array_length_mismatch"},
	{ErrNoShares, "no_shares"},
	{ErrPositionNotActive, "position_not_active"},
	{ErrVaultTransferFailed, "vault_transfer_failed"},
	{ErrZeroAmount, "zero_amount"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidSymbol, "invalid_symbol"},
	{ErrArithmeticOverflow, "overflow"},
	{ErrTradeNotFound, "not_found"},
	{ErrDividendNotFound, "not_found"},
	{ErrPositionNotFound, "not_found"},
}

// Kind returns a short, stable label for err, "ok" for nil and
// "internal" for anything that is not an engine sentinel.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
