package product

import (
	"errors"

	"github.com/atmx/perp-ledger/internal/position"
)

// Precondition and authorization errors.
var (
	ErrPaused               = errors.New("product: protocol is paused")
	ErrClosed               = errors.New("product: closed to new positions")
	ErrNotOwner             = errors.New("product: caller is not the coordinator owner")
	ErrNotAccountOrDelegate = errors.New("product: caller is not the account or its delegate")
	ErrNotCollateral        = errors.New("product: caller is not the collateral ledger")
)

// Domain errors. The position package adds the double-sided, maker limit,
// liquidity and over-close errors.
var (
	ErrInLiquidation          = errors.New("product: account is being liquidated")
	ErrInsufficientCollateral = errors.New("product: account would be liquidatable")
	ErrOracleBootstrapping    = errors.New("product: oracle has no price history yet")
	ErrInvalidParameter       = errors.New("product: invalid parameter value")
	ErrInvalidAmount          = errors.New("product: amount must be positive")
)

// ErrInvariant is an internal consistency fault. A call failing with it
// changes nothing, but the ledger needs operator attention.
var ErrInvariant = errors.New("product: ledger invariant violated")

// Reason returns a short machine-readable name for err, used for metric
// labels and API error codes.
func Reason(err error) string {
	var liquidity *position.InsufficientLiquidityError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotAccountOrDelegate):
		return "not_account_or_delegate"
	case errors.Is(err, ErrNotCollateral):
		return "not_collateral"
	case errors.Is(err, ErrInLiquidation):
		return "in_liquidation"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrOracleBootstrapping):
		return "oracle_bootstrapping"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, position.ErrDoubleSided):
		return "double_sided"
	case errors.Is(err, position.ErrMakerOverLimit):
		return "maker_over_limit"
	case errors.Is(err, position.ErrOverClosed):
		return "over_closed"
	case errors.As(err, &liquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	default:
		return "internal"
	}
}
