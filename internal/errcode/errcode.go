// Package errcode defines the closed set of domain errors the engine can
// return. Every public operation either commits fully or fails with exactly
// one *Error carrying one of these codes.
//
// Codes 6000-6054 keep the numbering of the on-chain program the ledger
// mirrors so that clients can share message tables; engine-only codes start
// at 6055.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error identifier.
type Code uint16

const (
	MathOverflow Code = 6000 + iota
	MathUnderflow
	DivisionByZero
	InvalidPrecision
	ExchangePaused
	InvalidAdmin
	InvalidAuthority
	StateAlreadyInitialized
	InvalidMarketIndex
	MarketNotActive
	MarketAlreadySettled
	MarketNotFound
	MaxMarketsReached
	InvalidMarketStatus
	UserAlreadyInitialized
	UserNotInitialized
	InsufficientCollateral
	CollateralBelowMinimum
	WithdrawalExceedsFreeCollateral
	UserBeingLiquidated
	UserBankrupt
	PositionNotFound
	MaxPositionsReached
	InvalidPositionDirection
	PositionStillOpen
	InvalidOrderType
	InvalidOrderDirection
	OrderNotFound
	MaxOrdersReached
	OrderAlreadyFilled
	OrderAlreadyCancelled
	OrderExpired
	OrderSizeTooSmall
	OrderPriceOutsideBounds
	OrderExceedsMaxLeverage
	ReduceOnlyOrderIncreasesPosition
	InsufficientAMMLiquidity
	TradeSizeTooLarge
	PriceBoundsExceeded
	InvalidAMMReserves
	SlippageToleranceExceeded
	InvalidOracle
	OraclePriceStale
	OraclePriceInvalid
	OracleConfidenceTooWide
	InsufficientMargin
	LeverageExceedsMax
	SufficientCollateral
	LiquidationNotRequired
	InvalidLiquidationAmount
	FundingNotReady
	InvalidFundingPeriod
	MarketNotExpired
	InvalidSettlementPrice
	PositionNotSettled

	// Engine-only codes.
	StateNotInitialized
	MarketAlreadyAdmitted
	InvalidAmount
	OrderNotTriggered
	PostOnlyWouldCross
	InvalidMarketParams
	InvalidIdentity
	ConcurrentUpdate
	StorageFailure

	maxCode
)

// Kind groups codes by how a caller is expected to react.
type Kind uint8

const (
	KindArithmetic Kind = iota + 1
	KindAuthorization
	KindLifecycle
	KindMargin
	KindAMM
	KindOracle
	KindFundingSettlement
	KindValidation
	KindStorage
)

var kindNames = map[Kind]string{
	KindArithmetic:        "arithmetic",
	KindAuthorization:     "authorization",
	KindLifecycle:         "lifecycle",
	KindMargin:            "margin",
	KindAMM:               "amm",
	KindOracle:            "oracle",
	KindFundingSettlement: "funding_settlement",
	KindValidation:        "validation",
	KindStorage:           "storage",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

type info struct {
	name    string
	kind    Kind
	message string
}

var table = map[Code]info{
	MathOverflow:                     {"MathOverflow", KindArithmetic, "Math operation overflowed"},
	MathUnderflow:                    {"MathUnderflow", KindArithmetic, "Math operation underflowed"},
	DivisionByZero:                   {"DivisionByZero", KindArithmetic, "Division by zero"},
	InvalidPrecision:                 {"InvalidPrecision", KindArithmetic, "Value has an invalid precision"},
	ExchangePaused:                   {"ExchangePaused", KindLifecycle, "The exchange is paused"},
	InvalidAdmin:                     {"InvalidAdmin", KindAuthorization, "Signer is not the exchange admin"},
	InvalidAuthority:                 {"InvalidAuthority", KindAuthorization, "Signer is not the account authority or delegate"},
	StateAlreadyInitialized:          {"StateAlreadyInitialized", KindLifecycle, "Exchange state is already initialized"},
	InvalidMarketIndex:               {"InvalidMarketIndex", KindValidation, "Market index is invalid"},
	MarketNotActive:                  {"MarketNotActive", KindLifecycle, "Market is not active"},
	MarketAlreadySettled:             {"MarketAlreadySettled", KindLifecycle, "Market is already settled"},
	MarketNotFound:                   {"MarketNotFound", KindLifecycle, "Market not found"},
	MaxMarketsReached:                {"MaxMarketsReached", KindLifecycle, "Maximum number of markets reached"},
	InvalidMarketStatus:              {"InvalidMarketStatus", KindLifecycle, "Market status does not allow this operation"},
	UserAlreadyInitialized:           {"UserAlreadyInitialized", KindLifecycle, "User account is already initialized"},
	UserNotInitialized:               {"UserNotInitialized", KindLifecycle, "User account is not initialized"},
	InsufficientCollateral:           {"InsufficientCollateral", KindMargin, "Insufficient collateral"},
	CollateralBelowMinimum:           {"CollateralBelowMinimum", KindMargin, "Remaining collateral would fall below the minimum"},
	WithdrawalExceedsFreeCollateral:  {"WithdrawalExceedsFreeCollateral", KindMargin, "Withdrawal exceeds free collateral"},
	UserBeingLiquidated:              {"UserBeingLiquidated", KindLifecycle, "User account is being liquidated"},
	UserBankrupt:                     {"UserBankrupt", KindLifecycle, "User account is bankrupt"},
	PositionNotFound:                 {"PositionNotFound", KindLifecycle, "Position not found"},
	MaxPositionsReached:              {"MaxPositionsReached", KindLifecycle, "Maximum number of positions reached"},
	InvalidPositionDirection:         {"InvalidPositionDirection", KindValidation, "Position direction is invalid"},
	PositionStillOpen:                {"PositionStillOpen", KindLifecycle, "Position is still open"},
	InvalidOrderType:                 {"InvalidOrderType", KindValidation, "Order type is invalid for these parameters"},
	InvalidOrderDirection:            {"InvalidOrderDirection", KindValidation, "Order direction is invalid"},
	OrderNotFound:                    {"OrderNotFound", KindLifecycle, "Order not found"},
	MaxOrdersReached:                 {"MaxOrdersReached", KindLifecycle, "Maximum number of open orders reached"},
	OrderAlreadyFilled:               {"OrderAlreadyFilled", KindLifecycle, "Order is already filled"},
	OrderAlreadyCancelled:            {"OrderAlreadyCancelled", KindLifecycle, "Order is already cancelled"},
	OrderExpired:                     {"OrderExpired", KindLifecycle, "Order has expired"},
	OrderSizeTooSmall:                {"OrderSizeTooSmall", KindValidation, "Order size is below the market minimum"},
	OrderPriceOutsideBounds:          {"OrderPriceOutsideBounds", KindValidation, "Order price is outside the allowed bounds or tick size"},
	OrderExceedsMaxLeverage:          {"OrderExceedsMaxLeverage", KindMargin, "Order would exceed the maximum leverage"},
	ReduceOnlyOrderIncreasesPosition: {"ReduceOnlyOrderIncreasesPosition", KindValidation, "Reduce-only order would increase the position"},
	InsufficientAMMLiquidity:         {"InsufficientAmmLiquidity", KindAMM, "Insufficient AMM liquidity"},
	TradeSizeTooLarge:                {"TradeSizeTooLarge", KindAMM, "Trade size exceeds what the AMM can absorb"},
	PriceBoundsExceeded:              {"PriceBoundsExceeded", KindAMM, "Trade would push the price outside its bounds"},
	InvalidAMMReserves:               {"InvalidAmmReserves", KindAMM, "AMM reserves are invalid"},
	SlippageToleranceExceeded:        {"SlippageToleranceExceeded", KindAMM, "Execution price is worse than the order limit"},
	InvalidOracle:                    {"InvalidOracle", KindOracle, "Signer is not the market oracle"},
	OraclePriceStale:                 {"OraclePriceStale", KindOracle, "Oracle price is stale"},
	OraclePriceInvalid:               {"OraclePriceInvalid", KindOracle, "Oracle price is invalid"},
	OracleConfidenceTooWide:          {"OracleConfidenceTooWide", KindOracle, "Oracle confidence interval is too wide"},
	InsufficientMargin:               {"InsufficientMargin", KindMargin, "Insufficient margin"},
	LeverageExceedsMax:               {"LeverageExceedsMax", KindMargin, "Leverage exceeds the maximum"},
	SufficientCollateral:             {"SufficientCollateral", KindMargin, "Account has sufficient collateral and cannot be liquidated"},
	LiquidationNotRequired:           {"LiquidationNotRequired", KindMargin, "Liquidation is not required"},
	InvalidLiquidationAmount:         {"InvalidLiquidationAmount", KindMargin, "Liquidation amount is invalid"},
	FundingNotReady:                  {"FundingNotReady", KindFundingSettlement, "Funding cannot be settled yet"},
	InvalidFundingPeriod:             {"InvalidFundingPeriod", KindFundingSettlement, "Funding period is invalid"},
	MarketNotExpired:                 {"MarketNotExpired", KindFundingSettlement, "Market has not expired"},
	InvalidSettlementPrice:           {"InvalidSettlementPrice", KindFundingSettlement, "Settlement price must be 0 or 1"},
	PositionNotSettled:               {"PositionNotSettled", KindFundingSettlement, "Position cannot be settled"},

	StateNotInitialized:   {"StateNotInitialized", KindLifecycle, "Exchange state is not initialized"},
	MarketAlreadyAdmitted: {"MarketAlreadyAdmitted", KindLifecycle, "A market for this external id already exists"},
	InvalidAmount:         {"InvalidAmount", KindValidation, "Amount must be positive"},
	OrderNotTriggered:     {"OrderNotTriggered", KindLifecycle, "Order trigger condition is not met"},
	PostOnlyWouldCross:    {"PostOnlyWouldCross", KindValidation, "Post-only order would cross the AMM"},
	InvalidMarketParams:   {"InvalidMarketParams", KindValidation, "Market parameters are invalid"},
	InvalidIdentity:       {"InvalidIdentity", KindValidation, "Identity is not a valid public key"},
	ConcurrentUpdate:      {"ConcurrentUpdate", KindStorage, "Record was modified concurrently, retry"},
	StorageFailure:        {"StorageFailure", KindStorage, "Storage is unavailable"},
}

// Name returns the code's identifier, e.g. "OrderExpired".
func (c Code) Name() string {
	if i, ok := table[c]; ok {
		return i.name
	}
	return fmt.Sprintf("Code(%d)", uint16(c))
}

func (c Code) String() string { return c.Name() }

// Kind returns the group the code belongs to.
func (c Code) Kind() Kind { return table[c].kind }

// Message is the user-facing text for the code.
func (c Code) Message() string {
	if i, ok := table[c]; ok {
		return i.message
	}
	return "unknown error"
}

// Codes returns every defined code in ascending order.
func Codes() []Code {
	out := make([]Code, 0, int(maxCode-MathOverflow))
	for c := MathOverflow; c < maxCode; c++ {
		out = append(out, c)
	}
	return out
}

// Error is a domain error. Detail is optional context for logs; it is not
// part of the user-facing message.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.Name() + ": " + e.Code.Message()
	}
	return e.Code.Name() + ": " + e.Code.Message() + " (" + e.Detail + ")"
}

// Is reports whether target is an *Error with the same code, so sentinel
// comparisons ignore Detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns an error for code with no detail.
func New(c Code) *Error { return &Error{Code: c} }

// Newf returns an error for code with a formatted detail.
func Newf(c Code, format string, args ...any) *Error {
	return &Error{Code: c, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err. ok is false for non-domain errors.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Sentinels for errors.Is comparisons.
var (
	ErrMathOverflow                    = New(MathOverflow)
	ErrMathUnderflow                   = New(MathUnderflow)
	ErrDivisionByZero                  = New(DivisionByZero)
	ErrInvalidPrecision                = New(InvalidPrecision)
	ErrExchangePaused                  = New(ExchangePaused)
	ErrInvalidAdmin                    = New(InvalidAdmin)
	ErrInvalidAuthority                = New(InvalidAuthority)
	ErrStateAlreadyInitialized         = New(StateAlreadyInitialized)
	ErrMarketNotActive                 = New(MarketNotActive)
	ErrMarketAlreadySettled            = New(MarketAlreadySettled)
	ErrMarketNotFound                  = New(MarketNotFound)
	ErrMaxMarketsReached               = New(MaxMarketsReached)
	ErrUserAlreadyInitialized          = New(UserAlreadyInitialized)
	ErrUserNotInitialized              = New(UserNotInitialized)
	ErrInsufficientCollateral          = New(InsufficientCollateral)
	ErrCollateralBelowMinimum          = New(CollateralBelowMinimum)
	ErrWithdrawalExceedsFreeCollateral = New(WithdrawalExceedsFreeCollateral)
	ErrMaxPositionsReached             = New(MaxPositionsReached)
	ErrOrderNotFound                   = New(OrderNotFound)
	ErrMaxOrdersReached                = New(MaxOrdersReached)
	ErrOrderAlreadyFilled              = New(OrderAlreadyFilled)
	ErrOrderAlreadyCancelled           = New(OrderAlreadyCancelled)
	ErrOrderExpired                    = New(OrderExpired)
	ErrOrderSizeTooSmall               = New(OrderSizeTooSmall)
	ErrOrderPriceOutsideBounds         = New(OrderPriceOutsideBounds)
	ErrReduceOnlyIncreasesPosition     = New(ReduceOnlyOrderIncreasesPosition)
	ErrTradeSizeTooLarge               = New(TradeSizeTooLarge)
	ErrInsufficientAMMLiquidity        = New(InsufficientAMMLiquidity)
	ErrInvalidAMMReserves              = New(InvalidAMMReserves)
	ErrSlippageToleranceExceeded       = New(SlippageToleranceExceeded)
	ErrInsufficientMargin              = New(InsufficientMargin)
	ErrFundingNotReady                 = New(FundingNotReady)
	ErrMarketNotExpired                = New(MarketNotExpired)
	ErrInvalidSettlementPrice          = New(InvalidSettlementPrice)
	ErrPositionNotSettled              = New(PositionNotSettled)
	ErrConcurrentUpdate                = New(ConcurrentUpdate)
)
