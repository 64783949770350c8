// Package model defines the records the engine persists and the closed enums
// stored in them. All quantities are fixed-point integers in the precisions
// declared by package fixedpoint; timestamps are unix seconds.
package model

import (
	"github.com/google/uuid"
)

// Slot capacities. These are enforced limits, not tuning knobs.
const (
	MaxPositions = 4
	MaxOrders    = 8
	MaxNameLen   = 32
)

// State is the exchange-wide singleton.
type State struct {
	Version                uint64    `json:"version"`
	Admin                  Pubkey    `json:"admin"`
	CollateralVault        uuid.UUID `json:"collateral_vault"`
	NumberOfMarkets        uint16    `json:"number_of_markets"`
	ExchangePaused         bool      `json:"exchange_paused"`
	MinCollateral          int64     `json:"min_collateral"`
	LiquidationMarginRatio int64     `json:"liquidation_margin_ratio"`
	MaxLeverage            int64     `json:"max_leverage"`
}

// AMM is the virtual constant-product curve embedded in a market.
// Open interest fields mirror the market's and are kept as magnitudes.
type AMM struct {
	BaseAssetReserve          Reserve `json:"base_asset_reserve"`
	QuoteAssetReserve         Reserve `json:"quote_asset_reserve"`
	SqrtK                     Reserve `json:"sqrt_k"`
	PegMultiplier             int64   `json:"peg_multiplier"`
	MinBaseAssetReserve       Reserve `json:"min_base_asset_reserve"`
	MaxBaseAssetReserve       Reserve `json:"max_base_asset_reserve"`
	TerminalQuoteAssetReserve Reserve `json:"terminal_quote_asset_reserve"`

	// BaseAssetAmountWithAMM is the net base the AMM has sold to traders;
	// positive means the AMM is net short.
	BaseAssetAmountWithAMM int64 `json:"base_asset_amount_with_amm"`
	BaseAssetAmountLong    int64 `json:"base_asset_amount_long"`
	BaseAssetAmountShort   int64 `json:"base_asset_amount_short"`

	BaseSpread  int64 `json:"base_spread"`
	MaxSpread   int64 `json:"max_spread"`
	LongSpread  int64 `json:"long_spread"`
	ShortSpread int64 `json:"short_spread"`

	LastMarkPriceTWAP     int64 `json:"last_mark_price_twap"`
	LastMarkPriceTWAP5Min int64 `json:"last_mark_price_twap_5min"`
	LastMarkPriceTWAPTs   int64 `json:"last_mark_price_twap_ts"`
	LastBidPriceTWAP      int64 `json:"last_bid_price_twap"`
	LastAskPriceTWAP      int64 `json:"last_ask_price_twap"`

	TotalFee                   int64 `json:"total_fee"`
	TotalFeeMinusDistributions int64 `json:"total_fee_minus_distributions"`
}

// Market is one perpetual listed on a binary prediction market.
type Market struct {
	Version          uint64       `json:"version"`
	MarketIndex      uint16       `json:"market_index"`
	Name             string       `json:"name"`
	ExternalID       string       `json:"external_id"`
	Oracle           Pubkey       `json:"oracle"`
	OraclePrice      int64        `json:"oracle_price"`
	OracleTWAP       int64        `json:"oracle_twap"`
	LastOracleUpdate int64        `json:"last_oracle_update"`
	Status           MarketStatus `json:"status"`
	ExpiryTs         int64        `json:"expiry_ts"`
	SettlementPrice  int64        `json:"settlement_price"`

	BaseAssetAmountLong        int64 `json:"base_asset_amount_long"`
	BaseAssetAmountShort       int64 `json:"base_asset_amount_short"`
	CumulativeFundingRateLong  int64 `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort int64 `json:"cumulative_funding_rate_short"`
	LastFundingRate            int64 `json:"last_funding_rate"`
	LastFundingRateTs          int64 `json:"last_funding_rate_ts"`
	FundingPeriod              int64 `json:"funding_period"`

	TakerFee               int64 `json:"taker_fee"`
	MakerRebate            int64 `json:"maker_rebate"`
	MarginRatioInitial     int64 `json:"margin_ratio_initial"`
	MarginRatioMaintenance int64 `json:"margin_ratio_maintenance"`
	OrderTickSize          int64 `json:"order_tick_size"`
	MinOrderSize           int64 `json:"min_order_size"`

	// BadDebt accumulates losses that exceeded a bankrupt user's collateral.
	BadDebt int64 `json:"bad_debt"`

	AMM AMM `json:"amm"`
}

// Position is one slot of a user's position array.
type Position struct {
	MarketIndex               uint16 `json:"market_index"`
	BaseAssetAmount           int64  `json:"base_asset_amount"`
	QuoteAssetAmount          int64  `json:"quote_asset_amount"`
	QuoteEntryAmount          int64  `json:"quote_entry_amount"`
	LastCumulativeFundingRate int64  `json:"last_cumulative_funding_rate"`
	OpenBids                  int64  `json:"open_bids"`
	OpenAsks                  int64  `json:"open_asks"`
	OpenOrders                uint8  `json:"open_orders"`
}

// IsAvailable reports whether the slot can be handed to another market.
// A slot with resting orders stays bound to its market even when flat.
func (p *Position) IsAvailable() bool {
	return p.BaseAssetAmount == 0 && p.OpenOrders == 0
}

// Order is one slot of a user's order array.
type Order struct {
	OrderID               uint32           `json:"order_id"`
	MarketIndex           uint16           `json:"market_index"`
	Status                OrderStatus      `json:"status"`
	OrderType             OrderType        `json:"order_type"`
	Direction             Direction        `json:"direction"`
	Price                 int64            `json:"price"`
	BaseAssetAmount       int64            `json:"base_asset_amount"`
	BaseAssetAmountFilled int64            `json:"base_asset_amount_filled"`
	TriggerPrice          int64            `json:"trigger_price"`
	TriggerCondition      TriggerCondition `json:"trigger_condition"`
	ReduceOnly            bool             `json:"reduce_only"`
	PostOnly              bool             `json:"post_only"`
	Slot                  uint64           `json:"slot"`
	PlacedTs              int64            `json:"placed_ts"`
	MaxTs                 int64            `json:"max_ts"`
}

// IsAvailable reports whether the slot can hold a new order.
func (o *Order) IsAvailable() bool {
	return o.Status != OrderOpen
}

// Remaining is the unfilled base amount.
func (o *Order) Remaining() int64 {
	return o.BaseAssetAmount - o.BaseAssetAmountFilled
}

// User is a trader account.
type User struct {
	Version        uint64                 `json:"version"`
	Authority      Pubkey                 `json:"authority"`
	Delegate       Pubkey                 `json:"delegate"`
	Name           string                 `json:"name"`
	Collateral     int64                  `json:"collateral"`
	Positions      [MaxPositions]Position `json:"positions"`
	Orders         [MaxOrders]Order       `json:"orders"`
	TotalDeposits  int64                  `json:"total_deposits"`
	TotalWithdraws int64                  `json:"total_withdraws"`
	RealizedPnl    int64                  `json:"realized_pnl"`
	// CumulativeFunding is the net funding credited (positive) or debited.
	CumulativeFunding int64      `json:"cumulative_funding"`
	TotalFeePaid      int64      `json:"total_fee_paid"`
	Status            UserStatus `json:"status"`
	OpenOrders        uint8      `json:"open_orders"`
	NextOrderID       uint32     `json:"next_order_id"`
}

// FillRecord is an immutable journal entry for one AMM execution or
// settlement. Records are never modified or deleted.
type FillRecord struct {
	ID          uuid.UUID `json:"id"`
	MarketIndex uint16    `json:"market_index"`
	User        Pubkey    `json:"user"`
	Filler      Pubkey    `json:"filler"`
	OrderID     uint32    `json:"order_id"`
	Kind        FillKind  `json:"kind"`
	Direction   Direction `json:"direction"`
	BaseAmount  int64     `json:"base_amount"`
	QuoteAmount int64     `json:"quote_amount"`
	Price       int64     `json:"price"`
	// Fee is positive when the user paid a taker fee, negative for a rebate.
	Fee            int64 `json:"fee"`
	RealizedPnl    int64 `json:"realized_pnl"`
	MarkPriceAfter int64 `json:"mark_price_after"`
	Ts             int64 `json:"ts"`
}
