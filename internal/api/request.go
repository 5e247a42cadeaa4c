package api

import (
	"github.com/shopspring/decimal"
)

// OrderCreateRequest is the payload to place a new order.
type OrderCreateRequest struct {
	Side           string          `json:"side" example:"sell"`
	Asset          string          `json:"asset" example:"BTC"`
	FiatCurrency   string          `json:"fiat_currency" example:"USD"`
	UnitPrice      decimal.Decimal `json:"unit_price" example:"59500"`
	Quantity       decimal.Decimal `json:"quantity" example:"0.5"`
	PaymentMethods []string        `json:"payment_methods"`
}

// DisputeOpenRequest is the payload to raise a dispute on an escrow.
type DisputeOpenRequest struct {
	Reason   string   `json:"reason" example:"payment never arrived"`
	Evidence []string `json:"evidence,omitempty"`
}

// DisputeResolveRequest is the arbiter's verdict payload.
type DisputeResolveRequest struct {
	Resolution string          `json:"resolution" example:"split"`
	SplitRatio decimal.Decimal `json:"split_ratio,omitempty" example:"0.5"`
}
