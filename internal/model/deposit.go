package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositRecord is written only after the on-chain transfer to the treasury is
// observed, so it has no processing state: the settlement leg is already done
// by the time the record exists.
type DepositRecord struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	TokensSent     decimal.Decimal `json:"tokensSent"`
	CreditsGranted decimal.Decimal `json:"creditsGranted"`
	Status         string          `json:"status"`
	TxReference    string          `json:"txReference"`
	CreatedAt      time.Time       `json:"createdAt"`
}
