package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Withdrawal statuses. A request is terminal once completed or failed; failed
// requests are only ever re-driven manually, and only the on-chain leg.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// WithdrawalRequest is the durable record of a credits→token exchange. It is
// created the instant credits are debited, which makes it the commitment
// point: from then on the system owes the user netAmount tokens or a refund.
type WithdrawalRequest struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"userId"`
	DestinationAddress string          `json:"destinationAddress"`
	CreditsDebited     decimal.Decimal `json:"creditsDebited"`
	TokensRequested    decimal.Decimal `json:"tokensRequested"`
	Status             string          `json:"status"`
	TxReference        *string         `json:"txReference,omitempty"`
	ErrorReason        *string         `json:"errorReason,omitempty"`
	IdempotencyKey     string          `json:"idempotencyKey,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
}

type WithdrawalStatusResponse struct {
	Status      string  `json:"status"`
	TxReference *string `json:"txReference,omitempty"`
	ErrorReason *string `json:"errorReason,omitempty"`
}
