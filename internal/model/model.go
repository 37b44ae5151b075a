package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of an exchange: credits out to tokens, or tokens in for credits.
type Direction string

const (
	DirectionWithdraw Direction = "withdraw"
	DirectionDeposit  Direction = "deposit"
)

// ExchangeRate is the global rate record. It lives in the durable store and is
// mutated only through the admin API; every quote re-reads it so long-lived
// processes never run on a stale rate.
type ExchangeRate struct {
	CreditsPerToken  decimal.Decimal `json:"creditsPerToken"`
	TokenPerCredit   decimal.Decimal `json:"tokenPerCredit"`
	FeeRatio         decimal.Decimal `json:"feeRatio"`
	DailyLimitTokens decimal.Decimal `json:"dailyLimitTokens"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TreasuryReading is the treasury pool balance as observed at call time. It is
// never persisted; each quote takes a fresh one.
type TreasuryReading struct {
	BalanceTokens decimal.Decimal `json:"balanceTokens"`
	ObservedAt    time.Time       `json:"observedAt"`
}

// Quote is the result of a rate calculation for either direction.
type Quote struct {
	GrossAmount    decimal.Decimal `json:"grossAmount"`
	Fee            decimal.Decimal `json:"fee"`
	NetAmount      decimal.Decimal `json:"netAmount"`
	RateMultiplier decimal.Decimal `json:"rateMultiplier"`
}

type Player struct {
	ID              string          `json:"id"`
	Credits         decimal.Decimal `json:"credits"`
	WithdrawnTokens decimal.Decimal `json:"withdrawnTokens"`
	DepositedTokens decimal.Decimal `json:"depositedTokens"`
}

// QuotaRecord tracks token volume a user has already exchanged today. Keyed by
// (userId, day); a new day simply starts a new record, which is the lazy reset.
type QuotaRecord struct {
	UserID          string          `json:"userId"`
	Day             string          `json:"day"`
	ExchangedTokens decimal.Decimal `json:"exchangedTokens"`
}

type QuoteRequest struct {
	Direction Direction       `json:"direction" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
}

type WithdrawRequest struct {
	UserID         string          `json:"userId" binding:"required"`
	Destination    string          `json:"destination" binding:"required"`
	CreditsAmount  decimal.Decimal `json:"creditsAmount" binding:"required"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type WithdrawResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

type ConfirmDepositRequest struct {
	UserID       string          `json:"userId" binding:"required"`
	TokensAmount decimal.Decimal `json:"tokensAmount" binding:"required"`
	ObservedTx   string          `json:"observedTx" binding:"required"`
}

type ConfirmDepositResponse struct {
	CreditsGranted decimal.Decimal `json:"creditsGranted"`
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CurveConfig holds the liquidity-multiplier curve parameters.
type CurveConfig struct {
	MinMult         decimal.Decimal `json:"min_mult"`
	MaxMult         decimal.Decimal `json:"max_mult"`
	LowWatermark    decimal.Decimal `json:"low_watermark"`
	TargetWatermark decimal.Decimal `json:"target_watermark"`
	HighWatermark   decimal.Decimal `json:"high_watermark"`
}

type LimitsConfig struct {
	MinWithdrawalCredits decimal.Decimal `json:"min_withdrawal_credits"`
	MinDepositTokens     decimal.Decimal `json:"min_deposit_tokens"`
}

type TONConfig struct {
	Network         string `json:"network"` // "mainnet" or "testnet"
	Mnemonic        string `json:"mnemonic"`
	APIKey          string `json:"api_key"`
	WalletVersion   string `json:"wallet_version"`
	TreasuryAddress string `json:"treasury_address"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `json:"requests_per_second"`
	BurstSize         int `json:"burst_size"`
}

type ReconcileConfig struct {
	GracePeriodSeconds int `json:"grace_period_seconds"`
	SweepSeconds       int `json:"sweep_seconds"`
}

// Config is the exchange business configuration loaded from config.json.
type Config struct {
	Curve       CurveConfig     `json:"curve"`
	Limits      LimitsConfig    `json:"limits"`
	TON         TONConfig       `json:"ton"`
	Telegram    TelegramConfig  `json:"telegram"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
	Reconcile   ReconcileConfig `json:"reconcile"`
	AdminAPIKey string          `json:"admin_api_key"`
}
