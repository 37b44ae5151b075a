package store

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrAlreadyClaimed      = errors.New("request already claimed")
	ErrInvalidStatus       = errors.New("invalid status transition")
	ErrDuplicateDeposit    = errors.New("deposit already recorded for this transaction")
	ErrDuplicateKey        = errors.New("withdrawal already recorded for this idempotency key")
)
