package storage

import "errors"

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("storage: invalid input")

	// ErrAlreadyReserved means another operation already bound a wallet to the asset.
	ErrAlreadyReserved = errors.New("asset already reserved")

	// ErrNoFreeWallet means no enabled, unbound wallet is available right now.
	ErrNoFreeWallet = errors.New("no free wallet")

	// ErrPositionOpen is returned when an operation requires the asset to have no open position.
	ErrPositionOpen = errors.New("asset has an open position")

	// ErrArchived is returned for operations on a finalized asset.
	ErrArchived = errors.New("asset archived")

	// ErrExitInProgress means another exit already claimed the position.
	ErrExitInProgress = errors.New("exit already in progress")
)
