package execution

import (
	"errors"

	"token-trader/internal/chain"
	"token-trader/internal/storage"
)

var (
	// ErrProbeFailed means the resale simulation rejected the asset.
	ErrProbeFailed = errors.New("safety probe failed")
	// ErrExitFailed means every sell attempt failed.
	ErrExitFailed = errors.New("exit failed")
	// ErrJournal means a confirmed trade could not be journaled.
	ErrJournal = errors.New("journal write failed")
	// ErrEntryPending means the asset is reserved by an entry that has not
	// journaled yet and may still be running.
	ErrEntryPending = errors.New("entry still in progress")
)

// Class is the error taxonomy callers branch on.
type Class string

const (
	ClassNone       Class = ""
	ClassTransient  Class = "transient"
	ClassContention Class = "contention"
	ClassSafety     Class = "safety"
	ClassPartial    Class = "partial"
	ClassMarket     Class = "market"
)

// Classify maps an error onto the taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, storage.ErrAlreadyReserved),
		errors.Is(err, storage.ErrNoFreeWallet),
		errors.Is(err, storage.ErrPositionOpen),
		errors.Is(err, storage.ErrExitInProgress),
		errors.Is(err, storage.ErrArchived),
		errors.Is(err, ErrEntryPending):
		return ClassContention
	case errors.Is(err, ErrProbeFailed), errors.Is(err, chain.ErrNotResellable):
		return ClassSafety
	case errors.Is(err, chain.ErrNoTxID), errors.Is(err, chain.ErrReverted), errors.Is(err, ErrJournal):
		return ClassPartial
	case errors.Is(err, chain.ErrNoRoute):
		return ClassMarket
	}
	return ClassTransient
}
