package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Validation errors: the request itself is malformed.  No state change.
var (
	// ErrInvalidAmount is returned when usd_amount is outside [0.01, MAX_BET_USD].
	ErrInvalidAmount = errors.New("bet amount is outside the allowed range")

	// ErrUnsupportedCurrency is returned when the currency is not a supported ledger.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrInvalidAutoCashout is returned when auto_cash_out is not in (1.00, 1000.00].
	ErrInvalidAutoCashout = errors.New("auto cashout must be greater than 1.00 and at most 1000.00")

	// ErrBadRequest is returned when a wire message cannot be decoded.
	ErrBadRequest = errors.New("malformed request")
)

// State errors: the operation is valid but the round is in the wrong phase.
// Idempotent rejections.
var (
	// ErrRoundNotOpen is returned when a bet arrives outside the WAITING phase.
	ErrRoundNotOpen = errors.New("round is not open for betting")

	// ErrRoundNotRunning is returned when a cashout arrives outside RUNNING.
	ErrRoundNotRunning = errors.New("round is not running")

	// ErrNoActiveBet is returned when a cashout finds no uncashed bet for the user.
	ErrNoActiveBet = errors.New("no active bet for this round")

	// ErrAlreadyBet is returned when a user tries to place a second bet in a round.
	ErrAlreadyBet = errors.New("bet already placed for this round")

	// ErrRoundNotFound is returned when no round matches the given id.
	ErrRoundNotFound = errors.New("round not found")
)

// Accounting errors.
var (
	// ErrInsufficientBalance is returned when a wallet cannot cover the stake.
	// The bet is refused; no debit occurs.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")

	// ErrWalletNotFound is returned when no wallet exists for the requested
	// user and currency.
	ErrWalletNotFound = errors.New("wallet not found")
)

// Infrastructure errors.
var (
	// ErrStoreTimeout is returned when a store write exceeds its deadline.
	// Retryable.
	ErrStoreTimeout = errors.New("store operation timed out")

	// ErrStoreUnavailable is returned for non-timeout store failures.
	ErrStoreUnavailable = errors.New("store operation failed")
)

// User / auth errors.
var (
	// ErrUserNotFound is returned when no user matches the given criteria.
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailTaken is returned on registration when the email already exists.
	ErrEmailTaken = errors.New("email address is already registered")

	// ErrUsernameTaken is returned on registration when the username already exists.
	ErrUsernameTaken = errors.New("username is already taken")

	// ErrInvalidCredentials is returned when login credentials are wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrUserInactive is returned when a suspended user attempts an action.
	ErrUserInactive = errors.New("user account is inactive")

	// ErrUnauthenticated is returned when a WS connect carries no valid token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRateLimited is returned when a connection exceeds its operation budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature does not match.
	ErrTokenInvalid = errors.New("token is invalid")
)

// ──────────────────────────────────────────────────────────────────────────────
// Wire error codes
// ──────────────────────────────────────────────────────────────────────────────

// errorCodes maps sentinel errors to the stable codes sent over the wire and
// in HTTP error envelopes.
var errorCodes = map[error]string{
	ErrInvalidAmount:       "INVALID_AMOUNT",
	ErrUnsupportedCurrency: "UNSUPPORTED_CURRENCY",
	ErrInvalidAutoCashout:  "INVALID_AUTO_CASHOUT",
	ErrBadRequest:          "BAD_REQUEST",
	ErrRoundNotOpen:        "ROUND_NOT_OPEN",
	ErrRoundNotRunning:     "ROUND_NOT_RUNNING",
	ErrNoActiveBet:         "NO_ACTIVE_BET",
	ErrAlreadyBet:          "ROUND_NOT_OPEN", // one bet per round; same rejection class
	ErrRoundNotFound:       "ROUND_NOT_FOUND",
	ErrInsufficientBalance: "INSUFFICIENT_BALANCE",
	ErrWalletNotFound:      "INSUFFICIENT_BALANCE",
	ErrStoreTimeout:        "STORE_TIMEOUT",
	ErrStoreUnavailable:    "STORE_ERROR",
	ErrUnauthenticated:     "UNAUTHENTICATED",
	ErrRateLimited:         "RATE_LIMITED",
	ErrTokenInvalid:        "UNAUTHENTICATED",
}

// Code returns the stable wire code for err, or "INTERNAL" when the error is
// not one of the domain sentinels.
func Code(err error) string {
	for target, code := range errorCodes {
		if errors.Is(err, target) {
			return code
		}
	}
	return "INTERNAL"
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// IsValidation returns true for request-shape errors that should map to 400.
func IsValidation(err error) bool {
	for _, target := range []error{ErrInvalidAmount, ErrUnsupportedCurrency, ErrInvalidAutoCashout, ErrBadRequest} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsState returns true for wrong-phase rejections.  These are idempotent:
// retrying without a state change yields the same answer.
func IsState(err error) bool {
	for _, target := range []error{ErrRoundNotOpen, ErrRoundNotRunning, ErrNoActiveBet, ErrAlreadyBet} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable returns true for infrastructure errors worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreTimeout) || errors.Is(err, ErrStoreUnavailable)
}

// IsNotFound returns true when err is one of the "entity not found" errors.
func IsNotFound(err error) bool {
	for _, target := range []error{ErrUserNotFound, ErrWalletNotFound, ErrRoundNotFound} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError returns true for authentication errors.
func IsAuthError(err error) bool {
	for _, target := range []error{ErrUnauthenticated, ErrTokenInvalid, ErrInvalidCredentials, ErrUserInactive} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
