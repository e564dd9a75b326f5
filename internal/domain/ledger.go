package domain

import (
	"strings"
	"time"
)

// Attempt outcomes recorded in the ledger.
const (
	AttemptSuccess = "SUCCESS"
	AttemptFailure = "FAILURE"
)

// MaxLedgerAttempts bounds the per-customer attempt history. The ledger keeps
// the most recent attempts and evicts the oldest on overflow.
const MaxLedgerAttempts = 25

// Retry backoff defaults for failed refund executions (milliseconds).
const (
	DefaultRetryBaseMs = 1000
	DefaultMaxRetryMs  = 15 * 60 * 1000
)

// RefundLedgerEntry is the durable per-(tenant, customer) refund record:
// monotonic counters, last-attempt snapshot fields, retry bookkeeping, and a
// bounded attempt history.
type RefundLedgerEntry struct {
	TenantID    string `json:"tenantId"`
	CustomerKey string `json:"customerKey"`
	User        string `json:"user"` // last acting agent

	TotalCount   int `json:"totalCount"`
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`

	LastRefundAt  *time.Time `json:"lastRefundAt,omitempty"`
	LastOutcome   string     `json:"lastOutcome,omitempty"`
	LastErrorCode string     `json:"lastErrorCode,omitempty"`
	LastOrderID   string     `json:"lastOrderId,omitempty"`
	LastAmount    float64    `json:"lastAmount,omitempty"`

	RetryCount  int        `json:"retryCount"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	RetryBaseMs int        `json:"retryBaseMs"`
	MaxRetryMs  int        `json:"maxRetryMs"`

	Attempts AttemptLog `json:"attempts"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RefundAttempt is one entry in the bounded attempt history.
type RefundAttempt struct {
	ID           string    `json:"id"`
	Outcome      string    `json:"outcome"` // SUCCESS or FAILURE
	OrderID      string    `json:"orderId,omitempty"`
	Amount       float64   `json:"amount,omitempty"`
	Partial      bool      `json:"partial,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	RuleSetID    string    `json:"ruleSetId,omitempty"`
	RulesVersion int       `json:"rulesVersion,omitempty"`
	At           time.Time `json:"at"`
}

// AttemptLog is a bounded FIFO of refund attempts, newest-last. Push evicts
// the oldest entry once MaxLedgerAttempts is reached.
type AttemptLog []RefundAttempt

// Push appends an attempt, evicting the oldest entry on overflow.
func (l AttemptLog) Push(a RefundAttempt) AttemptLog {
	l = append(l, a)
	if n := len(l) - MaxLedgerAttempts; n > 0 {
		l = append(AttemptLog(nil), l[n:]...)
	}
	return l
}

// NextBackoff computes the retry delay after the given failure count:
// min(base * 2^(retryCount-1), max). Pure exponential, no jitter.
func NextBackoff(retryCount, baseMs, maxMs int) time.Duration {
	if baseMs <= 0 {
		baseMs = DefaultRetryBaseMs
	}
	if maxMs <= 0 {
		maxMs = DefaultMaxRetryMs
	}
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := int64(baseMs)
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= int64(maxMs) {
			backoff = int64(maxMs)
			break
		}
	}
	if backoff > int64(maxMs) {
		backoff = int64(maxMs)
	}
	return time.Duration(backoff) * time.Millisecond
}

// CustomerKeyFromPhone builds the canonical ledger key for a phone number.
func CustomerKeyFromPhone(phone string) string {
	return "phone:" + strings.TrimSpace(phone)
}

// CustomerKeyFromEmail builds the canonical ledger key for an email address.
func CustomerKeyFromEmail(email string) string {
	return "email:" + strings.ToLower(strings.TrimSpace(email))
}
