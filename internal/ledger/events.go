package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Audit events mirror every ledger transition onto the queue so downstream
// consumers (reporting, alerting, reconciliation) see the same history the
// database holds.
const (
	EventSchemaVersion = 1

	EventInitiated   = "ledger.attempt.initiated"
	EventFeeVerified = "ledger.attempt.fee_verified"
	EventCompleted   = "ledger.attempt.completed"
	EventFailed      = "ledger.attempt.failed"
	EventRefunded    = "ledger.attempt.refunded"
)

// AttemptEvent is the wire payload for one ledger transition.
type AttemptEvent struct {
	SchemaVersion int    `json:"schemaVersion"`
	EventType     string `json:"eventType"`

	LogID  string `json:"logId"`
	UserID string `json:"userId"`
	Wallet string `json:"wallet"`
	Kind   string `json:"kind"`
	Status string `json:"status"`

	RequestedAmount   uint64  `json:"requestedAmount"`
	FeeAmountExpected float64 `json:"feeAmountExpected"`
	FeeAmountUsd      float64 `json:"feeAmountUsd"`
	PriceAtRequest    float64 `json:"priceAtRequest"`

	FeeTxSignature    string `json:"feeTxSignature,omitempty"`
	PayoutTxSignature string `json:"payoutTxSignature,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	RetryCount   int    `json:"retryCount,omitempty"`

	EmittedAt time.Time `json:"emittedAt"`
}

// NewAttemptEvent snapshots a log record into the event payload for eventType.
func NewAttemptEvent(eventType string, l WithdrawalLog, at time.Time) AttemptEvent {
	ev := AttemptEvent{
		SchemaVersion: EventSchemaVersion,
		EventType:     eventType,

		LogID:  l.ID.Hex(),
		UserID: l.UserID,
		Wallet: l.Wallet.Hex(),
		Kind:   string(l.Kind),
		Status: string(l.Status),

		RequestedAmount:   l.RequestedAmount,
		FeeAmountExpected: l.FeeAmountExpected,
		FeeAmountUsd:      l.FeeAmountUsd,
		PriceAtRequest:    l.PriceAtRequest,

		ErrorCode:    l.ErrorCode,
		ErrorMessage: l.ErrorMessage,
		RetryCount:   l.RetryCount,

		EmittedAt: at.UTC(),
	}
	if l.FeeTxSignature != (common.Hash{}) {
		ev.FeeTxSignature = l.FeeTxSignature.Hex()
	}
	if l.PayoutTxSignature != (common.Hash{}) {
		ev.PayoutTxSignature = l.PayoutTxSignature.Hex()
	}
	return ev
}

func (e AttemptEvent) Marshal() ([]byte, error) {
	out, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal attempt event: %w", err)
	}
	return out, nil
}
