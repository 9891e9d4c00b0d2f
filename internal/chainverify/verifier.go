// Package chainverify checks claimed on-chain fee payments against a
// destination and amount-range contract before the ledger will honor them.
package chainverify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeworks/staking-ledger/internal/ledgerrpc"
)

var (
	ErrInvalidConfig = errors.New("chainverify: invalid config")

	// Terminal verification failures. These are request-semantic: the caller
	// must start a new attempt with a fresh signature, never retry.
	ErrNotFound            = errors.New("chainverify: transaction not found")
	ErrOnChainFailure      = errors.New("chainverify: transaction failed on chain")
	ErrNoMatchingTransfer  = errors.New("chainverify: no transfer instructions")
	ErrDestinationMismatch = errors.New("chainverify: no transfer to expected destination")
	ErrAmountOutOfRange    = errors.New("chainverify: transfer amount out of range")
)

// RPC is the finalized-transaction source.
type RPC interface {
	GetFinalizedTransaction(ctx context.Context, sig common.Hash) (ledgerrpc.FinalizedTransaction, error)
}

type Config struct {
	// MaxAttempts bounds transient-fault retries. Semantic failures are never
	// retried regardless of this setting.
	MaxAttempts int

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Sleep is injectable for tests; defaults to a context-aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is a successful verification outcome. The transfer amount is echoed
// back so the caller can settle against what was actually paid.
type Result struct {
	ActualAmount float64
}

type Verifier struct {
	cfg Config
	rpc RPC
	log *slog.Logger
}

func New(cfg Config, rpc RPC, log *slog.Logger) (*Verifier, error) {
	if rpc == nil {
		return nil, fmt.Errorf("%w: nil rpc", ErrInvalidConfig)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: MaxAttempts must be >= 1", ErrInvalidConfig)
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 15 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return nil, fmt.Errorf("%w: RetryMaxDelay must be >= RetryBaseDelay > 0", ErrInvalidConfig)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Verifier{cfg: cfg, rpc: rpc, log: log}, nil
}

// Verify fetches the finalized transaction for sig and checks it pays
// expectedDest an amount inside bounds (inclusive both ends).
//
// Transient transport faults are retried with bounded exponential backoff;
// every other failure propagates immediately.
func (v *Verifier) Verify(ctx context.Context, sig common.Hash, expectedDest common.Address, bounds Bounds) (Result, error) {
	if v == nil || v.rpc == nil {
		return Result{}, fmt.Errorf("%w: nil verifier", ErrInvalidConfig)
	}
	if expectedDest == (common.Address{}) {
		return Result{}, fmt.Errorf("%w: missing expected destination", ErrInvalidConfig)
	}

	var tx ledgerrpc.FinalizedTransaction
	var err error
	for attempt := 1; ; attempt++ {
		tx, err = v.rpc.GetFinalizedTransaction(ctx, sig)
		if err == nil {
			break
		}
		if errors.Is(err, ledgerrpc.ErrTxNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, sig.Hex())
		}
		if !errors.Is(err, ledgerrpc.ErrTransport) || attempt >= v.cfg.MaxAttempts {
			return Result{}, fmt.Errorf("chainverify: fetch transaction: %w", err)
		}
		delay := retryBackoff(v.cfg.RetryBaseDelay, v.cfg.RetryMaxDelay, attempt)
		v.log.Warn("transient rpc failure, retrying",
			"signature", sig.Hex(), "attempt", attempt, "delay", delay, "err", err)
		if err := v.cfg.Sleep(ctx, delay); err != nil {
			return Result{}, err
		}
	}

	if !tx.Succeeded {
		return Result{}, fmt.Errorf("%w: %s", ErrOnChainFailure, sig.Hex())
	}
	if len(tx.Transfers) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoMatchingTransfer, sig.Hex())
	}

	matched := false
	var actual float64
	for _, tr := range tx.Transfers {
		if tr.To != expectedDest {
			continue
		}
		matched = true
		actual = tr.Amount
		break
	}
	if !matched {
		return Result{}, fmt.Errorf("%w: %s", ErrDestinationMismatch, sig.Hex())
	}
	if !bounds.Contains(actual) {
		return Result{}, fmt.Errorf("%w: amount %v", ErrAmountOutOfRange, actual)
	}
	return Result{ActualAmount: actual}, nil
}

func retryBackoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
