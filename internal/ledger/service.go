package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeworks/staking-ledger/internal/accrual"
	"github.com/stakeworks/staking-ledger/internal/blobstore"
	"github.com/stakeworks/staking-ledger/internal/booster"
	"github.com/stakeworks/staking-ledger/internal/chainverify"
	"github.com/stakeworks/staking-ledger/internal/ledgerrpc"
	"github.com/stakeworks/staking-ledger/internal/policy"
	"github.com/stakeworks/staking-ledger/internal/position"
	"github.com/stakeworks/staking-ledger/internal/replay"
)

var ErrInvalidConfig = errors.New("ledger: invalid config")

// FeeVerifier checks a claimed fee payment on chain. *chainverify.Verifier is
// the production implementation.
type FeeVerifier interface {
	Verify(ctx context.Context, sig common.Hash, expectedDest common.Address, bounds chainverify.Bounds) (chainverify.Result, error)
}

// Payout is the settlement owed to the user after a verified attempt.
type Payout struct {
	To        common.Address
	Principal uint64 // token base units, zero for claims
	Rewards   float64
}

// Payer executes the payout transfer and returns its transaction signature.
// Implementations must be safe to call once per completed attempt.
type Payer interface {
	Pay(ctx context.Context, p Payout) (common.Hash, error)
}

// EventSink receives audit event payloads. queue.Producer satisfies it.
type EventSink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// FeeConfig is the USD-denominated fee contract per attempt kind. The on-chain
// payment is made in the reward asset; the expected amount is feeUsd divided
// by the price locked at initiation.
type FeeConfig struct {
	WithdrawalFeeUsd float64
	ClaimFeeUsd      float64

	// Tolerances widen the accepted payment range around the expected amount.
	// The claim tolerance defaults to 1.0 so the lower bound clamps to zero:
	// an explicit zero-amount claim fee is valid.
	WithdrawalFeeTolerance float64
	ClaimFeeTolerance      float64
}

type Config struct {
	// Treasury is the address fee payments must land on.
	Treasury common.Address

	Fees FeeConfig

	Expiry policy.ExpiryConfig

	// MaxApplyRetries bounds re-reads after a version conflict on the position
	// or pool row.
	MaxApplyRetries int

	Now func() time.Time
}

// Service drives the withdrawal-attempt lifecycle: initiation, fee
// verification, the atomic balance apply, payout, and the refund queue.
type Service struct {
	cfg Config

	logs      Store
	positions position.Store
	verifier  FeeVerifier
	prices    ledgerrpc.PriceSource
	schedule  accrual.Schedule
	boosters  booster.Resolver

	payer   Payer
	sink    EventSink
	topic   string
	archive blobstore.Store

	log *slog.Logger
}

func NewService(cfg Config, logs Store, positions position.Store, verifier FeeVerifier, prices ledgerrpc.PriceSource, schedule accrual.Schedule, boosters booster.Resolver, log *slog.Logger) (*Service, error) {
	if logs == nil || positions == nil || verifier == nil || prices == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Treasury == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing treasury address", ErrInvalidConfig)
	}
	if cfg.Fees.WithdrawalFeeUsd < 0 || cfg.Fees.ClaimFeeUsd < 0 {
		return nil, fmt.Errorf("%w: negative fee", ErrInvalidConfig)
	}
	if cfg.Fees.WithdrawalFeeTolerance == 0 {
		cfg.Fees.WithdrawalFeeTolerance = 0.05
	}
	if cfg.Fees.ClaimFeeTolerance == 0 {
		cfg.Fees.ClaimFeeTolerance = 1.0
	}
	if cfg.Fees.WithdrawalFeeTolerance < 0 || cfg.Fees.ClaimFeeTolerance < 0 {
		return nil, fmt.Errorf("%w: negative fee tolerance", ErrInvalidConfig)
	}
	if cfg.Expiry.Window == 0 {
		cfg.Expiry.Window = policy.DefaultExpiryWindow
	}
	if cfg.Expiry.MaxBatch == 0 {
		cfg.Expiry.MaxBatch = policy.DefaultMaxExpireBatch
	}
	if cfg.Expiry.Window < 0 || cfg.Expiry.MaxBatch < 0 {
		return nil, fmt.Errorf("%w: negative expiry settings", ErrInvalidConfig)
	}
	if cfg.MaxApplyRetries == 0 {
		cfg.MaxApplyRetries = 3
	}
	if cfg.MaxApplyRetries < 1 {
		return nil, fmt.Errorf("%w: MaxApplyRetries must be >= 1", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:       cfg,
		logs:      logs,
		positions: positions,
		verifier:  verifier,
		prices:    prices,
		schedule:  schedule,
		boosters:  boosters,
		log:       log,
	}, nil
}

// WithPayer configures the optional payout executor. Without one, completed
// attempts record a zero payout signature and settlement happens out of band.
func (s *Service) WithPayer(p Payer) *Service {
	s.payer = p
	return s
}

// WithEventSink mirrors every transition onto the given topic.
func (s *Service) WithEventSink(sink EventSink, topic string) *Service {
	s.sink = sink
	s.topic = topic
	return s
}

// WithArchive persists a JSON snapshot of each terminal record.
func (s *Service) WithArchive(store blobstore.Store) *Service {
	s.archive = store
	return s
}

// InitiateWithdrawal opens a new attempt in the initiated state and locks the
// fee contract against the current price. requestedAmount is in token base
// units; zero means the full position. Claims must pass zero.
func (s *Service) InitiateWithdrawal(ctx context.Context, userID string, wallet common.Address, kind Kind, requestedAmount uint64) (WithdrawalLog, error) {
	if kind != KindWithdrawal && kind != KindClaim {
		return WithdrawalLog{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, string(kind))
	}
	if kind == KindClaim && requestedAmount != 0 {
		return WithdrawalLog{}, fmt.Errorf("%w: claims settle the full pending reward", ErrInvalidInput)
	}

	pos, err := s.positions.GetPosition(ctx, userID)
	if err != nil {
		return WithdrawalLog{}, err
	}
	if kind == KindWithdrawal {
		if pos.Principal == 0 {
			return WithdrawalLog{}, fmt.Errorf("%w: nothing staked", position.ErrInsufficientPrincipal)
		}
		if requestedAmount > pos.Principal {
			return WithdrawalLog{}, fmt.Errorf("%w: requested %d > staked %d",
				position.ErrInsufficientPrincipal, requestedAmount, pos.Principal)
		}
	}

	price, err := s.prices.QuotePrice(ctx)
	if err != nil {
		return WithdrawalLog{}, fmt.Errorf("ledger: quote price: %w", err)
	}
	if err := accrual.ValidatePrice(price); err != nil {
		return WithdrawalLog{}, err
	}

	feeUsd := s.cfg.Fees.WithdrawalFeeUsd
	if kind == KindClaim {
		feeUsd = s.cfg.Fees.ClaimFeeUsd
	}

	now := s.cfg.Now().UTC()
	l := WithdrawalLog{
		ID:                LogIDV1(userID, wallet, now),
		UserID:            userID,
		Wallet:            wallet,
		Kind:              kind,
		RequestedAmount:   requestedAmount,
		FeeAmountExpected: feeUsd / price,
		FeeAmountUsd:      feeUsd,
		PriceAtRequest:    price,
		Status:            StatusInitiated,
		CreatedAt:         now,
	}
	if err := s.logs.Create(ctx, l); err != nil {
		return WithdrawalLog{}, err
	}
	l.UpdatedAt = now
	s.publish(ctx, EventInitiated, l)
	return l, nil
}

// VerifyAndApply settles an initiated attempt against its claimed fee payment:
//
//  1. verify the fee transaction pays the treasury an amount inside the
//     attempt's tolerance band,
//  2. atomically consume the signature and apply the balance changes,
//  3. mark fee_verified, execute the payout, mark completed.
//
// Any failure transitions the attempt to failed with a stable error code. A
// failure after step 2 leaves balanceDeducted set, routing the attempt to the
// refund queue.
func (s *Service) VerifyAndApply(ctx context.Context, id common.Hash, feeSig common.Hash) (WithdrawalLog, error) {
	l, err := s.logs.Get(ctx, id)
	if err != nil {
		return WithdrawalLog{}, err
	}
	if l.Status != StatusInitiated {
		return l, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id.Hex(), l.Status)
	}

	now := s.cfg.Now().UTC()
	if !l.CreatedAt.Add(s.cfg.Expiry.Window).After(now) {
		s.fail(ctx, id, CodeExpired, "fee verification window elapsed")
		return WithdrawalLog{}, fmt.Errorf("%w: %s", ErrExpired, id.Hex())
	}

	tolerance := s.cfg.Fees.WithdrawalFeeTolerance
	if l.Kind == KindClaim {
		tolerance = s.cfg.Fees.ClaimFeeTolerance
	}
	bounds, err := chainverify.BoundsFromTolerance(l.FeeAmountExpected, tolerance)
	if err != nil {
		// A tolerance the bounds builder rejects is a configuration defect;
		// fail the attempt loudly instead of verifying against garbage.
		s.fail(ctx, id, CodeInvalidFeeBounds, err.Error())
		return WithdrawalLog{}, fmt.Errorf("ledger: fee bounds: %w", err)
	}

	res, err := s.verifier.Verify(ctx, feeSig, s.cfg.Treasury, bounds)
	if err != nil {
		s.fail(ctx, id, verifyErrorCode(err), err.Error())
		return WithdrawalLog{}, fmt.Errorf("ledger: verify fee: %w", err)
	}

	settled, err := s.applyBalances(ctx, l, feeSig, res.ActualAmount)
	if err != nil {
		s.fail(ctx, id, applyErrorCode(err), err.Error())
		return WithdrawalLog{}, err
	}

	if err := s.logs.MarkFeeVerified(ctx, id, feeSig, settled.balanceBefore, settled.balanceAfter, s.cfg.Now().UTC()); err != nil {
		// Balances are already committed; record the deduction on the failed
		// attempt so it lands on the refund queue instead of expiring silently.
		s.log.Error("fee applied but transition failed", "id", id.Hex(), "err", err)
		if merr := s.logs.MarkFailedDeducted(ctx, id, feeSig, settled.balanceBefore, settled.balanceAfter,
			CodePersistenceError, err.Error(), s.cfg.Now().UTC()); merr != nil {
			s.log.Error("mark failed with deduction", "id", id.Hex(), "err", merr)
		} else if cur, gerr := s.logs.Get(ctx, id); gerr == nil {
			s.publish(ctx, EventFailed, cur)
		}
		return WithdrawalLog{}, err
	}
	if cur, err := s.logs.Get(ctx, id); err == nil {
		s.publish(ctx, EventFeeVerified, cur)
	}

	var payoutSig common.Hash
	if s.payer != nil {
		payoutSig, err = s.payer.Pay(ctx, Payout{
			To:        l.Wallet,
			Principal: settled.principal,
			Rewards:   settled.rewards,
		})
		if err != nil {
			s.fail(ctx, id, CodePayoutFailure, err.Error())
			return WithdrawalLog{}, fmt.Errorf("ledger: payout: %w", err)
		}
	}

	if err := s.logs.MarkCompleted(ctx, id, payoutSig, s.cfg.Now().UTC()); err != nil {
		return WithdrawalLog{}, err
	}
	final, err := s.logs.Get(ctx, id)
	if err != nil {
		return WithdrawalLog{}, err
	}
	s.publish(ctx, EventCompleted, final)
	s.archiveLog(ctx, final)
	return final, nil
}

type settlement struct {
	principal     uint64
	rewards       float64
	balanceBefore float64
	balanceAfter  float64
}

// applyBalances consumes the fee signature and mutates the position and pool
// in one atomic store apply, retrying version conflicts against fresh reads.
func (s *Service) applyBalances(ctx context.Context, l WithdrawalLog, feeSig common.Hash, feeAmount float64) (settlement, error) {
	purpose := replay.PurposeWithdrawalFee
	if l.Kind == KindClaim {
		purpose = replay.PurposeClaimFee
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxApplyRetries; attempt++ {
		pos, err := s.positions.GetPosition(ctx, l.UserID)
		if err != nil {
			return settlement{}, err
		}
		pool, err := s.positions.GetPool(ctx)
		if err != nil {
			return settlement{}, err
		}

		mult, err := s.boosters.Resolve(pos.Boosters)
		if err != nil {
			return settlement{}, err
		}
		now := s.cfg.Now().UTC()
		accrued, err := s.schedule.Accrue(pos.Principal, pos.LockedPrice, pos.StakeStartAt, now, mult)
		if err != nil {
			return settlement{}, err
		}
		claimable := accrued - pos.TotalClaimed
		if claimable < 0 {
			claimable = 0
		}
		newAccrued := pos.TotalClaimed + claimable

		used := replay.UsedSignature{
			Signature:  feeSig,
			UserID:     l.UserID,
			Purpose:    purpose,
			ConsumedAt: now,
		}

		out := settlement{
			rewards:       claimable,
			balanceBefore: claimable,
			balanceAfter:  0,
		}
		switch l.Kind {
		case KindClaim:
			_, err = s.positions.ApplyClaim(ctx, l.UserID, used, position.ClaimApply{
				ExpectedVersion:     pos.Version,
				ExpectedPoolVersion: pool.Version,
				NewTotalAccrued:     newAccrued,
				ClaimAmount:         claimable,
				FeeToPool:           feeAmount,
				Now:                 now,
			})
		default:
			delta := l.RequestedAmount
			if delta == 0 {
				delta = pos.Principal
			}
			out.principal = delta
			_, err = s.positions.ApplyUnstake(ctx, l.UserID, used, position.UnstakeApply{
				ExpectedVersion:     pos.Version,
				ExpectedPoolVersion: pool.Version,
				PrincipalDelta:      delta,
				NewTotalAccrued:     newAccrued,
				RewardPayout:        claimable,
				FeeToPool:           feeAmount,
				Now:                 now,
			})
		}
		if err == nil {
			return out, nil
		}
		if errors.Is(err, position.ErrConcurrentModification) {
			lastErr = err
			continue
		}
		return settlement{}, err
	}
	return settlement{}, lastErr
}

// ExpireStale fails initiated attempts whose fee verification window elapsed.
// Returns how many attempts were expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.cfg.Now().UTC()
	stale, err := s.logs.ListStaleInitiated(ctx, now.Add(-s.cfg.Expiry.Window))
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	attempts := make([]policy.Attempt, 0, len(stale))
	for _, l := range stale {
		attempts = append(attempts, policy.Attempt{ID: l.ID, CreatedAt: l.CreatedAt})
	}
	plans, err := policy.PlanExpirations(now, attempts, s.cfg.Expiry)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, batch := range plans {
		for _, id := range batch {
			err := s.logs.MarkFailed(ctx, id, CodeExpired, "fee verification window elapsed", now)
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				// Another sweeper or the verifier got there first.
				continue
			}
			if err != nil {
				return expired, err
			}
			expired++
			if cur, err := s.logs.Get(ctx, id); err == nil {
				s.publish(ctx, EventFailed, cur)
			}
		}
	}
	return expired, nil
}

// PendingRefunds returns the manual-intervention queue.
func (s *Service) PendingRefunds(ctx context.Context) ([]WithdrawalLog, error) {
	return s.logs.ListPendingRefunds(ctx)
}

// MarkRefunded records operator-confirmed restoration of a deducted balance.
func (s *Service) MarkRefunded(ctx context.Context, id common.Hash, notes string) error {
	if err := s.logs.MarkRefunded(ctx, id, notes, s.cfg.Now().UTC()); err != nil {
		return err
	}
	final, err := s.logs.Get(ctx, id)
	if err != nil {
		return err
	}
	s.publish(ctx, EventRefunded, final)
	s.archiveLog(ctx, final)
	return nil
}

// PositionView is a position snapshot enriched with live accrual figures.
type PositionView struct {
	Position position.Position

	Multiplier    float64
	AccruedToDate float64
	Claimable     float64

	// PoolShareEstimate is a monitoring signal; AccruedToDate is authoritative.
	PoolShareEstimate float64
}

// GetPosition recomputes the user's live reward figures without mutating state.
func (s *Service) GetPosition(ctx context.Context, userID string) (PositionView, error) {
	pos, err := s.positions.GetPosition(ctx, userID)
	if err != nil {
		return PositionView{}, err
	}
	pool, err := s.positions.GetPool(ctx)
	if err != nil {
		return PositionView{}, err
	}

	mult, err := s.boosters.Resolve(pos.Boosters)
	if err != nil {
		return PositionView{}, err
	}
	accrued := 0.0
	if pos.Principal > 0 {
		accrued, err = s.schedule.Accrue(pos.Principal, pos.LockedPrice, pos.StakeStartAt, s.cfg.Now().UTC(), mult)
		if err != nil {
			return PositionView{}, err
		}
	}
	claimable := accrued - pos.TotalClaimed
	if claimable < 0 {
		claimable = 0
	}
	return PositionView{
		Position:          pos,
		Multiplier:        mult,
		AccruedToDate:     accrued,
		Claimable:         claimable,
		PoolShareEstimate: accrual.PoolShareEstimate(pos.Principal, pool.TotalStakedPrincipal, pool.RewardPoolBalance),
	}, nil
}

// ListByUser returns the user's full attempt history, oldest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]WithdrawalLog, error) {
	return s.logs.ListByUser(ctx, userID)
}

func (s *Service) fail(ctx context.Context, id common.Hash, code, msg string) {
	if err := s.logs.MarkFailed(ctx, id, code, msg, s.cfg.Now().UTC()); err != nil {
		s.log.Error("mark failed", "id", id.Hex(), "code", code, "err", err)
		return
	}
	if cur, err := s.logs.Get(ctx, id); err == nil {
		s.publish(ctx, EventFailed, cur)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, l WithdrawalLog) {
	if s.sink == nil {
		return
	}
	payload, err := NewAttemptEvent(eventType, l, s.cfg.Now()).Marshal()
	if err != nil {
		s.log.Error("marshal audit event", "id", l.ID.Hex(), "type", eventType, "err", err)
		return
	}
	if err := s.sink.Publish(ctx, s.topic, payload); err != nil {
		s.log.Warn("publish audit event", "id", l.ID.Hex(), "type", eventType, "err", err)
	}
}

func logArchiveKey(id common.Hash) string {
	return "withdrawals/logs/" + id.Hex() + ".json"
}

func (s *Service) archiveLog(ctx context.Context, l WithdrawalLog) {
	if s.archive == nil {
		return
	}
	payload, err := NewAttemptEvent("ledger.attempt.snapshot", l, s.cfg.Now()).Marshal()
	if err != nil {
		s.log.Error("marshal archive snapshot", "id", l.ID.Hex(), "err", err)
		return
	}
	err = s.archive.Put(ctx, logArchiveKey(l.ID), payload, blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"artifact-type": "withdrawal-log",
			"user-id":       l.UserID,
		},
	})
	if err != nil {
		s.log.Warn("archive log snapshot", "id", l.ID.Hex(), "err", err)
	}
}

func verifyErrorCode(err error) string {
	switch {
	case errors.Is(err, chainverify.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, chainverify.ErrOnChainFailure):
		return CodeOnChainFailure
	case errors.Is(err, chainverify.ErrNoMatchingTransfer):
		return CodeNoMatchingTransfer
	case errors.Is(err, chainverify.ErrDestinationMismatch):
		return CodeDestinationMismatch
	case errors.Is(err, chainverify.ErrAmountOutOfRange):
		return CodeAmountOutOfRange
	default:
		return CodePersistenceError
	}
}

func applyErrorCode(err error) string {
	switch {
	case errors.Is(err, replay.ErrAlreadyUsed):
		return CodeAlreadyUsed
	case errors.Is(err, position.ErrConcurrentModification):
		return CodeConcurrentModification
	case errors.Is(err, position.ErrInsufficientPoolBalance):
		return CodeInsufficientPool
	case errors.Is(err, position.ErrInsufficientPrincipal):
		return CodeInsufficientPrincipal
	default:
		return CodePersistenceError
	}
}

var _ FeeVerifier = (*chainverify.Verifier)(nil)
