package chainverify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeworks/staking-ledger/internal/ledgerrpc"
)

var (
	treasury = common.HexToAddress("0x2222222222222222222222222222222222222222")
	other    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	payer    = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeRPC struct {
	txs      map[common.Hash]ledgerrpc.FinalizedTransaction
	failures int // transport failures before succeeding
	calls    int
}

func (f *fakeRPC) GetFinalizedTransaction(_ context.Context, sig common.Hash) (ledgerrpc.FinalizedTransaction, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return ledgerrpc.FinalizedTransaction{}, fmt.Errorf("%w: connection reset", ledgerrpc.ErrTransport)
	}
	tx, ok := f.txs[sig]
	if !ok {
		return ledgerrpc.FinalizedTransaction{}, ledgerrpc.ErrTxNotFound
	}
	return tx, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newVerifier(t *testing.T, rpc RPC) *Verifier {
	t.Helper()
	v, err := New(Config{Sleep: noSleep}, rpc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestVerify_HappyPath(t *testing.T) {
	t.Parallel()

	sig := common.HexToHash("0x01")
	rpc := &fakeRPC{txs: map[common.Hash]ledgerrpc.FinalizedTransaction{
		sig: {Succeeded: true, Transfers: []ledgerrpc.Transfer{
			{From: payer, To: other, Amount: 1.0},
			{From: payer, To: treasury, Amount: 0.00125},
		}},
	}}
	v := newVerifier(t, rpc)

	bounds, err := BoundsFromTolerance(0.00125, 0.05)
	if err != nil {
		t.Fatalf("BoundsFromTolerance: %v", err)
	}
	res, err := v.Verify(context.Background(), sig, treasury, bounds)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.ActualAmount != 0.00125 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestVerify_ErrorTaxonomy(t *testing.T) {
	t.Parallel()

	sigFailed := common.HexToHash("0x02")
	sigNoTransfers := common.HexToHash("0x03")
	sigWrongDest := common.HexToHash("0x04")
	sigTooSmall := common.HexToHash("0x05")

	rpc := &fakeRPC{txs: map[common.Hash]ledgerrpc.FinalizedTransaction{
		sigFailed:      {Succeeded: false},
		sigNoTransfers: {Succeeded: true},
		sigWrongDest:   {Succeeded: true, Transfers: []ledgerrpc.Transfer{{From: payer, To: other, Amount: 0.00125}}},
		sigTooSmall:    {Succeeded: true, Transfers: []ledgerrpc.Transfer{{From: payer, To: treasury, Amount: 0.0001}}},
	}}
	v := newVerifier(t, rpc)
	bounds, _ := ExplicitBounds(0.001, 0.002)

	cases := []struct {
		name string
		sig  common.Hash
		want error
	}{
		{"missing tx", common.HexToHash("0xbe"), ErrNotFound},
		{"failed on chain", sigFailed, ErrOnChainFailure},
		{"no transfers", sigNoTransfers, ErrNoMatchingTransfer},
		{"wrong destination", sigWrongDest, ErrDestinationMismatch},
		{"amount below min", sigTooSmall, ErrAmountOutOfRange},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := v.Verify(context.Background(), tc.sig, treasury, bounds)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

// A min bound of exactly zero is a real bound and must not fall through to any
// other default; zero and the exact max are both inclusive.
func TestVerify_ZeroMinBoundIsInclusive(t *testing.T) {
	t.Parallel()

	sigZero := common.HexToHash("0x10")
	sigMax := common.HexToHash("0x11")
	sigOver := common.HexToHash("0x12")
	rpc := &fakeRPC{txs: map[common.Hash]ledgerrpc.FinalizedTransaction{
		sigZero: {Succeeded: true, Transfers: []ledgerrpc.Transfer{{From: payer, To: treasury, Amount: 0}}},
		sigMax:  {Succeeded: true, Transfers: []ledgerrpc.Transfer{{From: payer, To: treasury, Amount: 0.005}}},
		sigOver: {Succeeded: true, Transfers: []ledgerrpc.Transfer{{From: payer, To: treasury, Amount: 0.0051}}},
	}}
	v := newVerifier(t, rpc)

	bounds, err := ExplicitBounds(0, 0.005)
	if err != nil {
		t.Fatalf("ExplicitBounds: %v", err)
	}

	if res, err := v.Verify(context.Background(), sigZero, treasury, bounds); err != nil || res.ActualAmount != 0 {
		t.Fatalf("amount exactly 0: res=%+v err=%v", res, err)
	}
	if res, err := v.Verify(context.Background(), sigMax, treasury, bounds); err != nil || res.ActualAmount != 0.005 {
		t.Fatalf("amount exactly max: res=%+v err=%v", res, err)
	}
	if _, err := v.Verify(context.Background(), sigOver, treasury, bounds); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("amount above max: got %v, want ErrAmountOutOfRange", err)
	}
}

func TestVerify_RetriesTransportFaultsOnly(t *testing.T) {
	t.Parallel()

	sig := common.HexToHash("0x20")
	rpc := &fakeRPC{
		failures: 2,
		txs: map[common.Hash]ledgerrpc.FinalizedTransaction{
			sig: {Succeeded: true, Transfers: []ledgerrpc.Transfer{{From: payer, To: treasury, Amount: 0.5}}},
		},
	}
	v := newVerifier(t, rpc)
	bounds, _ := ExplicitBounds(0, 1)

	res, err := v.Verify(context.Background(), sig, treasury, bounds)
	if err != nil {
		t.Fatalf("Verify after transient faults: %v", err)
	}
	if res.ActualAmount != 0.5 || rpc.calls != 3 {
		t.Fatalf("calls=%d res=%+v", rpc.calls, res)
	}
}

func TestVerify_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	rpc := &fakeRPC{failures: 10}
	v := newVerifier(t, rpc)
	bounds, _ := ExplicitBounds(0, 1)

	_, err := v.Verify(context.Background(), common.HexToHash("0x21"), treasury, bounds)
	if !errors.Is(err, ledgerrpc.ErrTransport) {
		t.Fatalf("got %v, want wrapped ErrTransport", err)
	}
	if rpc.calls != 3 {
		t.Fatalf("calls=%d, want 3 (default MaxAttempts)", rpc.calls)
	}
}

func TestVerify_SemanticFailureNotRetried(t *testing.T) {
	t.Parallel()

	sig := common.HexToHash("0x22")
	rpc := &fakeRPC{txs: map[common.Hash]ledgerrpc.FinalizedTransaction{
		sig: {Succeeded: true, Transfers: []ledgerrpc.Transfer{{From: payer, To: treasury, Amount: 9}}},
	}}
	v := newVerifier(t, rpc)
	bounds, _ := ExplicitBounds(0, 1)

	if _, err := v.Verify(context.Background(), sig, treasury, bounds); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("got %v, want ErrAmountOutOfRange", err)
	}
	if rpc.calls != 1 {
		t.Fatalf("semantic failure retried: calls=%d", rpc.calls)
	}
}

func TestBounds_ToleranceOfOne(t *testing.T) {
	t.Parallel()

	bounds, err := BoundsFromTolerance(0.001, 1.0)
	if err != nil {
		t.Fatalf("BoundsFromTolerance: %v", err)
	}
	if !bounds.Contains(0) {
		t.Fatalf("tolerance 1.0 must accept zero")
	}
	if !bounds.Contains(0.002) {
		t.Fatalf("tolerance 1.0 must accept double nominal")
	}
	if bounds.Contains(0.0021) {
		t.Fatalf("tolerance 1.0 must reject above double nominal")
	}
}

func TestBounds_AbsentBoundsConstrainNothing(t *testing.T) {
	t.Parallel()

	var b Bounds
	if !b.Contains(0) || !b.Contains(1e12) {
		t.Fatalf("absent bounds must accept any amount")
	}
	b.Min = BoundOf(0)
	if !b.Contains(0) {
		t.Fatalf("present zero min must accept zero")
	}
	if b.Contains(-0.0001) {
		t.Fatalf("present zero min must reject negatives")
	}
}
