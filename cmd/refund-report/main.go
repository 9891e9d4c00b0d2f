// Command refund-report is a one-shot operator tool: it dumps the pending
// refund queue as JSON lines, and can mark a single attempt refunded after
// the balance has been restored out of band.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	ledgerpg "github.com/stakeworks/staking-ledger/internal/ledger/postgres"
	"github.com/stakeworks/staking-ledger/internal/secrets"
)

type refundRow struct {
	LogID  string `json:"logId"`
	UserID string `json:"userId"`
	Wallet string `json:"wallet"`
	Kind   string `json:"kind"`

	RequestedAmount uint64  `json:"requestedAmount"`
	BalanceBefore   float64 `json:"balanceBefore"`
	BalanceAfter    float64 `json:"balanceAfter"`

	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	FailedAt time.Time `json:"failedAt"`
}

func main() {
	var (
		secretsDriver     = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: env or aws")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "STAKING_POSTGRES_DSN", "secret key holding the Postgres DSN")

		markRefunded = flag.String("mark-refunded", "", "attempt id to mark refunded instead of dumping the queue")
		notes        = flag.String("notes", "", "operator notes recorded with --mark-refunded")

		timeout = flag.Duration("timeout", 30*time.Second, "overall run timeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *timeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --timeout must be > 0")
		os.Exit(2)
	}
	if *markRefunded == "" && *notes != "" {
		fmt.Fprintln(os.Stderr, "error: --notes requires --mark-refunded")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	secretsProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	dsn, err := secretsProvider.Get(ctx, *postgresDSNSecret)
	if err != nil {
		log.Error("resolve postgres dsn", "key", *postgresDSNSecret, "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := ledgerpg.New(pool)
	if err != nil {
		log.Error("init ledger store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure ledger schema", "err", err)
		os.Exit(2)
	}

	if *markRefunded != "" {
		id, err := parseHash32(*markRefunded)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: --mark-refunded: %v\n", err)
			os.Exit(2)
		}
		if err := store.MarkRefunded(ctx, id, *notes, time.Now().UTC()); err != nil {
			log.Error("mark refunded", "id", id.Hex(), "err", err)
			os.Exit(1)
		}
		log.Info("marked refunded", "id", id.Hex())
		return
	}

	pending, err := store.ListPendingRefunds(ctx)
	if err != nil {
		log.Error("list pending refunds", "err", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, l := range pending {
		row := refundRow{
			LogID:           l.ID.Hex(),
			UserID:          l.UserID,
			Wallet:          l.Wallet.Hex(),
			Kind:            string(l.Kind),
			RequestedAmount: l.RequestedAmount,
			BalanceBefore:   l.BalanceBefore,
			BalanceAfter:    l.BalanceAfter,
			ErrorCode:       l.ErrorCode,
			ErrorMessage:    l.ErrorMessage,
			FailedAt:        l.FailedAt,
		}
		if err := enc.Encode(row); err != nil {
			log.Error("encode refund row", "id", l.ID.Hex(), "err", err)
			os.Exit(1)
		}
	}
	log.Info("refund queue dumped", "count", len(pending))
}

func parseHash32(s string) (common.Hash, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if len(s) != 64 {
		return common.Hash{}, fmt.Errorf("expected 32-byte hex, got len %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("decode hex: %w", err)
	}
	return common.BytesToHash(b), nil
}
