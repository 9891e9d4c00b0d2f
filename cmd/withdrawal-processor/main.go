// Command withdrawal-processor consumes withdrawal and claim requests from the
// queue, verifies fee payments on chain, applies balance changes, and sweeps
// expired attempts.
package main

import (
	"bytes"
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakeworks/staking-ledger/internal/accrual"
	"github.com/stakeworks/staking-ledger/internal/blobstore"
	"github.com/stakeworks/staking-ledger/internal/booster"
	"github.com/stakeworks/staking-ledger/internal/chainverify"
	"github.com/stakeworks/staking-ledger/internal/leases"
	leasespg "github.com/stakeworks/staking-ledger/internal/leases/postgres"
	"github.com/stakeworks/staking-ledger/internal/ledger"
	ledgerpg "github.com/stakeworks/staking-ledger/internal/ledger/postgres"
	"github.com/stakeworks/staking-ledger/internal/ledgerrpc"
	"github.com/stakeworks/staking-ledger/internal/policy"
	positionpg "github.com/stakeworks/staking-ledger/internal/position/postgres"
	"github.com/stakeworks/staking-ledger/internal/queue"
	"github.com/stakeworks/staking-ledger/internal/secrets"
)

const (
	versionInitiate = "withdrawals.initiate.v1"
	versionVerify   = "withdrawals.verify.v1"
)

type envelope struct {
	Version string `json:"version"`
}

type initiateRequestV1 struct {
	Version string `json:"version"`

	UserID string `json:"userId"`
	Wallet string `json:"wallet"`
	Kind   string `json:"kind"` // "withdrawal" or "claim"

	// RequestedAmount is in token base units; zero means the full position.
	RequestedAmount uint64 `json:"requestedAmount"`
}

type verifyRequestV1 struct {
	Version string `json:"version"`

	LogID        string `json:"logId"`
	FeeSignature string `json:"feeSignature"`
}

func main() {
	var (
		secretsDriver     = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: env or aws")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "STAKING_POSTGRES_DSN", "secret key holding the Postgres DSN")

		owner = flag.String("owner", "", "unique processor owner id (required; used for leader election)")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka or stdio")
		kafkaBrokers = flag.String("kafka-brokers", "", "comma-separated Kafka brokers (required for kafka driver)")
		kafkaGroup   = flag.String("kafka-group", "withdrawal-processor", "Kafka consumer group")

		rpcURL     = flag.String("rpc-url", "", "ledger node JSON-RPC URL (required)")
		rpcUserEnv = flag.String("rpc-user-env", "STAKING_RPC_USER", "env var containing optional ledger RPC username")
		rpcPassEnv = flag.String("rpc-pass-env", "STAKING_RPC_PASS", "env var containing optional ledger RPC password")
		rpcTimeout = flag.Duration("rpc-timeout", 15*time.Second, "ledger RPC timeout")
		rpcMaxResp = flag.Int64("rpc-max-response-bytes", 5<<20, "max bytes in ledger RPC response")

		verifyMaxAttempts = flag.Int("verify-max-attempts", 3, "max attempts per fee verification on transport faults")
		verifyRetryBase   = flag.Duration("verify-retry-base-delay", 2*time.Second, "base delay between verification retries")
		verifyRetryMax    = flag.Duration("verify-retry-max-delay", 15*time.Second, "max delay between verification retries")

		treasuryAddr     = flag.String("treasury-address", "", "treasury address fee payments must land on (required)")
		withdrawalFeeUsd = flag.Float64("withdrawal-fee-usd", 3.5, "withdrawal fee in USD")
		claimFeeUsd      = flag.Float64("claim-fee-usd", 3.5, "claim fee in USD")
		withdrawalFeeTol = flag.Float64("withdrawal-fee-tolerance", 0.05, "accepted deviation around the expected withdrawal fee")
		claimFeeTol      = flag.Float64("claim-fee-tolerance", 1.0, "accepted deviation around the expected claim fee")

		rateSchedule  = flag.String("rate-schedule", "", "comma-separated RFC3339=rate entries (required)")
		boosterPolicy = flag.String("booster-policy", string(booster.PolicyHighestTier), "booster composition policy: highest_tier or multiplicative")
		fixedPrice    = flag.Float64("fixed-price", 0, "constant reward asset price; 0 quotes the ledger node")

		expiryWindow   = flag.Duration("expiry-window", policy.DefaultExpiryWindow, "fee verification window per attempt")
		expiryMaxBatch = flag.Int("expiry-max-batch", policy.DefaultMaxExpireBatch, "max attempts expired per sweep batch")
		sweepInterval  = flag.Duration("sweep-interval", 15*time.Second, "interval between expiry sweeps")

		leaderElection = flag.Bool("leader-election", true, "enable expiry-sweep leader election via DB lease")
		leaderLeaseTTL = flag.Duration("leader-lease-ttl", 15*time.Second, "leader lease TTL (renewed each sweep)")

		archiveDriver = flag.String("archive-driver", blobstore.DriverS3, "audit archive driver: s3 or memory")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for audit snapshots (empty disables archiving)")
		archivePrefix = flag.String("archive-prefix", "staking-ledger", "key prefix inside the audit archive")

		handleTimeout = flag.Duration("handle-timeout", 30*time.Second, "per-message handling timeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *owner == "" || *rpcURL == "" {
		fmt.Fprintln(os.Stderr, "error: --owner and --rpc-url are required")
		os.Exit(2)
	}
	if *treasuryAddr == "" || !common.IsHexAddress(*treasuryAddr) {
		fmt.Fprintln(os.Stderr, "error: --treasury-address must be a valid hex address")
		os.Exit(2)
	}
	if *rateSchedule == "" {
		fmt.Fprintln(os.Stderr, "error: --rate-schedule is required")
		os.Exit(2)
	}
	if *withdrawalFeeUsd < 0 || *claimFeeUsd < 0 || *withdrawalFeeTol < 0 || *claimFeeTol < 0 {
		fmt.Fprintln(os.Stderr, "error: fees and tolerances must be >= 0")
		os.Exit(2)
	}
	if *expiryWindow <= 0 || *expiryMaxBatch <= 0 || *sweepInterval <= 0 || *leaderLeaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: expiry and lease settings must be > 0")
		os.Exit(2)
	}
	if *rpcTimeout <= 0 || *rpcMaxResp <= 0 || *verifyMaxAttempts <= 0 || *handleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: rpc and handling settings must be > 0")
		os.Exit(2)
	}
	if *verifyRetryBase <= 0 || *verifyRetryMax < *verifyRetryBase {
		fmt.Fprintln(os.Stderr, "error: verify retry delays must be > 0 and max >= base")
		os.Exit(2)
	}

	schedule, err := accrual.ParseSchedule(*rateSchedule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --rate-schedule: %v\n", err)
		os.Exit(2)
	}
	resolver, err := booster.NewResolver(booster.Policy(*boosterPolicy))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --booster-policy: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	logStore, err := ledgerpg.New(pool)
	if err != nil {
		log.Error("init ledger store", "err", err)
		os.Exit(2)
	}
	if err := logStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure ledger schema", "err", err)
		os.Exit(2)
	}
	posStore, err := positionpg.New(pool)
	if err != nil {
		log.Error("init position store", "err", err)
		os.Exit(2)
	}
	if err := posStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure position schema", "err", err)
		os.Exit(2)
	}

	rpcOpts := []ledgerrpc.Option{
		ledgerrpc.WithTimeout(*rpcTimeout),
		ledgerrpc.WithMaxResponseBytes(*rpcMaxResp),
	}
	rpcUser := os.Getenv(*rpcUserEnv)
	rpcPass := os.Getenv(*rpcPassEnv)
	if rpcUser != "" && rpcPass != "" {
		rpcOpts = append(rpcOpts, ledgerrpc.WithBasicAuth(rpcUser, rpcPass))
	}
	rpcClient, err := ledgerrpc.New(*rpcURL, rpcOpts...)
	if err != nil {
		log.Error("init ledger rpc", "err", err)
		os.Exit(2)
	}

	verifier, err := chainverify.New(chainverify.Config{
		MaxAttempts:    *verifyMaxAttempts,
		RetryBaseDelay: *verifyRetryBase,
		RetryMaxDelay:  *verifyRetryMax,
	}, rpcClient, log)
	if err != nil {
		log.Error("init fee verifier", "err", err)
		os.Exit(2)
	}

	var prices ledgerrpc.PriceSource = rpcClient
	if *fixedPrice > 0 {
		prices = ledgerrpc.FixedPriceSource(*fixedPrice)
	}

	svc, err := ledger.NewService(ledger.Config{
		Treasury: common.HexToAddress(*treasuryAddr),
		Fees: ledger.FeeConfig{
			WithdrawalFeeUsd:       *withdrawalFeeUsd,
			ClaimFeeUsd:            *claimFeeUsd,
			WithdrawalFeeTolerance: *withdrawalFeeTol,
			ClaimFeeTolerance:      *claimFeeTol,
		},
		Expiry: policy.ExpiryConfig{
			Window:   *expiryWindow,
			MaxBatch: *expiryMaxBatch,
		},
		Now: time.Now,
	}, logStore, posStore, verifier, prices, schedule, resolver, log)
	if err != nil {
		log.Error("init ledger service", "err", err)
		os.Exit(2)
	}

	brokers := queue.SplitCommaList(*kafkaBrokers)

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: brokers,
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()
	svc.WithEventSink(producer, queue.TopicLedgerAudit)

	if *archiveBucket != "" {
		archive, err := newBlobStore(ctx, *archiveDriver, *archiveBucket, *archivePrefix)
		if err != nil {
			log.Error("init audit archive", "err", err)
			os.Exit(2)
		}
		svc.WithArchive(archive)
	}

	var elector *leases.Elector
	if *leaderElection {
		leaseStore, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := leaseStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		elector, err = leases.NewElector(leaseStore, leases.NameExpirySweeper, *owner, *leaderLeaseTTL)
		if err != nil {
			log.Error("init elector", "err", err)
			os.Exit(2)
		}
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: brokers,
		Group:   *kafkaGroup,
		Topics:  []string{queue.TopicWithdrawalRequests},
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	log.Info("withdrawal processor started",
		"owner", *owner,
		"queueDriver", *queueDriver,
		"treasury", common.HexToAddress(*treasuryAddr),
		"expiryWindow", expiryWindow.String(),
		"sweepInterval", sweepInterval.String(),
		"archiveBucket", *archiveBucket,
	)

	t := time.NewTicker(*sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-consumer.Errors():
			if !ok {
				return
			}
			log.Error("queue consumer", "err", err)
		case <-t.C:
			if elector != nil {
				leader, err := elector.Tick(ctx)
				if err != nil {
					log.Error("leader election tick", "err", err)
					continue
				}
				if !leader {
					continue
				}
			}
			n, err := svc.ExpireStale(ctx)
			if err != nil {
				log.Error("expiry sweep", "err", err)
				continue
			}
			if n > 0 {
				log.Info("expired stale attempts", "count", n)
			}
		case msg, ok := <-consumer.Messages():
			if !ok {
				log.Info("queue closed")
				return
			}
			handleMessage(ctx, svc, log, msg, *handleTimeout)
		}
	}
}

// handleMessage always acks: failed attempts are recorded in the ledger with a
// terminal error code, and redelivery would only hit the replay guard or an
// invalid-transition error.
func handleMessage(ctx context.Context, svc *ledger.Service, log *slog.Logger, msg queue.Message, timeout time.Duration) {
	defer func() {
		if err := msg.Ack(ctx); err != nil {
			log.Error("ack message", "err", err)
		}
	}()

	line := bytes.TrimSpace(msg.Value)
	if len(line) == 0 {
		return
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.Error("parse message json", "err", err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch env.Version {
	case versionInitiate:
		var req initiateRequestV1
		if err := json.Unmarshal(line, &req); err != nil {
			log.Error("parse initiate request", "err", err)
			return
		}
		if req.UserID == "" || !common.IsHexAddress(req.Wallet) {
			log.Error("invalid initiate request", "userId", req.UserID, "wallet", req.Wallet)
			return
		}
		l, err := svc.InitiateWithdrawal(cctx, req.UserID, common.HexToAddress(req.Wallet), ledger.Kind(req.Kind), req.RequestedAmount)
		if err != nil {
			log.Error("initiate withdrawal", "userId", req.UserID, "kind", req.Kind, "err", err)
			return
		}
		log.Info("attempt initiated", "id", l.ID.Hex(), "userId", l.UserID, "kind", string(l.Kind))

	case versionVerify:
		var req verifyRequestV1
		if err := json.Unmarshal(line, &req); err != nil {
			log.Error("parse verify request", "err", err)
			return
		}
		id, err := parseHash32(req.LogID)
		if err != nil {
			log.Error("parse logId", "err", err)
			return
		}
		feeSig, err := parseHash32(req.FeeSignature)
		if err != nil {
			log.Error("parse feeSignature", "err", err)
			return
		}
		l, err := svc.VerifyAndApply(cctx, id, feeSig)
		if err != nil {
			log.Error("verify and apply", "id", id.Hex(), "err", err)
			return
		}
		log.Info("attempt settled", "id", l.ID.Hex(), "status", string(l.Status))

	default:
		log.Warn("unknown message version", "version", env.Version)
	}
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

func newBlobStore(ctx context.Context, driver, bucket, prefix string) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: driver,
		Bucket: strings.TrimSpace(bucket),
		Prefix: strings.TrimSpace(prefix),
	}
	if strings.ToLower(strings.TrimSpace(driver)) == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}
