// Command capacity-auditor periodically assesses aggregate reward liability
// against the pool balance, publishes the report, and archives it.
package main

import (
	"context"
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
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakeworks/staking-ledger/internal/accrual"
	"github.com/stakeworks/staking-ledger/internal/blobstore"
	"github.com/stakeworks/staking-ledger/internal/booster"
	"github.com/stakeworks/staking-ledger/internal/capacity"
	"github.com/stakeworks/staking-ledger/internal/leases"
	leasespg "github.com/stakeworks/staking-ledger/internal/leases/postgres"
	positionpg "github.com/stakeworks/staking-ledger/internal/position/postgres"
	"github.com/stakeworks/staking-ledger/internal/queue"
	"github.com/stakeworks/staking-ledger/internal/secrets"
)

const versionReport = "capacity.report.v1"

type capacityReportV1 struct {
	Version string `json:"version"`

	Report capacity.Report       `json:"report"`
	Trim   *capacity.TrimOutcome `json:"trim,omitempty"`
}

func main() {
	var (
		secretsDriver     = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: env or aws")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "STAKING_POSTGRES_DSN", "secret key holding the Postgres DSN")

		owner = flag.String("owner", "", "unique auditor owner id (required; used for leader election)")

		interval = flag.Duration("interval", 5*time.Minute, "interval between assessments")

		leaderElection = flag.Bool("leader-election", true, "enable leader election via DB lease")
		leaderLeaseTTL = flag.Duration("leader-lease-ttl", 30*time.Second, "leader lease TTL (renewed each assessment)")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka or stdio")
		kafkaBrokers = flag.String("kafka-brokers", "", "comma-separated Kafka brokers (required for kafka driver)")

		archiveDriver = flag.String("archive-driver", blobstore.DriverS3, "report archive driver: s3 or memory")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for capacity reports (empty disables archiving)")
		archivePrefix = flag.String("archive-prefix", "staking-ledger", "key prefix inside the report archive")

		// Trim projection. When a shortfall exists, the configured scenario is
		// evaluated and included in the report; it is never applied.
		trimPolicy    = flag.String("trim-policy", string(capacity.TrimNone), "trim scenario to project: none, proportional, or era_scoped")
		trimFactor    = flag.Float64("trim-factor", 0, "trim factor in [0, 1]")
		trimEraStart  = flag.String("trim-era-start", "", "RFC3339 era start (required for era_scoped)")
		trimEraEnd    = flag.String("trim-era-end", "", "RFC3339 era end (required for era_scoped)")
		rateSchedule  = flag.String("rate-schedule", "", "comma-separated RFC3339=rate entries (required for era_scoped)")
		boosterPolicy = flag.String("booster-policy", string(booster.PolicyHighestTier), "booster composition policy: highest_tier or multiplicative")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "error: --owner is required")
		os.Exit(2)
	}
	if *interval <= 0 || *leaderLeaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --interval and --leader-lease-ttl must be > 0")
		os.Exit(2)
	}
	if *trimFactor < 0 || *trimFactor > 1 {
		fmt.Fprintln(os.Stderr, "error: --trim-factor must be in [0, 1]")
		os.Exit(2)
	}

	trim := capacity.TrimSpec{
		Policy: capacity.TrimPolicy(*trimPolicy),
		Factor: *trimFactor,
	}
	var (
		schedule accrual.Schedule
		resolver booster.Resolver
	)
	if trim.Policy == capacity.TrimEraScoped {
		if *trimEraStart == "" || *trimEraEnd == "" || *rateSchedule == "" {
			fmt.Fprintln(os.Stderr, "error: era_scoped requires --trim-era-start, --trim-era-end, and --rate-schedule")
			os.Exit(2)
		}
		var err error
		trim.EraStart, err = time.Parse(time.RFC3339, *trimEraStart)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: --trim-era-start: %v\n", err)
			os.Exit(2)
		}
		trim.EraEnd, err = time.Parse(time.RFC3339, *trimEraEnd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: --trim-era-end: %v\n", err)
			os.Exit(2)
		}
		schedule, err = accrual.ParseSchedule(*rateSchedule)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: --rate-schedule: %v\n", err)
			os.Exit(2)
		}
		resolver, err = booster.NewResolver(booster.Policy(*boosterPolicy))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: --booster-policy: %v\n", err)
			os.Exit(2)
		}
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

	posStore, err := positionpg.New(pool)
	if err != nil {
		log.Error("init position store", "err", err)
		os.Exit(2)
	}
	if err := posStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure position schema", "err", err)
		os.Exit(2)
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
		elector, err = leases.NewElector(leaseStore, leases.NameCapacityAuditor, *owner, *leaderLeaseTTL)
		if err != nil {
			log.Error("init elector", "err", err)
			os.Exit(2)
		}
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*kafkaBrokers),
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	var archive blobstore.Store
	if *archiveBucket != "" {
		archive, err = newBlobStore(ctx, *archiveDriver, *archiveBucket, *archivePrefix)
		if err != nil {
			log.Error("init report archive", "err", err)
			os.Exit(2)
		}
	}

	log.Info("capacity auditor started",
		"owner", *owner,
		"interval", interval.String(),
		"trimPolicy", string(trim.Policy),
		"archiveBucket", *archiveBucket,
	)

	t := time.NewTicker(*interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
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
			if err := assess(ctx, posStore, producer, archive, trim, schedule, resolver, log); err != nil {
				log.Error("assess capacity", "err", err)
			}
		}
	}
}

func assess(ctx context.Context, posStore *positionpg.Store, producer queue.Producer, archive blobstore.Store, trim capacity.TrimSpec, schedule accrual.Schedule, resolver booster.Resolver, log *slog.Logger) error {
	positions, err := posStore.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active positions: %w", err)
	}
	pool, err := posStore.GetPool(ctx)
	if err != nil {
		return fmt.Errorf("get pool: %w", err)
	}

	now := time.Now().UTC()
	report, err := capacity.Assess(positions, pool.RewardPoolBalance, now)
	if err != nil {
		return fmt.Errorf("assess: %w", err)
	}

	out := capacityReportV1{Version: versionReport, Report: report}
	if !report.Covered() && trim.Policy != capacity.TrimNone {
		eraLiability := 0.0
		if trim.Policy == capacity.TrimEraScoped {
			eraLiability, err = capacity.EraLiability(positions, schedule, resolver, trim.EraStart, trim.EraEnd, now)
			if err != nil {
				return fmt.Errorf("era liability: %w", err)
			}
		}
		outcome, err := capacity.ProjectTrim(report, trim, eraLiability)
		if err != nil {
			return fmt.Errorf("project trim: %w", err)
		}
		out.Trim = &outcome
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if err := producer.Publish(ctx, queue.TopicCapacityReports, payload); err != nil {
		log.Warn("publish capacity report", "err", err)
	}
	if archive != nil {
		key := "capacity/reports/" + now.Format("20060102T150405Z") + ".json"
		err := archive.Put(ctx, key, payload, blobstore.PutOptions{
			ContentType: "application/json",
			Metadata:    map[string]string{"artifact-type": "capacity-report"},
		})
		if err != nil {
			log.Warn("archive capacity report", "key", key, "err", err)
		}
	}

	log.Info("capacity assessed",
		"totalLiability", report.TotalLiability,
		"poolBalance", report.PoolBalance,
		"shortfall", report.Shortfall,
		"coverageRatio", report.CoverageRatio,
		"activePositions", report.ActivePositions,
	)
	return nil
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
