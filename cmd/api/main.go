package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"escrowflow/account"
	"escrowflow/approval"
	"escrowflow/automation"
	"escrowflow/custody"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/httpapi"
	"escrowflow/ledger"
	"escrowflow/payment"
	"escrowflow/request"
	"escrowflow/yield"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := run(log); err != nil {
		log.WithError(err).Fatal("api exited")
	}
}

func run(log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		return err
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	bridgeAccount := os.Getenv("BRIDGE_ACCOUNT")
	if bridgeAccount == "" {
		return errors.New("BRIDGE_ACCOUNT is required")
	}

	callTimeout := envDuration("LEDGER_TIMEOUT", 30*time.Second)
	ledgerClient := ledger.NewHTTPClient(
		os.Getenv("LEDGER_URL"), os.Getenv("LEDGER_API_KEY"), os.Getenv("LEDGER_API_SECRET"), callTimeout)
	bankClient := ledger.NewBankClient(
		os.Getenv("BANK_URL"), os.Getenv("BANK_API_KEY"), os.Getenv("BANK_API_SECRET"), callTimeout)

	accountRepo := account.NewRepository(pool)
	accounts := account.NewService(accountRepo, jwtSecret)

	paymentRepo := payment.NewRepository(pool)
	custodyRepo := custody.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)
	requestRepo := request.NewRepository(pool)

	locks := payment.NewLockTable()
	saga := ledger.NewFundingSaga(ledgerClient, callTimeout)
	engine := payment.NewEngine(pool, paymentRepo, custodyRepo, saga, ledgerClient, accounts, locks, bridgeAccount)

	approvals := approval.NewService(pool, paymentRepo, locks)
	disputes := dispute.NewService(pool, disputeRepo, paymentRepo, custodyRepo, ledgerClient, locks)
	requests := request.NewService(pool, requestRepo, engine)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := automation.NewMetrics(registry)

	runner := automation.NewRunner(automation.Config{
		DepositInterval: envDuration("DEPOSIT_SWEEP_INTERVAL", time.Minute),
		FundingInterval: envDuration("FUNDING_SWEEP_INTERVAL", 2*time.Minute),
		ReleaseInterval: envDuration("RELEASE_SWEEP_INTERVAL", 10*time.Minute),
		PayoutInterval:  envDuration("PAYOUT_SWEEP_INTERVAL", 2*time.Minute),
		BatchSize:       envInt("SWEEP_BATCH_SIZE", 100),
		ReleaseWorkers:  envInt("RELEASE_WORKERS", 4),
	}, engine, paymentRepo, custodyRepo, bankClient, accounts, automation.NewHealth(), metrics, log)

	server := &httpapi.Server{
		Payments:   engine,
		Reader:     paymentRepo,
		Custody:    custodyRepo,
		Approvals:  approvals,
		Disputes:   disputes,
		Requests:   requests,
		Accounts:   accounts,
		Idempotent: db.NewIdempotencyStore(pool),
		Yield:      yield.NewCalculator(yield.DefaultAnnualRate),
		Rates:      yield.StaticRate(envFloat("YIELD_ANNUAL_RATE", yield.DefaultAnnualRate)),
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(server, runner.Health(), registry, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := runner.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.WithField("addr", addr).Info("api listening")
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
