// Package automation runs the background sweeps that move payments without
// user action: deposit detection, funding retries, expired-custody release,
// and fiat payout. Every sweep is idempotent; a crashed run is simply
// repeated on the next tick.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"escrowflow/custody"
	"escrowflow/ledger"
	"escrowflow/payment"
)

// Engine is the lifecycle surface the sweeps drive.
type Engine interface {
	ConfirmDeposit(ctx context.Context, paymentID string, amount int64, depositReference string) (payment.Payment, error)
	FundFromDeposit(ctx context.Context, paymentID string) error
	Release(ctx context.Context, paymentID string, trigger payment.ReleaseTrigger) error
}

// PaymentStore lists sweep candidates and records payout events.
type PaymentStore interface {
	ListByStatus(ctx context.Context, status payment.Status, limit int) ([]payment.Payment, error)
	ListCompletedWithoutPayout(ctx context.Context, limit int) ([]payment.Payment, error)
	AppendEventDirect(ctx context.Context, paymentID, eventType, description string) error
}

// CustodyStore lists custodies whose window has closed.
type CustodyStore interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]custody.Record, error)
}

// Bank is the banking rail used for deposit detection and payouts.
type Bank interface {
	ListDeposits(ctx context.Context) ([]ledger.Deposit, error)
	SendPayout(ctx context.Context, params ledger.PayoutParams) (string, error)
}

// PayoutDirectory resolves where a payee's settlement lands.
type PayoutDirectory interface {
	PayoutAccount(ctx context.Context, email string) (string, error)
}

type Config struct {
	DepositInterval time.Duration
	FundingInterval time.Duration
	ReleaseInterval time.Duration
	PayoutInterval  time.Duration
	BatchSize       int
	ReleaseWorkers  int
}

func (c Config) withDefaults() Config {
	if c.DepositInterval <= 0 {
		c.DepositInterval = time.Minute
	}
	if c.FundingInterval <= 0 {
		c.FundingInterval = 2 * time.Minute
	}
	if c.ReleaseInterval <= 0 {
		c.ReleaseInterval = 10 * time.Minute
	}
	if c.PayoutInterval <= 0 {
		c.PayoutInterval = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ReleaseWorkers <= 0 {
		c.ReleaseWorkers = 4
	}
	return c
}

type Runner struct {
	cfg       Config
	engine    Engine
	payments  PaymentStore
	custodies CustodyStore
	bank      Bank
	directory PayoutDirectory
	health    *Health
	metrics   *Metrics
	log       *logrus.Logger
	now       func() time.Time
}

func NewRunner(cfg Config, engine Engine, payments PaymentStore, custodies CustodyStore, bank Bank, directory PayoutDirectory, health *Health, metrics *Metrics, log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if health == nil {
		health = NewHealth()
	}
	return &Runner{
		cfg:       cfg.withDefaults(),
		engine:    engine,
		payments:  payments,
		custodies: custodies,
		bank:      bank,
		directory: directory,
		health:    health,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

func (r *Runner) Health() *Health { return r.health }

// Run starts all sweep loops and blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, "deposits", r.cfg.DepositInterval, r.SweepDeposits) })
	g.Go(func() error { return r.loop(ctx, "funding", r.cfg.FundingInterval, r.SweepFunding) })
	g.Go(func() error { return r.loop(ctx, "releases", r.cfg.ReleaseInterval, r.SweepReleases) })
	g.Go(func() error { return r.loop(ctx, "payouts", r.cfg.PayoutInterval, r.SweepPayouts) })
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := sweep(ctx)
		now := r.now().UTC()
		r.health.record(name, now, err)
		if r.metrics != nil {
			r.metrics.SweepRuns.WithLabelValues(name).Inc()
			r.metrics.LastSweepUnixtime.WithLabelValues(name).Set(float64(now.Unix()))
			if err != nil {
				r.metrics.SweepFailures.WithLabelValues(name).Inc()
			}
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.WithField("sweep", name).WithError(err).Warn("sweep failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepDeposits matches completed bank deposits to pending payments by
// destination account and exact amount, then confirms and funds them.
func (r *Runner) SweepDeposits(ctx context.Context) error {
	pending, err := r.payments.ListByStatus(ctx, payment.StatusPending, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	deposits, err := r.bank.ListDeposits(ctx)
	if err != nil {
		return fmt.Errorf("automation: list deposits: %w", err)
	}

	byAccount := make(map[string][]ledger.Deposit)
	for _, d := range deposits {
		if d.Status != ledger.DepositComplete {
			continue
		}
		byAccount[d.ReceiverAccount] = append(byAccount[d.ReceiverAccount], d)
	}

	claimed := make(map[string]bool)
	for _, p := range pending {
		if p.DepositAccount == nil {
			continue
		}
		for _, d := range byAccount[*p.DepositAccount] {
			if claimed[d.DepositID] || d.Amount != p.TotalAmount {
				continue
			}
			claimed[d.DepositID] = true
			if _, err := r.engine.ConfirmDeposit(ctx, p.ID, d.Amount, d.DepositID); err != nil {
				r.log.WithFields(logrus.Fields{"payment": p.ID, "deposit": d.DepositID}).
					WithError(err).Warn("deposit confirmation failed")
				break
			}
			if r.metrics != nil {
				r.metrics.DepositsMatched.Inc()
			}
			if err := r.engine.FundFromDeposit(ctx, p.ID); err != nil {
				// The funding sweep retries; the deposit is already recorded.
				r.log.WithField("payment", p.ID).WithError(err).Warn("custody funding failed")
			}
			break
		}
	}
	return nil
}

// SweepFunding retries custody funding for payments that are funded but
// whose saga has not completed yet.
func (r *Runner) SweepFunding(ctx context.Context) error {
	funded, err := r.payments.ListByStatus(ctx, payment.StatusFunded, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, p := range funded {
		if err := r.engine.FundFromDeposit(ctx, p.ID); err != nil {
			if payment.IsRetryable(err) {
				r.log.WithField("payment", p.ID).WithError(err).Info("custody funding will be retried")
				continue
			}
			r.log.WithField("payment", p.ID).WithError(err).Warn("custody funding rejected")
		}
	}
	return nil
}

// SweepReleases settles custodies whose window closed without a pending
// dispute. Releases for distinct payments run concurrently.
func (r *Runner) SweepReleases(ctx context.Context) error {
	expired, err := r.custodies.ListExpired(ctx, r.now().UTC(), r.cfg.BatchSize)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ReleaseWorkers)
	for _, rec := range expired {
		rec := rec
		g.Go(func() error {
			err := r.engine.Release(ctx, rec.PaymentID, payment.TriggerCustodyExpiry)
			switch {
			case err == nil:
				if r.metrics != nil {
					r.metrics.CustodiesReleased.Inc()
				}
			case errors.Is(err, payment.ErrSuperseded),
				errors.Is(err, payment.ErrNotEligible),
				errors.Is(err, payment.ErrTerminalState):
				// A dispute or a concurrent release got there first.
				r.log.WithField("payment", rec.PaymentID).WithError(err).Debug("release skipped")
			default:
				r.log.WithField("payment", rec.PaymentID).WithError(err).Warn("release failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// SweepPayouts settles completed payments to the payee's bank account. The
// payment id rides along as the payout reference so the rail deduplicates a
// retried send.
func (r *Runner) SweepPayouts(ctx context.Context) error {
	due, err := r.payments.ListCompletedWithoutPayout(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, p := range due {
		destination, err := r.directory.PayoutAccount(ctx, p.PayeeEmail)
		if err != nil {
			r.log.WithField("payment", p.ID).WithError(err).Warn("payout destination unresolved")
			continue
		}
		amount := p.TotalAmount - p.CommissionAmount
		payoutID, err := r.bank.SendPayout(ctx, ledger.PayoutParams{
			Amount:             amount,
			Currency:           p.Currency,
			DestinationAccount: destination,
			Beneficiary:        p.PayeeEmail,
			Reference:          p.ID,
		})
		if err != nil {
			desc := fmt.Sprintf("payout of %d %s failed: %v", amount, p.Currency, err)
			if appendErr := r.payments.AppendEventDirect(ctx, p.ID, payment.EventPayoutFailed, desc); appendErr != nil {
				return appendErr
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.PayoutsSent.Inc()
		}
		desc := fmt.Sprintf("payout %s of %d %s sent to payee", payoutID, amount, p.Currency)
		if err := r.payments.AppendEventDirect(ctx, p.ID, payment.EventPayoutCompleted, desc); err != nil {
			return err
		}
	}
	return nil
}
