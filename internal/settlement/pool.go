package settlement

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/domain"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/store"
)

const DefaultCallTimeout = 30 * time.Second

// Pool is the bounded Settlement worker pool (§5, default 4 workers). The
// maintenance loop's payment-retry sweep calls SubmitDue once per tick;
// each due payment is submitted concurrently, capped at Workers in flight.
type Pool struct {
	settlement Settlement
	store      store.Store
	log        *logger.Logger
	clock      clock.Clock
	workers    int
	callTimeout time.Duration
	schedule   []time.Duration
}

func NewPool(s Settlement, st store.Store, baseLog *logger.Logger, clk clock.Clock, workers int, schedule []time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if schedule == nil {
		schedule = DefaultBackoff
	}
	return &Pool{
		settlement:  s,
		store:       st,
		log:         baseLog.With("component", "SettlementPool"),
		clock:       clk,
		workers:     workers,
		callTimeout: DefaultCallTimeout,
		schedule:    schedule,
	}
}

// SubmitDue submits every Payment row due for (re)submission, bounded to
// Workers concurrent in-flight pay() calls. It never returns the first
// error encountered — individual payment failures are recorded on the
// Payment row, not surfaced to the maintenance loop caller.
func (p *Pool) SubmitDue(ctx context.Context) (submitted int, err error) {
	due, err := p.store.ListPaymentsDue(ctx, p.clock.Now())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, payment := range due {
		payment := payment
		g.Go(func() error {
			p.submitOne(gctx, payment)
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

func (p *Pool) submitOne(ctx context.Context, payment *domain.Payment) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	sig, payErr := p.settlement.Pay(callCtx, payment.FromWallet, payment.ToWallet, payment.Amount, payment.JobID)
	if payErr == nil {
		if err := p.store.UpdatePaymentResult(ctx, payment.ID, domain.PaymentConfirmed, sig, nil, nil); err != nil {
			p.log.Warn("failed to record confirmed payment", "payment_id", payment.ID, "error", err)
		}
		p.log.Info("payment confirmed", "payment_id", payment.ID, "job_id", payment.JobID)
		return
	}

	delay, parked := NextRetry(payment.Attempts, p.schedule)
	var nextRetryAt, parkedAt *time.Time
	now := p.clock.Now()
	if parked {
		parkedAt = &now
		p.log.Warn("payment parked for manual review", "payment_id", payment.ID, "job_id", payment.JobID, "attempts", payment.Attempts, "error", payErr)
	} else {
		at := now.Add(delay)
		nextRetryAt = &at
		p.log.Warn("payment submission failed, will retry", "payment_id", payment.ID, "job_id", payment.JobID, "retry_in", delay, "error", payErr)
	}
	if err := p.store.UpdatePaymentResult(ctx, payment.ID, domain.PaymentFailed, "", nextRetryAt, parkedAt); err != nil {
		p.log.Warn("failed to record payment failure", "payment_id", payment.ID, "error", err)
	}
}
