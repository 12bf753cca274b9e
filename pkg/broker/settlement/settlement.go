// Package settlement turns closed billing into invoices and settles them
// into provider payouts and platform fees. Every invoice transition is
// serialized per invoice and leaves an audit record.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/combs-dev/combs/internal/common"
	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/usage"
)

var (
	// ErrInvoiceDisputed is returned when settlement is attempted on a
	// disputed invoice. The dispute must be resolved first.
	ErrInvoiceDisputed = errors.New("invoice is disputed")

	// ErrInvoiceSettled is returned when a dispute is raised against an
	// invoice whose money has already moved.
	ErrInvoiceSettled = errors.New("invoice is settled")

	// ErrInvoiceNotDisputed is returned when a dispute resolution is
	// attempted on an invoice that carries no dispute.
	ErrInvoiceNotDisputed = errors.New("invoice is not disputed")
)

const numLockStripes = 64

// Store is the persistence the settlement pipeline needs. Implemented by the
// DB store.
type Store interface {
	Job(ctx context.Context, uuid string) (models.Job, error)
	FinalUsageRecord(ctx context.Context, jobUUID string) (models.UsageRecord, bool, error)
	SaveInvoice(ctx context.Context, invoice models.Invoice) error
	Invoice(ctx context.Context, uuid string) (models.Invoice, error)
	InvoiceForJob(ctx context.Context, jobUUID string) (models.Invoice, bool, error)
	SetInvoiceStatus(ctx context.Context, uuid string, from models.InvoiceStatus, to models.InvoiceStatus, disputeReason string, settledAt string, settledAtTS int64) (bool, error)
	SavePayout(ctx context.Context, payout models.Payout) error
	SavePlatformFee(ctx context.Context, fee models.PlatformFee) error
	AppendAuditRecord(ctx context.Context, record models.AuditRecord) error
}

// Pipeline generates and settles invoices. Writers for the same invoice are
// serialized through a keyed mutex; the status compare and swap in SQL
// backstops writers outside this process.
type Pipeline struct {
	logger  *slog.Logger
	store   Store
	locks   *common.KeyedMutex
	feeRate float64
}

// New creates a settlement Pipeline. platformFeeRate is the fraction of each
// invoice total retained by the platform.
func New(logger *slog.Logger, store Store, platformFeeRate float64) (*Pipeline, error) {
	if platformFeeRate < 0 || platformFeeRate >= 1 {
		return nil, fmt.Errorf("platform fee rate must be in [0, 1), got %g", platformFeeRate)
	}

	return &Pipeline{
		logger:  logger,
		store:   store,
		locks:   common.NewKeyedMutex(numLockStripes),
		feeRate: platformFeeRate,
	}, nil
}

// GenerateInvoice builds the invoice of a job from its final usage record and
// the pricing snapshot taken at submission. At most one invoice exists per
// job; repeated calls return the existing one.
func (p *Pipeline) GenerateInvoice(ctx context.Context, jobUUID string) (models.Invoice, error) {
	stripe := p.locks.Lock(jobUUID)
	defer stripe.Unlock()

	if existing, found, err := p.store.InvoiceForJob(ctx, jobUUID); err != nil {
		return models.Invoice{}, err
	} else if found {
		return existing, nil
	}

	record, found, err := p.store.FinalUsageRecord(ctx, jobUUID)
	if err != nil {
		return models.Invoice{}, err
	}

	if !found {
		return models.Invoice{}, fmt.Errorf("billing for job %s is not closed yet", jobUUID)
	}

	job, err := p.store.Job(ctx, jobUUID)
	if err != nil {
		return models.Invoice{}, err
	}

	items, total := usage.LineItems(job.Pricing, record.Metrics())

	uuid, err := common.GetUUIDFromString([]string{jobUUID, "invoice"})
	if err != nil {
		return models.Invoice{}, fmt.Errorf("failed to generate invoice ID for job %s: %w", jobUUID, err)
	}

	now := time.Now()
	invoice := models.Invoice{
		UUID:         uuid,
		JobUUID:      jobUUID,
		CustomerAddr: record.CustomerAddr,
		ProviderAddr: record.ProviderAddr,
		LineItems:    items,
		TotalAmount:  total,
		Currency:     job.Pricing.Currency,
		Status:       models.InvoiceStatusPending,
		CreatedAt:    now.Format(base.DatetimeLayout),
		CreatedAtTS:  now.UnixMilli(),
	}

	if err := p.store.SaveInvoice(ctx, invoice); err != nil {
		return models.Invoice{}, err
	}

	p.audit(ctx, uuid, models.AuditActionCreated, models.Generic{
		"job_uuid":     jobUUID,
		"total_amount": float64(total),
		"currency":     invoice.Currency,
	})

	p.logger.Info("Invoice generated", "invoice", uuid, "job", jobUUID, "total", float64(total))

	return invoice, nil
}

// TriggerSettlement settles a pending invoice: the provider payout and the
// platform fee are recorded as immutable sub-records and the invoice is
// marked settled. Settling a settled invoice is a no-op; a disputed invoice
// fails with ErrInvoiceDisputed.
func (p *Pipeline) TriggerSettlement(ctx context.Context, invoiceUUID string) (models.Invoice, error) {
	stripe := p.locks.Lock(invoiceUUID)
	defer stripe.Unlock()

	invoice, err := p.store.Invoice(ctx, invoiceUUID)
	if err != nil {
		return models.Invoice{}, err
	}

	switch invoice.Status {
	case models.InvoiceStatusDisputed:
		return invoice, fmt.Errorf("%w: %s", ErrInvoiceDisputed, invoiceUUID)
	case models.InvoiceStatusSettled:
		// A crash may have settled the invoice before its sub-records were
		// written. Both writes are at most once, replaying them heals that.
		if err := p.writeSubRecords(ctx, invoice); err != nil {
			return invoice, err
		}

		return invoice, nil
	case models.InvoiceStatusPending:
	}

	now := time.Now()

	swapped, err := p.store.SetInvoiceStatus(
		ctx, invoiceUUID, models.InvoiceStatusPending, models.InvoiceStatusSettled,
		"", now.Format(base.DatetimeLayout), now.UnixMilli(),
	)
	if err != nil {
		return models.Invoice{}, err
	}

	if !swapped {
		// A concurrent writer moved the invoice, report its outcome
		invoice, err := p.store.Invoice(ctx, invoiceUUID)
		if err != nil {
			return models.Invoice{}, err
		}

		if invoice.Status == models.InvoiceStatusDisputed {
			return invoice, fmt.Errorf("%w: %s", ErrInvoiceDisputed, invoiceUUID)
		}

		return invoice, nil
	}

	invoice.Status = models.InvoiceStatusSettled
	invoice.SettledAt = now.Format(base.DatetimeLayout)
	invoice.SettledAtTS = now.UnixMilli()

	if err := p.writeSubRecords(ctx, invoice); err != nil {
		return invoice, err
	}

	payout, fee := p.split(invoice.TotalAmount)

	p.audit(ctx, invoiceUUID, models.AuditActionSettled, models.Generic{
		"provider_payout": payout,
		"platform_fee":    fee,
	})

	p.logger.Info(
		"Invoice settled", "invoice", invoiceUUID, "provider", invoice.ProviderAddr,
		"payout", payout, "fee", fee,
	)

	return invoice, nil
}

// RaiseDispute moves a pending invoice to disputed and records the reason.
// Disputing an already disputed invoice is a no-op, the original reason
// stands. A settled invoice cannot be disputed.
func (p *Pipeline) RaiseDispute(ctx context.Context, invoiceUUID string, reason string) (models.Invoice, error) {
	if reason == "" {
		return models.Invoice{}, errors.New("dispute reason must not be empty")
	}

	stripe := p.locks.Lock(invoiceUUID)
	defer stripe.Unlock()

	invoice, err := p.store.Invoice(ctx, invoiceUUID)
	if err != nil {
		return models.Invoice{}, err
	}

	switch invoice.Status {
	case models.InvoiceStatusSettled:
		return invoice, fmt.Errorf("%w: %s can no longer be disputed", ErrInvoiceSettled, invoiceUUID)
	case models.InvoiceStatusDisputed:
		return invoice, nil
	case models.InvoiceStatusPending:
	}

	swapped, err := p.store.SetInvoiceStatus(
		ctx, invoiceUUID, models.InvoiceStatusPending, models.InvoiceStatusDisputed, reason, "", 0,
	)
	if err != nil {
		return models.Invoice{}, err
	}

	if !swapped {
		return p.store.Invoice(ctx, invoiceUUID)
	}

	invoice.Status = models.InvoiceStatusDisputed
	invoice.DisputeReason = reason

	p.audit(ctx, invoiceUUID, models.AuditActionDisputed, models.Generic{"reason": reason})

	p.logger.Info("Invoice disputed", "invoice", invoiceUUID, "reason", reason)

	return invoice, nil
}

// ResolveDispute returns a disputed invoice to pending so settlement can be
// retried. The resolution note goes to the audit trail.
func (p *Pipeline) ResolveDispute(ctx context.Context, invoiceUUID string, resolution string) (models.Invoice, error) {
	stripe := p.locks.Lock(invoiceUUID)
	defer stripe.Unlock()

	invoice, err := p.store.Invoice(ctx, invoiceUUID)
	if err != nil {
		return models.Invoice{}, err
	}

	if invoice.Status != models.InvoiceStatusDisputed {
		return invoice, fmt.Errorf("%w: %s", ErrInvoiceNotDisputed, invoiceUUID)
	}

	swapped, err := p.store.SetInvoiceStatus(
		ctx, invoiceUUID, models.InvoiceStatusDisputed, models.InvoiceStatusPending, "", "", 0,
	)
	if err != nil {
		return models.Invoice{}, err
	}

	if !swapped {
		return p.store.Invoice(ctx, invoiceUUID)
	}

	invoice.Status = models.InvoiceStatusPending
	invoice.DisputeReason = ""

	p.audit(ctx, invoiceUUID, models.AuditActionDisputeResolved, models.Generic{"resolution": resolution})

	p.logger.Info("Invoice dispute resolved", "invoice", invoiceUUID)

	return invoice, nil
}

// split divides an invoice total into the provider payout and the platform
// fee. The two always sum to the total.
func (p *Pipeline) split(total models.JSONFloat) (float64, float64) {
	fee := float64(total) * p.feeRate

	return float64(total) - fee, fee
}

// writeSubRecords records the payout and the platform fee of a settled
// invoice. Sub-record IDs derive from the invoice, so replays insert nothing.
func (p *Pipeline) writeSubRecords(ctx context.Context, invoice models.Invoice) error {
	payoutAmount, feeAmount := p.split(invoice.TotalAmount)

	payoutUUID, err := common.GetUUIDFromString([]string{invoice.UUID, "payout"})
	if err != nil {
		return fmt.Errorf("failed to generate payout ID for invoice %s: %w", invoice.UUID, err)
	}

	feeUUID, err := common.GetUUIDFromString([]string{invoice.UUID, "fee"})
	if err != nil {
		return fmt.Errorf("failed to generate fee ID for invoice %s: %w", invoice.UUID, err)
	}

	now := time.Now()

	if err := p.store.SavePayout(ctx, models.Payout{
		UUID:         payoutUUID,
		InvoiceUUID:  invoice.UUID,
		ProviderAddr: invoice.ProviderAddr,
		Amount:       models.JSONFloat(payoutAmount),
		Currency:     invoice.Currency,
		Status:       models.SettlementStatusCompleted,
		CreatedAt:    now.Format(base.DatetimeLayout),
		CreatedAtTS:  now.UnixMilli(),
	}); err != nil {
		return err
	}

	return p.store.SavePlatformFee(ctx, models.PlatformFee{
		UUID:        feeUUID,
		InvoiceUUID: invoice.UUID,
		Amount:      models.JSONFloat(feeAmount),
		Currency:    invoice.Currency,
		Status:      models.SettlementStatusCompleted,
		CreatedAt:   now.Format(base.DatetimeLayout),
		CreatedAtTS: now.UnixMilli(),
	})
}

// audit appends one audit trail entry. Audit failures never abort a
// settlement operation, they are surfaced in logs.
func (p *Pipeline) audit(ctx context.Context, invoiceUUID string, action string, details models.Generic) {
	now := time.Now()

	record := models.AuditRecord{
		InvoiceUUID: invoiceUUID,
		Action:      action,
		Details:     details,
		CreatedAt:   now.Format(base.DatetimeLayout),
		CreatedAtTS: now.UnixMilli(),
	}

	if err := p.store.AppendAuditRecord(ctx, record); err != nil {
		p.logger.Error("Failed to append audit record", "invoice", invoiceUUID, "action", action, "err", err)
	}
}
