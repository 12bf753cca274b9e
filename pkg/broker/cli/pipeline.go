package cli

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/combs-dev/combs/pkg/broker/db"
	"github.com/combs-dev/combs/pkg/broker/dispatch"
	"github.com/combs-dev/combs/pkg/broker/lifecycle"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/report"
	"github.com/combs-dev/combs/pkg/broker/routing"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
	"github.com/combs-dev/combs/pkg/broker/settlement"
	"github.com/combs-dev/combs/pkg/broker/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upper bound on pending jobs re-enqueued per sweep. Keeps one sweep from
// flooding the queue after a long outage.
const pendingSweepLimit = 256

// Timeout for the store and queue work done outside a task context, meaning
// transition hooks and the exhaustion callback.
const hookTimeout = 10 * time.Second

var (
	jobsRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "combs_broker_jobs_routed_total",
		Help: "Total jobs placed on a cluster backend.",
	})
	invoicesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "combs_broker_invoices_settled_total",
		Help: "Total invoices settled into payouts and fees.",
	})
	tasksExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "combs_broker_dispatch_exhausted_total",
		Help: "Total tasks dropped after exhausting dispatch retries.",
	}, []string{"kind"})
)

// pipeline connects the dispatch task kinds to the components doing the
// work. All handlers re-read state from the store and are safe to retry or
// duplicate.
type pipeline struct {
	logger     *slog.Logger
	store      *db.Store
	manager    *scheduler.Manager
	tracker    *lifecycle.Tracker
	router     *routing.Router
	accountant *usage.Accountant
	settler    *settlement.Pipeline
	reporter   *report.Reporter
	queue      dispatch.Queue
	autoSettle bool
}

func newPipeline(
	logger *slog.Logger,
	store *db.Store,
	manager *scheduler.Manager,
	tracker *lifecycle.Tracker,
	router *routing.Router,
	accountant *usage.Accountant,
	settler *settlement.Pipeline,
	reporter *report.Reporter,
	queue dispatch.Queue,
	autoSettle bool,
) *pipeline {
	return &pipeline{
		logger:     logger,
		store:      store,
		manager:    manager,
		tracker:    tracker,
		router:     router,
		accountant: accountant,
		settler:    settler,
		reporter:   reporter,
		queue:      queue,
		autoSettle: autoSettle,
	}
}

// register installs the task handlers and the terminal transition hook.
// Must run before the queue workers start.
func (p *pipeline) register() {
	p.queue.Handle(dispatch.KindRouteJob, p.routeJob)
	p.queue.Handle(dispatch.KindPollJob, p.pollJob)
	p.queue.Handle(dispatch.KindFinalizeJob, p.finalizeJob)
	p.queue.Handle(dispatch.KindSubmitReport, p.submitReport)
	p.queue.Handle(dispatch.KindSettleInvoice, p.settleInvoice)

	p.tracker.Subscribe(p.onTransition)
}

// routeJob places a pending job: the routing decision selects and reserves a
// cluster, the placement is persisted, the backend accepts the job and the
// job moves to queued. Every step is idempotent, a crashed attempt resumes
// where it stopped.
func (p *pipeline) routeJob(ctx context.Context, task dispatch.Task) error {
	shadow, err := p.store.SchedulerJob(ctx, task.Subject)
	if err != nil {
		return err
	}

	// Anything past pending means a previous attempt got further or the job
	// was cancelled while waiting
	if shadow.State != models.JobStatePending {
		return nil
	}

	job, err := p.store.Job(ctx, task.Subject)
	if err != nil {
		return err
	}

	if _, err := p.router.Route(ctx, &job); err != nil {
		if errors.Is(err, routing.ErrNoEligibleCluster) {
			p.logger.Warn("No eligible cluster, failing job", "job", job.UUID, "err", err)

			return p.failJob(ctx, job.UUID)
		}

		return err
	}

	// The placement must be durable before the backend call. A crash between
	// the two re-runs this task; Route then returns the recorded decision and
	// only the backend submission is repeated.
	if err := p.store.SaveJob(ctx, &job); err != nil {
		return err
	}

	submitted, err := p.manager.SubmitJob(ctx, &job)
	if err != nil {
		if errors.Is(err, scheduler.ErrCapacityExceeded) {
			p.logger.Warn("Job footprint exceeds cluster capacity, failing job", "job", job.UUID, "cluster", job.ClusterID)

			return p.failJob(ctx, job.UUID)
		}

		return err
	}

	if err := p.store.SetSchedulerJobBackendID(ctx, job.UUID, submitted.ClusterID, submitted.Scheduler, submitted.SchedulerJobID); err != nil {
		return err
	}

	if _, err := p.tracker.Transition(ctx, job.UUID, models.JobStateQueued, models.UnknownExitCode); err != nil {
		// A concurrent cancellation may have won the race. The backend job is
		// reconciled by the next poll.
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			p.logger.Warn("Job left pending state during routing", "job", job.UUID, "err", err)

			return nil
		}

		return err
	}

	jobsRouted.Inc()

	return nil
}

// failJob moves an unplaceable job to failed. The terminal transition
// releases any reservation through the usual hook.
func (p *pipeline) failJob(ctx context.Context, jobUUID string) error {
	_, err := p.tracker.Transition(ctx, jobUUID, models.JobStateFailed, models.UnknownExitCode)
	if err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		return err
	}

	return nil
}

func (p *pipeline) pollJob(ctx context.Context, task dispatch.Task) error {
	return p.accountant.PollJob(ctx, task.Subject)
}

// finalizeJob closes billing for a terminal job and generates its invoice.
// With auto settlement on, the settlement task is chained immediately.
func (p *pipeline) finalizeJob(ctx context.Context, task dispatch.Task) error {
	if err := p.accountant.FinalizeJob(ctx, task.Subject); err != nil {
		return err
	}

	invoice, err := p.settler.GenerateInvoice(ctx, task.Subject)
	if err != nil {
		return err
	}

	if !p.autoSettle {
		return nil
	}

	return p.queue.Enqueue(ctx, dispatch.NewTask(dispatch.KindSettleInvoice, invoice.UUID))
}

func (p *pipeline) settleInvoice(ctx context.Context, task dispatch.Task) error {
	if _, err := p.settler.TriggerSettlement(ctx, task.Subject); err != nil {
		// A dispute blocks settlement until an operator resolves it. The
		// resolution path re-triggers settlement explicitly.
		if errors.Is(err, settlement.ErrInvoiceDisputed) {
			p.logger.Info("Dispute blocks settlement", "invoice", task.Subject)

			return nil
		}

		return err
	}

	invoicesSettled.Inc()

	return nil
}

// submitReport sends the job's current state and, once billing is closed,
// its final metrics to the outward ledger channel. Report IDs derive from
// the content, so re-sends collapse on the receiving side.
func (p *pipeline) submitReport(ctx context.Context, task dispatch.Task) error {
	job, err := p.store.Job(ctx, task.Subject)
	if err != nil {
		return err
	}

	shadow, err := p.store.SchedulerJob(ctx, task.Subject)
	if err != nil {
		return err
	}

	var metrics *models.UsageMetrics

	record, found, err := p.store.FinalUsageRecord(ctx, task.Subject)
	if err != nil {
		return err
	}

	if found {
		m := record.Metrics()
		metrics = &m
	}

	return p.reporter.Report(ctx, job.ProviderAddr, job.UUID, shadow.State, metrics)
}

// onTransition runs after every durably recorded transition. Terminal states
// return the job's reservation to the cluster ledger and enqueue billing
// closure and the outward report.
func (p *pipeline) onTransition(event lifecycle.Event) {
	if !event.To.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	if job, err := p.store.Job(ctx, event.JobUUID); err == nil {
		p.manager.ReleaseJob(job.ClusterID, &job)
	} else {
		p.logger.Error("Failed to fetch job for capacity release", "job", event.JobUUID, "err", err)
	}

	for _, kind := range []string{dispatch.KindFinalizeJob, dispatch.KindSubmitReport} {
		if err := p.queue.Enqueue(ctx, dispatch.NewTask(kind, event.JobUUID)); err != nil {
			// The finalize sweep picks unbilled terminal jobs back up
			p.logger.Warn("Failed to enqueue pipeline task", "kind", kind, "job", event.JobUUID, "err", err)
		}
	}
}

// routeSweep re-enqueues routing for jobs still pending. Covers submissions
// whose enqueue was shed under backpressure and tasks lost to a restart.
func (p *pipeline) routeSweep(ctx context.Context) {
	jobs, err := p.store.PendingJobs(ctx, pendingSweepLimit)
	if err != nil {
		p.logger.Error("Failed to fetch pending jobs", "err", err)

		return
	}

	p.enqueueForJobs(ctx, dispatch.KindRouteJob, jobUUIDs(jobs))
}

// pollSweep enqueues a poll task for every live job a backend has accepted.
func (p *pipeline) pollSweep(ctx context.Context) {
	shadows, err := p.store.PollableSchedulerJobs(ctx)
	if err != nil {
		p.logger.Error("Failed to fetch pollable jobs", "err", err)

		return
	}

	p.enqueueForJobs(ctx, dispatch.KindPollJob, shadowUUIDs(shadows))
}

// finalizeSweep enqueues billing closure for terminal jobs without a final
// usage record, so terminal events observed right before a crash still bill.
func (p *pipeline) finalizeSweep(ctx context.Context) {
	shadows, err := p.store.UnbilledTerminalJobs(ctx)
	if err != nil {
		p.logger.Error("Failed to fetch unbilled terminal jobs", "err", err)

		return
	}

	uuids := shadowUUIDs(shadows)
	p.enqueueForJobs(ctx, dispatch.KindFinalizeJob, uuids)
	p.enqueueForJobs(ctx, dispatch.KindSubmitReport, uuids)
}

// enqueueForJobs enqueues one task of the kind per UUID, stopping at the
// first full queue. The next sweep retries whatever was shed.
func (p *pipeline) enqueueForJobs(ctx context.Context, kind string, uuids []string) {
	for _, uuid := range uuids {
		if err := p.queue.Enqueue(ctx, dispatch.NewTask(kind, uuid)); err != nil {
			p.logger.Debug("Sweep backlog exceeds queue capacity", "kind", kind, "job", uuid, "err", err)

			return
		}
	}
}

func jobUUIDs(jobs []models.Job) []string {
	uuids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		uuids = append(uuids, job.UUID)
	}

	return uuids
}

func shadowUUIDs(shadows []models.SchedulerJob) []string {
	uuids := make([]string, 0, len(shadows))
	for _, shadow := range shadows {
		uuids = append(uuids, shadow.UUID)
	}

	return uuids
}

// flagAttention returns the callback invoked when a task exhausts its
// retries. The affected job keeps its last recorded state and is flagged
// for operator review, never force-transitioned.
func flagAttention(logger *slog.Logger, store *db.Store) dispatch.ExhaustedFunc {
	return func(task dispatch.Task) {
		tasksExhausted.WithLabelValues(task.Kind).Inc()

		if task.Kind == dispatch.KindSettleInvoice {
			logger.Error("Settlement dropped after exhausting retries", "invoice", task.Subject)

			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		shadow, err := store.SchedulerJob(ctx, task.Subject)
		if err != nil {
			logger.Error("Failed to fetch job for attention flag", "job", task.Subject, "err", err)

			return
		}

		if err := store.TouchSchedulerJobPoll(ctx, task.Subject, shadow.PollRetries, 1, shadow.LastPolledAt); err != nil {
			logger.Error("Failed to flag job for attention", "job", task.Subject, "err", err)

			return
		}

		logger.Warn("Job flagged for attention after dropped task", "kind", task.Kind, "job", task.Subject)
	}
}
