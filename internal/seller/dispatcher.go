package seller

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"claw/internal/acp"
	"claw/internal/observability"
	"claw/internal/shared/async"
	apperrors "claw/internal/shared/errors"
	"claw/internal/shared/logging"
)

// Reason strings the protocol exposes to buyers.
const (
	reasonJobAccepted     = "Job accepted"
	reasonRequestAccepted = "Request accepted"
	reasonInvalidOffering = "Invalid offering name"
	reasonValidationFail  = "Validation failed"
)

const defaultSeenSetSize = 4096

// SellerAPI is the narrow surface of outbound lifecycle calls the dispatcher
// issues. *acp.Client satisfies it.
type SellerAPI interface {
	AcceptOrReject(ctx context.Context, jobID int64, decision acp.Decision) error
	RequestPayment(ctx context.Context, jobID int64, request acp.PaymentRequest) error
	Deliver(ctx context.Context, jobID int64, delivery acp.Delivery) error
}

// OfferingLoader resolves offering names. *Registry satisfies it.
type OfferingLoader interface {
	Load(name string) (*Offering, error)
}

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	API       SellerAPI
	Offerings OfferingLoader
	Logger    logging.Logger
	Metrics   *observability.Metrics

	// SeenSetSize bounds the redelivery seen-set (default 4096 entries).
	// The channel may redeliver events; once a (job, phase) pair has been
	// acted on, later copies are dropped. DisableDedup restores the
	// upstream behavior of acting on every delivery.
	SeenSetSize  int
	DisableDedup bool
}

// Dispatcher runs the job phase machine once per inbound event. It holds no
// per-job state between events; every decision is re-derived from the event
// payload itself.
type Dispatcher struct {
	api       SellerAPI
	offerings OfferingLoader
	logger    logging.Logger
	metrics   *observability.Metrics

	seen *lru.Cache[string, struct{}] // nil when dedup is disabled

	wg sync.WaitGroup // in-flight job tasks, for shutdown draining
}

// NewDispatcher validates options and returns a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("a seller API is required")
	}
	if opts.Offerings == nil {
		return nil, fmt.Errorf("an offering loader is required")
	}

	d := &Dispatcher{
		api:       opts.API,
		offerings: opts.Offerings,
		logger:    logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
	}

	if !opts.DisableDedup {
		size := opts.SeenSetSize
		if size <= 0 {
			size = defaultSeenSetSize
		}
		seen, err := lru.New[string, struct{}](size)
		if err != nil {
			return nil, fmt.Errorf("seen-set: %w", err)
		}
		d.seen = seen
	}

	return d, nil
}

// HandleNewTask processes one job event on its own goroutine. It returns
// immediately; a slow or hung offering handler only ever stalls its own job
// task, never the receive loop or other jobs.
func (d *Dispatcher) HandleNewTask(event acp.JobEvent) {
	d.metrics.JobReceived(event.Phase.String())

	d.logger.Info("new task  jobId=%d  phase=%s  client=%s  price=%v",
		event.ID, event.Phase, event.ClientAddress, event.Price)

	d.wg.Add(1)
	async.Go(d.logger, fmt.Sprintf("job-%d", event.ID), func() {
		defer d.wg.Done()
		d.process(event)
	})
}

// HandleEvaluate logs evaluation events; evaluation is handled externally.
func (d *Dispatcher) HandleEvaluate(event acp.JobEvent) {
	d.logger.Info("onEvaluate received for job %d, no action (evaluation handled externally)", event.ID)
}

// Drain blocks until all in-flight job tasks finish or timeout elapses,
// reporting whether everything drained.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// process routes one event by phase. Shutdown does not cancel job tasks, so
// the context deliberately outlives the runtime's own lifecycle.
func (d *Dispatcher) process(event acp.JobEvent) {
	ctx := context.Background()

	switch event.Phase {
	case acp.PhaseRequest:
		if d.alreadyActed(event) {
			return
		}
		if err := d.processRequest(ctx, event); err != nil {
			d.metrics.JobFailed()
			d.logger.Error("error processing job %d (phase %s): %v", event.ID, event.Phase, err)
		}
	case acp.PhaseTransaction:
		if d.alreadyActed(event) {
			return
		}
		if err := d.processTransaction(ctx, event); err != nil {
			d.metrics.JobFailed()
			d.logger.Error("error delivering job %d: %v", event.ID, err)
		}
	default:
		d.logger.Info("job %d in phase %s, no action needed", event.ID, event.Phase)
	}
}

func seenKey(event acp.JobEvent) string {
	return fmt.Sprintf("%d/%s", event.ID, event.Phase)
}

// alreadyActed reports whether an outbound call was already issued for this
// (job, phase). Disabled seen-set means nothing is ever a duplicate.
func (d *Dispatcher) alreadyActed(event acp.JobEvent) bool {
	if d.seen == nil {
		return false
	}
	if _, ok := d.seen.Get(seenKey(event)); ok {
		d.metrics.DuplicateDropped()
		d.logger.Warn("job %d phase %s already acted on, dropping redelivered event", event.ID, event.Phase)
		return true
	}
	return false
}

// markActed records that an outbound call was issued for this (job, phase).
// No-op paths (missing memoToSign, unresolvable TRANSACTION) stay unmarked
// so a later, actionable redelivery still goes through.
func (d *Dispatcher) markActed(event acp.JobEvent) {
	if d.seen != nil {
		d.seen.Add(seenKey(event), struct{}{})
	}
}

// processRequest implements the REQUEST phase: gate on memoToSign, resolve
// the offering, validate, then accept + request payment (or reject).
func (d *Dispatcher) processRequest(ctx context.Context, event acp.JobEvent) error {
	// Nothing to act on until the marketplace names a memo to sign.
	if event.MemoToSign == nil {
		d.logger.Debug("job %d REQUEST without memoToSign, waiting", event.ID)
		return nil
	}

	memo, ok := event.MemoByID(int64(*event.MemoToSign))
	if !ok || memo.NextPhase != acp.PhaseNegotiation {
		d.logger.Debug("job %d memoToSign=%d does not propose NEGOTIATION, ignoring", event.ID, int64(*event.MemoToSign))
		return nil
	}

	// memoToSign is the single source of truth for which memo we act on,
	// so the payload is read from that memo, not the first negotiation one.
	name, requirement, err := memo.OfferingPayload()
	if err != nil {
		d.logger.Warn("job %d: %v, rejecting", event.ID, err)
		return d.reject(ctx, event, reasonInvalidOffering)
	}

	offering, err := d.offerings.Load(name)
	if err != nil {
		if apperrors.IsResolution(err) {
			d.logger.Warn("job %d: %v, rejecting", event.ID, err)
			return d.reject(ctx, event, reasonInvalidOffering)
		}
		return err
	}

	if offering.Handlers.ValidateRequirements != nil {
		result, err := offering.Handlers.ValidateRequirements(ctx, requirement)
		if err != nil {
			return apperrors.NewHandlerError(name, "validateRequirements", err)
		}
		if !result.OK() {
			reason := result.Reason(reasonValidationFail)
			d.logger.Info("validation failed for offering %q on job %d, rejecting: %s", name, event.ID, reason)
			return d.reject(ctx, event, reason)
		}
	}

	if err := d.api.AcceptOrReject(ctx, event.ID, acp.Decision{Accept: true, Reason: reasonJobAccepted}); err != nil {
		return err
	}
	d.markActed(event)
	d.metrics.JobAccepted()
	d.logger.Info("job %d accepted", event.ID)

	var funds *FundsRequest
	if offering.Config.RequiredFunds && offering.Handlers.RequestAdditionalFunds != nil {
		funds, err = offering.Handlers.RequestAdditionalFunds(ctx, requirement)
		if err != nil {
			return apperrors.NewHandlerError(name, "requestAdditionalFunds", err)
		}
	}

	content, err := d.paymentContent(ctx, offering, requirement, funds)
	if err != nil {
		return err
	}

	request := acp.PaymentRequest{Content: content, PayableDetail: funds.PayableDetail()}
	if err := d.api.RequestPayment(ctx, event.ID, request); err != nil {
		return err
	}
	d.metrics.PaymentRequested()
	d.logger.Info("job %d payment requested", event.ID)
	return nil
}

// paymentContent prefers the offering's requestPayment text, then the funds
// descriptor's content, then the protocol fallback.
func (d *Dispatcher) paymentContent(ctx context.Context, offering *Offering, requirement acp.Requirement, funds *FundsRequest) (string, error) {
	if offering.Handlers.RequestPayment != nil {
		content, err := offering.Handlers.RequestPayment(ctx, requirement)
		if err != nil {
			return "", apperrors.NewHandlerError(offering.Name, "requestPayment", err)
		}
		if content != "" {
			return content, nil
		}
	}
	if funds != nil && funds.Content != "" {
		return funds.Content, nil
	}
	return reasonRequestAccepted, nil
}

func (d *Dispatcher) reject(ctx context.Context, event acp.JobEvent, reason string) error {
	if err := d.api.AcceptOrReject(ctx, event.ID, acp.Decision{Accept: false, Reason: reason}); err != nil {
		return err
	}
	d.markActed(event)
	d.metrics.JobRejected()
	return nil
}

// processTransaction implements the TRANSACTION phase: re-resolve the
// offering from the memos, execute it, and deliver the result. There is no
// reject action in this phase; an unresolvable delivery is skipped.
func (d *Dispatcher) processTransaction(ctx context.Context, event acp.JobEvent) error {
	name, requirement, err := event.ResolveOffering()
	if err != nil {
		d.logger.Info("job %d in TRANSACTION but no offering resolved, skipping: %v", event.ID, err)
		return nil
	}

	offering, err := d.offerings.Load(name)
	if err != nil {
		return err
	}
	if offering.Handlers.ExecuteJob == nil {
		return apperrors.NewHandlerError(name, "executeJob", fmt.Errorf("handler is missing"))
	}

	d.logger.Info("executing offering %q for job %d (TRANSACTION phase)", name, event.ID)
	result, err := offering.Handlers.ExecuteJob(ctx, requirement)
	if err != nil {
		return apperrors.NewHandlerError(name, "executeJob", err)
	}

	delivery := acp.Delivery{Deliverable: result.Deliverable, PayableDetail: result.PayableDetail}
	if err := d.api.Deliver(ctx, event.ID, delivery); err != nil {
		return err
	}
	d.markActed(event)
	d.metrics.JobDelivered()
	d.logger.Info("job %d delivered", event.ID)
	return nil
}
