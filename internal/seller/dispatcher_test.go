package seller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"claw/internal/acp"
	apperrors "claw/internal/shared/errors"
)

type apiCall struct {
	method   string
	jobID    int64
	decision acp.Decision
	payment  acp.PaymentRequest
	delivery acp.Delivery
}

// fakeAPI records outbound lifecycle calls in order.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	failOn map[string]error
}

func (f *fakeAPI) record(call apiCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[call.method]; err != nil {
		return err
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeAPI) AcceptOrReject(ctx context.Context, jobID int64, decision acp.Decision) error {
	return f.record(apiCall{method: "acceptOrReject", jobID: jobID, decision: decision})
}

func (f *fakeAPI) RequestPayment(ctx context.Context, jobID int64, request acp.PaymentRequest) error {
	return f.record(apiCall{method: "requestPayment", jobID: jobID, payment: request})
}

func (f *fakeAPI) Deliver(ctx context.Context, jobID int64, delivery acp.Delivery) error {
	return f.record(apiCall{method: "deliver", jobID: jobID, delivery: delivery})
}

func (f *fakeAPI) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

// fakeLoader serves fixed offerings by name.
type fakeLoader struct {
	offerings map[string]*Offering
}

func (f *fakeLoader) Load(name string) (*Offering, error) {
	if offering, ok := f.offerings[name]; ok {
		return offering, nil
	}
	return nil, apperrors.NewResolutionError(name, errors.New("offering is not installed for this agent"))
}

func newTestDispatcher(t *testing.T, api SellerAPI, loader OfferingLoader) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherOptions{API: api, Offerings: loader})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// dispatch runs one event through the dispatcher and waits for its job task.
func dispatch(t *testing.T, d *Dispatcher, event acp.JobEvent) {
	t.Helper()
	d.HandleNewTask(event)
	if !d.Drain(5 * time.Second) {
		t.Fatal("job task did not finish")
	}
}

func requestEvent(jobID int64, memoID int64, content string) acp.JobEvent {
	memoToSign := acp.FlexID(memoID)
	return acp.JobEvent{
		ID:            jobID,
		Phase:         acp.PhaseRequest,
		ClientAddress: "0xbuyer",
		Price:         1.5,
		Memos:         []acp.Memo{{ID: memoID, NextPhase: acp.PhaseNegotiation, Content: content}},
		MemoToSign:    &memoToSign,
	}
}

func offeringWith(handlers Handlers, config OfferingConfig) *fakeLoader {
	if handlers.ExecuteJob == nil {
		handlers.ExecuteJob = func(ctx context.Context, req acp.Requirement) (ExecuteJobResult, error) {
			return ExecuteJobResult{Deliverable: "done"}, nil
		}
	}
	return &fakeLoader{offerings: map[string]*Offering{
		"echo": {Name: "echo", Config: config, Handlers: handlers},
	}}
}

func TestRequestAcceptAndRequestPayment(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	dispatch(t, d, requestEvent(42, 7, `{"name":"echo","requirement":{"lang":"go"}}`))

	calls := api.recorded()
	require.Len(t, calls, 2)

	require.Equal(t, "acceptOrReject", calls[0].method)
	require.Equal(t, int64(42), calls[0].jobID)
	require.True(t, calls[0].decision.Accept)
	require.Equal(t, "Job accepted", calls[0].decision.Reason)

	require.Equal(t, "requestPayment", calls[1].method)
	require.Equal(t, int64(42), calls[1].jobID)
	require.Equal(t, "Request accepted", calls[1].payment.Content)
	require.Nil(t, calls[1].payment.PayableDetail)
}

func TestRequestAcceptsQuotedMemoReference(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	// The backend serializes memoToSign as a string; the decoded event is
	// identical either way.
	var event acp.JobEvent
	raw := fmt.Sprintf(`{"id":42,"phase":0,"memos":[{"id":7,"nextPhase":1,"content":%q}],"memoToSign":"7"}`,
		`{"name":"echo","requirement":{}}`)
	require.NoError(t, json.Unmarshal([]byte(raw), &event))

	dispatch(t, d, event)
	require.Len(t, api.recorded(), 2)
}

func TestRequestValidationReasonPropagates(t *testing.T) {
	api := &fakeAPI{}
	handlers := Handlers{
		ValidateRequirements: func(ctx context.Context, req acp.Requirement) (ValidationResult, error) {
			return InvalidReason("missing lang"), nil
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{}))

	dispatch(t, d, requestEvent(1, 7, `{"name":"echo","requirement":{}}`))

	calls := api.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "acceptOrReject", calls[0].method)
	require.False(t, calls[0].decision.Accept)
	require.Equal(t, "missing lang", calls[0].decision.Reason)
}

func TestRequestValidationFallbackReason(t *testing.T) {
	api := &fakeAPI{}
	handlers := Handlers{
		ValidateRequirements: func(ctx context.Context, req acp.Requirement) (ValidationResult, error) {
			return Invalid(), nil
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{}))

	dispatch(t, d, requestEvent(1, 7, `{"name":"echo","requirement":{}}`))

	calls := api.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "Validation failed", calls[0].decision.Reason)
}

func TestRequestValidationHandlerErrorMakesNoCalls(t *testing.T) {
	api := &fakeAPI{}
	handlers := Handlers{
		ValidateRequirements: func(ctx context.Context, req acp.Requirement) (ValidationResult, error) {
			return ValidationResult{}, errors.New("backend down")
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{}))

	dispatch(t, d, requestEvent(1, 7, `{"name":"echo","requirement":{}}`))
	require.Empty(t, api.recorded())
}

func TestRequestUnknownOfferingRejected(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	dispatch(t, d, requestEvent(1, 7, `{"name":"ghost","requirement":{}}`))

	calls := api.recorded()
	require.Len(t, calls, 1)
	require.False(t, calls[0].decision.Accept)
	require.Equal(t, "Invalid offering name", calls[0].decision.Reason)
}

func TestRequestUnparseableMemoRejected(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	dispatch(t, d, requestEvent(1, 7, `not a payload`))

	calls := api.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "Invalid offering name", calls[0].decision.Reason)
}

func TestRequestWithoutMemoToSignIsNoOp(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	event := requestEvent(1, 7, `{"name":"echo","requirement":{}}`)
	event.MemoToSign = nil
	dispatch(t, d, event)
	require.Empty(t, api.recorded())
}

func TestRequestMemoNotProposingNegotiationIsNoOp(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	memoToSign := acp.FlexID(7)
	event := acp.JobEvent{
		ID:         1,
		Phase:      acp.PhaseRequest,
		Memos:      []acp.Memo{{ID: 7, NextPhase: acp.PhaseTransaction, Content: `{"name":"echo"}`}},
		MemoToSign: &memoToSign,
	}
	dispatch(t, d, event)
	require.Empty(t, api.recorded())

	// Missing memo entirely.
	event.Memos = nil
	dispatch(t, d, event)
	require.Empty(t, api.recorded())
}

func TestRequestFundsDescriptorFlow(t *testing.T) {
	api := &fakeAPI{}
	handlers := Handlers{
		RequestAdditionalFunds: func(ctx context.Context, req acp.Requirement) (*FundsRequest, error) {
			return &FundsRequest{Content: "C", Amount: 5, TokenAddress: "0xtoken", Recipient: "0xme"}, nil
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{RequiredFunds: true}))

	dispatch(t, d, requestEvent(3, 7, `{"name":"echo","requirement":{}}`))

	calls := api.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, "C", calls[1].payment.Content)
	require.NotNil(t, calls[1].payment.PayableDetail)
	require.Equal(t, 5.0, calls[1].payment.PayableDetail.Amount)
	require.Equal(t, "0xtoken", calls[1].payment.PayableDetail.TokenAddress)
}

func TestRequestFundsHandlerIgnoredWithoutConfigFlag(t *testing.T) {
	api := &fakeAPI{}
	handlers := Handlers{
		RequestAdditionalFunds: func(ctx context.Context, req acp.Requirement) (*FundsRequest, error) {
			return &FundsRequest{Content: "C", Amount: 5}, nil
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{}))

	dispatch(t, d, requestEvent(3, 7, `{"name":"echo","requirement":{}}`))

	calls := api.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, "Request accepted", calls[1].payment.Content)
	require.Nil(t, calls[1].payment.PayableDetail)
}

func TestRequestPaymentHandlerContentPreferred(t *testing.T) {
	api := &fakeAPI{}
	handlers := Handlers{
		RequestPayment: func(ctx context.Context, req acp.Requirement) (string, error) {
			return "pay 5 USDC to start", nil
		},
		RequestAdditionalFunds: func(ctx context.Context, req acp.Requirement) (*FundsRequest, error) {
			return &FundsRequest{Content: "C", Amount: 5}, nil
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{RequiredFunds: true}))

	dispatch(t, d, requestEvent(3, 7, `{"name":"echo","requirement":{}}`))

	calls := api.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, "pay 5 USDC to start", calls[1].payment.Content)
}

func TestRequestAcceptFailureStopsFlow(t *testing.T) {
	api := &fakeAPI{failOn: map[string]error{"acceptOrReject": errors.New("503")}}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	dispatch(t, d, requestEvent(1, 7, `{"name":"echo","requirement":{}}`))
	require.Empty(t, api.recorded())
}

func TestTransactionExecutesAndDelivers(t *testing.T) {
	api := &fakeAPI{}
	detail := &acp.PayableDetail{Amount: 1, TokenAddress: "0xt", Recipient: "0xr"}
	handlers := Handlers{
		ExecuteJob: func(ctx context.Context, req acp.Requirement) (ExecuteJobResult, error) {
			return ExecuteJobResult{Deliverable: map[string]any{"summary": req["url"]}, PayableDetail: detail}, nil
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{}))

	event := acp.JobEvent{
		ID:    9,
		Phase: acp.PhaseTransaction,
		Memos: []acp.Memo{{ID: 7, NextPhase: acp.PhaseNegotiation, Content: `{"name":"echo","requirement":{"url":"x"}}`}},
	}
	dispatch(t, d, event)

	calls := api.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "deliver", calls[0].method)
	require.Equal(t, int64(9), calls[0].jobID)
	require.Equal(t, detail, calls[0].delivery.PayableDetail)
}

func TestTransactionWithoutNegotiationMemoSkipped(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	dispatch(t, d, acp.JobEvent{ID: 9, Phase: acp.PhaseTransaction})
	require.Empty(t, api.recorded())
}

func TestTransactionExecuteErrorMakesNoDelivery(t *testing.T) {
	api := &fakeAPI{}
	handlers := Handlers{
		ExecuteJob: func(ctx context.Context, req acp.Requirement) (ExecuteJobResult, error) {
			return ExecuteJobResult{}, errors.New("work failed")
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{}))

	event := acp.JobEvent{
		ID:    9,
		Phase: acp.PhaseTransaction,
		Memos: []acp.Memo{{ID: 7, NextPhase: acp.PhaseNegotiation, Content: `{"name":"echo","requirement":{}}`}},
	}
	dispatch(t, d, event)
	require.Empty(t, api.recorded())
}

func TestOtherPhasesAreNoOps(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	for _, phase := range []acp.Phase{acp.PhaseNegotiation, acp.PhaseEvaluation, acp.PhaseCompleted, acp.PhaseRejected, acp.PhaseExpired} {
		dispatch(t, d, acp.JobEvent{ID: 5, Phase: phase})
	}
	require.Empty(t, api.recorded())
}

func TestRedeliveredEventDroppedAfterAction(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	event := requestEvent(42, 7, `{"name":"echo","requirement":{}}`)
	dispatch(t, d, event)
	dispatch(t, d, event)

	require.Len(t, api.recorded(), 2, "redelivery must not repeat the accept/payment pair")
}

func TestNoOpDeliveryDoesNotPoison(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	// First delivery carries no memoToSign and takes no action. The later
	// actionable delivery of the same (job, phase) must still be processed.
	bare := requestEvent(42, 7, `{"name":"echo","requirement":{}}`)
	bare.MemoToSign = nil
	dispatch(t, d, bare)
	require.Empty(t, api.recorded())

	dispatch(t, d, requestEvent(42, 7, `{"name":"echo","requirement":{}}`))
	require.Len(t, api.recorded(), 2)
}

func TestDedupDisabled(t *testing.T) {
	api := &fakeAPI{}
	d, err := NewDispatcher(DispatcherOptions{
		API:          api,
		Offerings:    offeringWith(Handlers{}, OfferingConfig{}),
		DisableDedup: true,
	})
	require.NoError(t, err)

	event := requestEvent(42, 7, `{"name":"echo","requirement":{}}`)
	dispatch(t, d, event)
	dispatch(t, d, event)
	require.Len(t, api.recorded(), 4)
}

func TestDedupIsPerPhase(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, api, offeringWith(Handlers{}, OfferingConfig{}))

	dispatch(t, d, requestEvent(42, 7, `{"name":"echo","requirement":{}}`))

	// The same job moving to TRANSACTION is a new action, not a duplicate.
	dispatch(t, d, acp.JobEvent{
		ID:    42,
		Phase: acp.PhaseTransaction,
		Memos: []acp.Memo{{ID: 7, NextPhase: acp.PhaseNegotiation, Content: `{"name":"echo","requirement":{}}`}},
	})

	calls := api.recorded()
	require.Len(t, calls, 3)
	require.Equal(t, "deliver", calls[2].method)
}

func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(DispatcherOptions{Offerings: &fakeLoader{}}); err == nil {
		t.Error("expected error without API")
	}
	if _, err := NewDispatcher(DispatcherOptions{API: &fakeAPI{}}); err == nil {
		t.Error("expected error without offerings")
	}
}

func TestHandlerPanicDoesNotCrash(t *testing.T) {
	api := &fakeAPI{}
	handlers := Handlers{
		ExecuteJob: func(ctx context.Context, req acp.Requirement) (ExecuteJobResult, error) {
			panic("handler bug")
		},
	}
	d := newTestDispatcher(t, api, offeringWith(handlers, OfferingConfig{}))

	event := acp.JobEvent{
		ID:    9,
		Phase: acp.PhaseTransaction,
		Memos: []acp.Memo{{ID: 7, NextPhase: acp.PhaseNegotiation, Content: `{"name":"echo","requirement":{}}`}},
	}
	dispatch(t, d, event)
	require.Empty(t, api.recorded())
}
