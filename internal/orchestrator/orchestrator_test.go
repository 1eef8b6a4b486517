package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
	"github.com/iskay-labs/usdc-flow-tracker/internal/kv"
	"github.com/iskay-labs/usdc-flow-tracker/internal/poller"
	"github.com/iskay-labs/usdc-flow-tracker/internal/timeoutcfg"
)

// fakePoller returns a scripted sequence of results, one per call; the last
// entry repeats for any call beyond the script's length.
type fakePoller struct {
	results []*poller.Result
	calls   int
}

func (f *fakePoller) Poll(ctx context.Context, params poller.Params) (*poller.Result, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i], nil
}

// capturingPoller records the params of its most recent Poll call and then
// behaves like fakePoller.
type capturingPoller struct {
	fakePoller
	lastParams poller.Params
}

func (f *capturingPoller) Poll(ctx context.Context, params poller.Params) (*poller.Result, error) {
	f.lastParams = params
	return f.fakePoller.Poll(ctx, params)
}

type fakeRetrier struct {
	fakePoller
	retryResult *poller.Result
	retryCalls  int
}

func (f *fakeRetrier) RetryForwardingRegistration(ctx context.Context, params poller.Params) (*poller.Result, error) {
	f.retryCalls++
	return f.retryResult, nil
}

func newTestOrchestrator(t *testing.T, flowType flowstate.FlowType, pollers map[flowstate.ChainKey]poller.ChainPoller) (*Orchestrator, *flowstate.Store) {
	t.Helper()
	store := flowstate.NewStore(kv.NewMemory())
	cfg := &timeoutcfg.Config{Chains: map[flowstate.ChainKey]timeoutcfg.ChainTimeouts{
		flowstate.ChainEVM:    {Deposit: timeoutcfg.Duration(time.Hour)},
		flowstate.ChainNoble:  {Deposit: timeoutcfg.Duration(time.Hour)},
		flowstate.ChainNamada: {Deposit: timeoutcfg.Duration(time.Hour)},
	}}
	o := New("tx1", flowType, store, pollers, cfg, timeoutcfg.GlobalTimeoutOptions{})
	return o, store
}

func TestStart_DepositHappyPath(t *testing.T) {
	evm := &fakePoller{results: []*poller.Result{{
		Stages:   []flowstate.ChainStage{poller.NewStage(flowstate.StageEVMMintConfirmed, flowstate.StageStatusConfirmed, "0xabc", "", nil)},
		Metadata: map[string]any{"cctpNonce": "7"},
	}}}
	noble := &fakePoller{results: []*poller.Result{{
		Stages:   []flowstate.ChainStage{poller.NewStage(flowstate.StageNobleCCTPMinted, flowstate.StageStatusConfirmed, "nobletx", "", nil)},
		Metadata: map[string]any{"packetSequence": int64(42), "namadaReceiver": "tnam1foo"},
	}}}
	namada := &fakePoller{results: []*poller.Result{{
		Stages: []flowstate.ChainStage{poller.NewStage(flowstate.StageNamadaReceived, flowstate.StageStatusConfirmed, "namadatx", "", nil)},
	}}}

	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    evm,
		flowstate.ChainNoble:  noble,
		flowstate.ChainNamada: namada,
	}
	o, store := newTestOrchestrator(t, flowstate.FlowTypeDeposit, pollers)

	if err := o.Start(context.Background(), map[string]any{"recipient": "0xdead"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st, err := store.GetPollingState("tx1")
	if err != nil {
		t.Fatalf("GetPollingState: %v", err)
	}
	if st.FlowStatus != flowstate.FlowStatusSuccess {
		t.Fatalf("want flowStatus success, got %s", st.FlowStatus)
	}
	for _, c := range flowstate.DepositOrder {
		if st.ChainStatus[c] == nil || st.ChainStatus[c].Status != flowstate.ChainStatusSuccess {
			t.Fatalf("chain %s not success: %+v", c, st.ChainStatus[c])
		}
	}
	// State is persisted as JSON, so numbers read back as float64.
	if st.Metadata["packetSequence"] != float64(42) {
		t.Fatalf("want packetSequence propagated into metadata, got %v", st.Metadata["packetSequence"])
	}

	rec, err := store.GetTransactionRecord("tx1")
	if err != nil {
		t.Fatalf("GetTransactionRecord: %v", err)
	}
	if rec.Status != "finalized" {
		t.Fatalf("want outer status finalized, got %s", rec.Status)
	}
}

func TestExecute_NonBlockingErrorContinuesPastNextChain(t *testing.T) {
	evm := &fakePoller{results: []*poller.Result{{
		Stages:   []flowstate.ChainStage{poller.NewStage(flowstate.StageEVMMintConfirmed, flowstate.StageStatusConfirmed, "0xabc", "", nil)},
		Metadata: map[string]any{"cctpNonce": "7"},
	}}}
	// Noble times out, but it already emitted packetSequence/namadaReceiver
	// before the timeout fired, so Namada is not blocked.
	noble := &fakePoller{results: []*poller.Result{{
		Stages:   []flowstate.ChainStage{poller.NewStage(flowstate.StageNobleCCTPMinted, flowstate.StageStatusConfirmed, "nobletx", "", nil)},
		Metadata: map[string]any{"packetSequence": int64(9), "namadaReceiver": "tnam1foo"},
		Error: &poller.PollError{
			Type:       flowstate.ChainStatusPollingTimeout,
			Message:    "timed out",
			OccurredAt: time.Now().UTC(),
			Chain:      flowstate.ChainNoble,
		},
	}}}
	namada := &fakePoller{results: []*poller.Result{{
		Stages: []flowstate.ChainStage{poller.NewStage(flowstate.StageNamadaReceived, flowstate.StageStatusConfirmed, "namadatx", "", nil)},
	}}}

	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    evm,
		flowstate.ChainNoble:  noble,
		flowstate.ChainNamada: namada,
	}
	o, store := newTestOrchestrator(t, flowstate.FlowTypeDeposit, pollers)

	if err := o.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st, err := store.GetPollingState("tx1")
	if err != nil {
		t.Fatalf("GetPollingState: %v", err)
	}
	if st.ChainStatus[flowstate.ChainNoble].Status != flowstate.ChainStatusPollingTimeout {
		t.Fatalf("want noble polling_timeout, got %s", st.ChainStatus[flowstate.ChainNoble].Status)
	}
	if st.ChainStatus[flowstate.ChainNamada] == nil || st.ChainStatus[flowstate.ChainNamada].Status != flowstate.ChainStatusSuccess {
		t.Fatalf("want namada to still run and succeed despite noble's timeout, got %+v", st.ChainStatus[flowstate.ChainNamada])
	}
}

func TestExecute_BlockingErrorStopsTheFlow(t *testing.T) {
	evm := &fakePoller{results: []*poller.Result{{
		Stages:   []flowstate.ChainStage{poller.NewStage(flowstate.StageEVMMintConfirmed, flowstate.StageStatusConfirmed, "0xabc", "", nil)},
		Metadata: map[string]any{"cctpNonce": "7"},
	}}}
	// Noble polling_errors out without ever extracting packetSequence:
	// Namada cannot start.
	noble := &fakePoller{results: []*poller.Result{{
		Error: &poller.PollError{
			Type:       flowstate.ChainStatusPollingError,
			Message:    "rpc unavailable",
			OccurredAt: time.Now().UTC(),
			Chain:      flowstate.ChainNoble,
		},
	}}}
	namada := &fakePoller{results: []*poller.Result{{
		Stages: []flowstate.ChainStage{poller.NewStage(flowstate.StageNamadaReceived, flowstate.StageStatusConfirmed, "namadatx", "", nil)},
	}}}

	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    evm,
		flowstate.ChainNoble:  noble,
		flowstate.ChainNamada: namada,
	}
	o, store := newTestOrchestrator(t, flowstate.FlowTypeDeposit, pollers)

	if err := o.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st, err := store.GetPollingState("tx1")
	if err != nil {
		t.Fatalf("GetPollingState: %v", err)
	}
	if st.ChainStatus[flowstate.ChainNamada] != nil {
		t.Fatalf("want namada never attempted, got %+v", st.ChainStatus[flowstate.ChainNamada])
	}
	if st.FlowStatus != flowstate.FlowStatusPollingError {
		t.Fatalf("want flowStatus polling_error, got %s", st.FlowStatus)
	}

	rec, err := store.GetTransactionRecord("tx1")
	if err != nil {
		t.Fatalf("GetTransactionRecord: %v", err)
	}
	if rec.Status != "undetermined" {
		t.Fatalf("want outer status undetermined, got %s", rec.Status)
	}
}

func TestExecute_NobleUserActionRequiredRetriedOnceThenSucceeds(t *testing.T) {
	evm := &fakePoller{results: []*poller.Result{{
		Stages:   []flowstate.ChainStage{poller.NewStage(flowstate.StageEVMMintConfirmed, flowstate.StageStatusConfirmed, "0xabc", "", nil)},
		Metadata: map[string]any{"cctpNonce": "7"},
	}}}
	noble := &fakeRetrier{
		fakePoller: fakePoller{results: []*poller.Result{{
			Stages: []flowstate.ChainStage{poller.NewStage(flowstate.StageNobleCCTPMinted, flowstate.StageStatusConfirmed, "nobletx", "", nil)},
			Error: &poller.PollError{
				Type:       flowstate.ChainStatusUserActionRequired,
				Message:    "insufficient balance for registration fee",
				OccurredAt: time.Now().UTC(),
				Chain:      flowstate.ChainNoble,
			},
		}}},
		retryResult: &poller.Result{
			Stages:   []flowstate.ChainStage{poller.NewStage(flowstate.StageNobleForwardingRegistered, flowstate.StageStatusConfirmed, "regtx", "", nil)},
			Metadata: map[string]any{"packetSequence": int64(5), "namadaReceiver": "tnam1foo"},
		},
	}
	namada := &fakePoller{results: []*poller.Result{{
		Stages: []flowstate.ChainStage{poller.NewStage(flowstate.StageNamadaReceived, flowstate.StageStatusConfirmed, "namadatx", "", nil)},
	}}}

	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    evm,
		flowstate.ChainNoble:  noble,
		flowstate.ChainNamada: namada,
	}
	o, store := newTestOrchestrator(t, flowstate.FlowTypeDeposit, pollers)

	if err := o.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if noble.retryCalls != 1 {
		t.Fatalf("want exactly one retry, got %d", noble.retryCalls)
	}

	st, err := store.GetPollingState("tx1")
	if err != nil {
		t.Fatalf("GetPollingState: %v", err)
	}
	if st.FlowStatus != flowstate.FlowStatusSuccess {
		t.Fatalf("want flowStatus success after retry, got %s", st.FlowStatus)
	}
}

func TestCancel_MarksCurrentChainAndFlowCancelled(t *testing.T) {
	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    &fakePoller{results: []*poller.Result{{}}},
		flowstate.ChainNoble:  &fakePoller{results: []*poller.Result{{}}},
		flowstate.ChainNamada: &fakePoller{results: []*poller.Result{{}}},
	}
	o, store := newTestOrchestrator(t, flowstate.FlowTypeDeposit, pollers)

	now := time.Now()
	rec := &flowstate.TransactionRecord{
		Direction: flowstate.FlowTypeDeposit,
		CreatedAt: now.UnixMilli(),
		Status:    "broadcasted",
		Polling:   flowstate.NewPollingState(flowstate.FlowTypeDeposit, now.UnixMilli(), nil),
	}
	rec.Polling.CurrentChain = flowstate.ChainEVM
	rec.Polling.ChainStatus[flowstate.ChainEVM] = &flowstate.ChainStatus{Status: flowstate.ChainStatusPending}
	if err := store.PutTransactionRecord("tx1", rec); err != nil {
		t.Fatalf("PutTransactionRecord: %v", err)
	}

	if err := o.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	st, err := store.GetPollingState("tx1")
	if err != nil {
		t.Fatalf("GetPollingState: %v", err)
	}
	if st.FlowStatus != flowstate.FlowStatusCancelled {
		t.Fatalf("want flowStatus cancelled, got %s", st.FlowStatus)
	}
	if st.ChainStatus[flowstate.ChainEVM].Status != flowstate.ChainStatusCancelled {
		t.Fatalf("want evm chain cancelled, got %s", st.ChainStatus[flowstate.ChainEVM].Status)
	}

	// Idempotent: a second Cancel on an already-cancelled flow is a no-op,
	// not an error.
	if err := o.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestResumeIndex(t *testing.T) {
	order := flowstate.DepositOrder
	st := &flowstate.PollingState{ChainStatus: map[flowstate.ChainKey]*flowstate.ChainStatus{
		flowstate.ChainEVM: {Status: flowstate.ChainStatusSuccess},
	}}
	if got := resumeIndex(st, order); got != 1 {
		t.Fatalf("want resume at index 1 (noble), got %d", got)
	}

	st2 := &flowstate.PollingState{ChainStatus: map[flowstate.ChainKey]*flowstate.ChainStatus{
		flowstate.ChainEVM:    {Status: flowstate.ChainStatusSuccess},
		flowstate.ChainNoble:  {Status: flowstate.ChainStatusSuccess},
		flowstate.ChainNamada: {Status: flowstate.ChainStatusSuccess},
	}}
	if got := resumeIndex(st2, order); got != len(order) {
		t.Fatalf("want resume past the end when all chains succeeded, got %d", got)
	}
}

func TestBuildPollParams_InjectsEVMChainConfigWhenAbsent(t *testing.T) {
	evm := &capturingPoller{fakePoller: fakePoller{results: []*poller.Result{{
		Stages:   []flowstate.ChainStage{poller.NewStage(flowstate.StageEVMMintConfirmed, flowstate.StageStatusConfirmed, "0xabc", "", nil)},
		Metadata: map[string]any{"cctpNonce": "7"},
	}}}}
	noble := &fakePoller{results: []*poller.Result{{
		Metadata: map[string]any{"packetSequence": int64(1), "namadaReceiver": "tnam1foo"},
	}}}
	namada := &fakePoller{results: []*poller.Result{{}}}

	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    evm,
		flowstate.ChainNoble:  noble,
		flowstate.ChainNamada: namada,
	}
	o, _ := newTestOrchestrator(t, flowstate.FlowTypeDeposit, pollers)
	o.EVMChain = &EVMChainConfig{
		USDCAddress:               "0xUSDC",
		MessageTransmitterAddress: "0xTransmitter",
		SourceDomain:              3,
	}

	if err := o.Start(context.Background(), map[string]any{"recipient": "0xdead"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := evm.lastParams.Metadata["usdcAddress"]; got != "0xUSDC" {
		t.Fatalf("want injected usdcAddress, got %v", got)
	}
	if got := evm.lastParams.Metadata["messageTransmitterAddress"]; got != "0xTransmitter" {
		t.Fatalf("want injected messageTransmitterAddress, got %v", got)
	}
	if got := evm.lastParams.Metadata["sourceDomain"]; got != uint32(3) {
		t.Fatalf("want injected sourceDomain, got %v", got)
	}
}

func TestBuildPollParams_EVMChainConfigNeverOverridesSuppliedMetadata(t *testing.T) {
	evm := &capturingPoller{fakePoller: fakePoller{results: []*poller.Result{{
		Metadata: map[string]any{"cctpNonce": "7"},
	}}}}
	noble := &fakePoller{results: []*poller.Result{{}}}
	namada := &fakePoller{results: []*poller.Result{{}}}

	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    evm,
		flowstate.ChainNoble:  noble,
		flowstate.ChainNamada: namada,
	}
	o, _ := newTestOrchestrator(t, flowstate.FlowTypeDeposit, pollers)
	o.EVMChain = &EVMChainConfig{MessageTransmitterAddress: "0xConfigured"}

	if err := o.Start(context.Background(), map[string]any{"messageTransmitterAddress": "0xCallerSupplied"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := evm.lastParams.Metadata["messageTransmitterAddress"]; got != "0xCallerSupplied" {
		t.Fatalf("want caller-supplied value preserved, got %v", got)
	}
}

func TestBuildPollParams_NamadaPaymentFallsBackToTransactionRecordDetails(t *testing.T) {
	namada := &capturingPoller{fakePoller: fakePoller{results: []*poller.Result{{
		Stages: []flowstate.ChainStage{poller.NewStage(flowstate.StageNamadaIBCSent, flowstate.StageStatusConfirmed, "namadatx", "", nil)},
	}}}}
	noble := &fakePoller{results: []*poller.Result{{}}}
	evm := &fakePoller{results: []*poller.Result{{}}}

	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    evm,
		flowstate.ChainNoble:  noble,
		flowstate.ChainNamada: namada,
	}
	o, store := newTestOrchestrator(t, flowstate.FlowTypePayment, pollers)

	now := time.Now()
	rec := &flowstate.TransactionRecord{
		Direction: flowstate.FlowTypePayment,
		CreatedAt: now.UnixMilli(),
		Status:    "broadcasted",
		Details: map[string]any{
			"namadaBlockHeight": int64(100),
			"namadaIbcTxHash":   "abc123",
		},
		Polling: flowstate.NewPollingState(flowstate.FlowTypePayment, now.UnixMilli(), nil),
	}
	if err := store.PutTransactionRecord("tx1", rec); err != nil {
		t.Fatalf("PutTransactionRecord: %v", err)
	}

	if err := o.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// The record is read back from JSON, so the height arrives as float64.
	if got := namada.lastParams.Metadata["namadaBlockHeight"]; got != float64(100) {
		t.Fatalf("want namadaBlockHeight filled in from transaction record, got %v", got)
	}
	if got := namada.lastParams.Metadata["namadaIbcTxHash"]; got != "abc123" {
		t.Fatalf("want namadaIbcTxHash filled in from transaction record, got %v", got)
	}
}

func TestRegistry_RetryReplacesStaleOrchestrator(t *testing.T) {
	reg := NewRegistry()
	store := flowstate.NewStore(kv.NewMemory())
	cfg := &timeoutcfg.Config{}

	makeFactory := func(pollers map[flowstate.ChainKey]poller.ChainPoller) func() *Orchestrator {
		return func() *Orchestrator {
			return New("tx1", flowstate.FlowTypeDeposit, store, pollers, cfg, timeoutcfg.GlobalTimeoutOptions{})
		}
	}

	hungPollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    &fakePoller{results: []*poller.Result{{Metadata: map[string]any{"cctpNonce": "1"}}}},
		flowstate.ChainNoble:  &fakePoller{results: []*poller.Result{{Metadata: map[string]any{"packetSequence": int64(1), "namadaReceiver": "tnam1x"}}}},
		flowstate.ChainNamada: &fakePoller{results: []*poller.Result{{}}},
	}
	first := New("tx1", flowstate.FlowTypeDeposit, store, hungPollers, cfg, timeoutcfg.GlobalTimeoutOptions{})
	reg.Register("tx1", first)

	if !reg.Has("tx1") {
		t.Fatal("want tx1 registered")
	}

	fresh, err := reg.Retry(context.Background(), "tx1", makeFactory(hungPollers))
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, ok := reg.Get("tx1")
	if !ok || got != fresh {
		t.Fatal("want the fresh orchestrator registered after Retry")
	}
	if got == first {
		t.Fatal("want retry to replace, not reuse, the stale orchestrator")
	}
}
