// Package orchestrator drives a single tracked flow through its per-chain
// pollers, spec.md §4.1. One Orchestrator owns one transaction: start/resume
// run the chain order to completion or to the first blocking failure;
// cancel flips an abort token and the in-flight chain's status; a two-level
// timeout model (per-chain and whole-flow) demotes stalled chains without
// the caller having to watch a clock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
	"github.com/iskay-labs/usdc-flow-tracker/internal/metrics"
	"github.com/iskay-labs/usdc-flow-tracker/internal/poller"
	"github.com/iskay-labs/usdc-flow-tracker/internal/timeoutcfg"
)

// defaultIntervalMs is used when a flow's ChainParams carries no interval.
const defaultIntervalMs = int64(5000)

// HeightResolver resolves a block/height at or before epochSeconds. Used to
// derive deposit-Namada's startHeight and payment-EVM's startBlock from a
// timestamp, per spec.md §4.1 "Build poll params".
type HeightResolver interface {
	HeightAtTimestamp(ctx context.Context, epochSeconds int64) (uint64, error)
}

// EVMChainConfig carries the on-chain contract addresses and CCTP source
// domain configured for the EVM chain this flow's evmChainKey resolves to.
// buildPollParams injects these into the EVM leg's metadata whenever the
// caller hasn't already supplied them, per spec.md line 96's "Build poll
// params" step ("For payment-EVM also hydrate usdcAddress,
// messageTransmitterAddress... from config/transaction if absent").
type EVMChainConfig struct {
	USDCAddress               string
	MessageTransmitterAddress string
	SourceDomain              uint32
}

// Orchestrator drives one transaction's flow to completion.
type Orchestrator struct {
	txID       string
	flowType   flowstate.FlowType
	store      *flowstate.Store
	pollers    map[flowstate.ChainKey]poller.ChainPoller
	timeoutCfg *timeoutcfg.Config
	globalOpts timeoutcfg.GlobalTimeoutOptions
	logger     *log.Logger

	// NamadaHeightResolver and EVMHeightResolver are optional. When nil, the
	// corresponding derived metadata key (startHeight / startBlock) is left
	// unset: the Namada deposit poller then reports polling_error, and the
	// EVM poller starts its scan from the block before the current head.
	NamadaHeightResolver HeightResolver
	EVMHeightResolver    HeightResolver

	// EVMChain is optional. When set, its fields are injected into the EVM
	// leg's poll params metadata (usdcAddress, messageTransmitterAddress,
	// sourceDomain) whenever the caller hasn't already supplied them.
	EVMChain *EVMChainConfig

	// Metrics is optional; when nil, observations are skipped.
	Metrics *metrics.Registry

	mu       sync.Mutex
	cancelFn context.CancelFunc
}

// New builds an Orchestrator for txID. pollers must have an entry for every
// chain in flowstate.ChainOrder(flowType).
func New(txID string, flowType flowstate.FlowType, store *flowstate.Store, pollers map[flowstate.ChainKey]poller.ChainPoller, timeoutCfg *timeoutcfg.Config, opts timeoutcfg.GlobalTimeoutOptions) *Orchestrator {
	return &Orchestrator{
		txID:       txID,
		flowType:   flowType,
		store:      store,
		pollers:    pollers,
		timeoutCfg: timeoutCfg,
		globalOpts: opts,
		logger:     log.New(os.Stderr, "[orchestrator] ", log.LstdFlags),
	}
}

// Start resets the flow to pending and runs it, per spec.md §4.1 start().
// On first start (no prior record) it materialises one seeded with
// initialMetadata. On a restart, non-empty initialMetadata is merged over the
// existing metadata bag (nil values never overwrite); with empty
// initialMetadata an existing non-empty bag is left untouched and an empty
// one is rehydrated from the transaction record. chainParams survive a
// restart.
func (o *Orchestrator) Start(ctx context.Context, initialMetadata map[string]any) error {
	now := time.Now()
	rec, err := o.store.GetTransactionRecord(o.txID)
	switch {
	case errors.Is(err, flowstate.ErrStateNotFound):
		rec = &flowstate.TransactionRecord{
			Direction: o.flowType,
			CreatedAt: now.UnixMilli(),
			Status:    "broadcasted",
			Polling:   flowstate.NewPollingState(o.flowType, now.UnixMilli(), initialMetadata),
		}
		if err := o.store.PutTransactionRecord(o.txID, rec); err != nil {
			return err
		}
	case err != nil:
		return err
	case rec.Polling == nil:
		rec.Polling = flowstate.NewPollingState(o.flowType, now.UnixMilli(), initialMetadata)
		if err := o.store.PutTransactionRecord(o.txID, rec); err != nil {
			return err
		}
	default:
		pendingStatus := flowstate.FlowStatusPending
		partial := flowstate.PollingStatePartial{
			FlowStatus:                &pendingStatus,
			ResetChainStatus:          true,
			ResetLatestCompletedStage: true,
			ClearCurrentChain:         true,
		}
		if len(rec.Polling.Metadata) == 0 {
			md := initialMetadata
			if len(md) == 0 {
				md = rehydrateMetadata(rec)
			}
			partial.Metadata = md
		} else if len(initialMetadata) > 0 {
			partial.Metadata = initialMetadata
		}
		if _, err := o.store.UpdatePollingState(o.txID, now, partial); err != nil {
			return err
		}
	}

	return o.execute(ctx)
}

// rehydrateMetadata rebuilds a minimal metadata bag from the outer
// transaction record when the polling state never recorded one, per
// spec.md §9.
func rehydrateMetadata(rec *flowstate.TransactionRecord) map[string]any {
	md := map[string]any{}
	if rec.Hash != "" {
		md["originTxHash"] = rec.Hash
	}
	if rec.CreatedAt != 0 {
		md["createdAt"] = rec.CreatedAt
	}
	if rec.BlockHeight != 0 {
		md["blockHeight"] = rec.BlockHeight
	}
	for k, v := range rec.Details {
		if v != nil {
			md[k] = v
		}
	}
	return md
}

// Resume continues a flow from wherever its persisted state left off, per
// spec.md §4.1 resume(). A cancelled flow is flipped back to pending first.
func (o *Orchestrator) Resume(ctx context.Context) error {
	st, err := o.store.GetPollingState(o.txID)
	if errors.Is(err, flowstate.ErrNoPollingState) || errors.Is(err, flowstate.ErrStateNotFound) {
		return o.Start(ctx, nil)
	}
	if err != nil {
		return err
	}
	if st.FlowStatus == flowstate.FlowStatusCancelled {
		pendingStatus := flowstate.FlowStatusPending
		if _, err := o.store.UpdatePollingState(o.txID, time.Now(), flowstate.PollingStatePartial{FlowStatus: &pendingStatus}); err != nil {
			return err
		}
	}
	return o.execute(ctx)
}

// Cancel idempotently aborts any in-flight poll and marks the flow (and its
// current chain, if any) cancelled.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	cancelFn := o.cancelFn
	o.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}

	st, err := o.store.GetPollingState(o.txID)
	if err != nil {
		return err
	}
	if st.FlowStatus == flowstate.FlowStatusCancelled {
		return nil
	}

	now := time.Now()
	cancelledFlow := flowstate.FlowStatusCancelled
	partial := flowstate.PollingStatePartial{FlowStatus: &cancelledFlow}
	if st.CurrentChain != "" {
		cancelledChain := flowstate.ChainStatusCancelled
		partial.ChainStatus = map[flowstate.ChainKey]*flowstate.ChainStatusPartial{
			st.CurrentChain: {Status: &cancelledChain},
		}
	}
	_, err = o.store.UpdatePollingState(o.txID, now, partial)
	return err
}

// execute implements spec.md §4.1's execute() protocol: compute the resume
// index, arm the global timeout, then drive chains in order until the flow
// reaches a terminal state or the loop is aborted.
func (o *Orchestrator) execute(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelFn = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelFn = nil
		o.mu.Unlock()
		cancel()
	}()

	order := flowstate.ChainOrder(o.flowType)
	st, err := o.store.GetPollingState(o.txID)
	if err != nil {
		return err
	}
	idx := resumeIndex(st, order)

	globalTimeout := timeoutcfg.CalculateGlobalTimeout(o.timeoutCfg, order, o.flowType, o.globalOpts)
	deadlineAt := time.Now().Add(globalTimeout).UnixMilli()
	if _, err := o.store.UpdatePollingState(o.txID, time.Now(), flowstate.PollingStatePartial{GlobalTimeoutAt: &deadlineAt}); err != nil {
		return err
	}

	globalTimer := time.AfterFunc(globalTimeout, func() {
		cancel()
		o.onGlobalTimeout()
	})
	defer globalTimer.Stop()

loop:
	for i := idx; i < len(order); i++ {
		chain := order[i]
		if ctx.Err() != nil {
			break
		}
		o.executeChainJob(ctx, chain)

		st, err := o.store.GetPollingState(o.txID)
		if err != nil {
			return err
		}
		cs := st.ChainStatus[chain]
		if cs == nil {
			break
		}

		switch cs.Status {
		case flowstate.ChainStatusSuccess:
			continue
		case flowstate.ChainStatusUserActionRequired:
			if chain == flowstate.ChainNoble && o.flowType == flowstate.FlowTypeDeposit {
				if o.retryNobleRegistration(ctx, st) {
					continue
				}
			}
			break loop
		case flowstate.ChainStatusPollingError, flowstate.ChainStatusPollingTimeout, flowstate.ChainStatusTxError:
			if o.blocksNext(i, order, st) {
				break loop
			}
			o.logger.Printf("%s: chain %s ended in %s but does not block the next leg, continuing", o.txID, chain, cs.Status)
			continue
		default:
			continue
		}
	}

	o.checkFlowCompletion()
	return nil
}

// resumeIndex returns the index of the first chain in order whose status is
// not yet success. If every chain is success, it returns len(order).
func resumeIndex(st *flowstate.PollingState, order []flowstate.ChainKey) int {
	for i, c := range order {
		cs := st.ChainStatus[c]
		if cs == nil || cs.Status != flowstate.ChainStatusSuccess {
			return i
		}
	}
	return len(order)
}

// prerequisiteKeys lists the metadata keys chain requires before it can be
// polled for flowType, per spec.md §4.1's prerequisite matrix.
func prerequisiteKeys(chain flowstate.ChainKey, flowType flowstate.FlowType) []string {
	switch chain {
	case flowstate.ChainEVM:
		if flowType == flowstate.FlowTypePayment {
			return []string{"cctpNonce"}
		}
	case flowstate.ChainNoble:
		if flowType == flowstate.FlowTypeDeposit {
			return []string{"cctpNonce"}
		}
		return []string{"packetSequence"}
	case flowstate.ChainNamada:
		if flowType == flowstate.FlowTypeDeposit {
			return []string{"packetSequence", "namadaReceiver"}
		}
	}
	return nil
}

func (o *Orchestrator) validatePrerequisites(chain flowstate.ChainKey, st *flowstate.PollingState) error {
	for _, key := range prerequisiteKeys(chain, o.flowType) {
		if _, ok := st.Metadata[key]; !ok {
			return fmt.Errorf("orchestrator: chain %s requires metadata %q", chain, key)
		}
	}
	return nil
}

// blocksNext reports whether order[i]'s terminal error status leaves the
// next chain without a correlation id it requires.
func (o *Orchestrator) blocksNext(i int, order []flowstate.ChainKey, st *flowstate.PollingState) bool {
	if i+1 >= len(order) {
		return false
	}
	next := order[i+1]
	for _, key := range prerequisiteKeys(next, o.flowType) {
		if _, ok := st.Metadata[key]; !ok {
			return true
		}
	}
	return false
}

// executeChainJob runs a single chain leg: prerequisite check, arm the
// chain timer, invoke the poller, then hand the result to processChainResult.
func (o *Orchestrator) executeChainJob(ctx context.Context, chain flowstate.ChainKey) {
	if ctx.Err() != nil {
		return
	}
	st, err := o.store.GetPollingState(o.txID)
	if err != nil {
		return
	}
	if cs := st.ChainStatus[chain]; cs != nil && cs.Status == flowstate.ChainStatusSuccess {
		return
	}

	if err := o.validatePrerequisites(chain, st); err != nil {
		now := time.Now()
		statusVal := flowstate.ChainStatusPollingError
		msg := err.Error()
		unknown := flowstate.ErrorCategoryUnknown
		o.store.UpdateChainStatus(o.txID, chain, now, flowstate.ChainStatusPartial{
			Status: &statusVal, ErrorMessage: &msg, ErrorOccurredAt: &now, ErrorCategory: &unknown,
		})
		return
	}

	now := time.Now()
	pendingStatus := flowstate.ChainStatusPending
	chainCopy := chain
	if _, err := o.store.UpdatePollingState(o.txID, now, flowstate.PollingStatePartial{
		CurrentChain: &chainCopy,
		ChainStatus:  map[flowstate.ChainKey]*flowstate.ChainStatusPartial{chain: {Status: &pendingStatus}},
	}); err != nil {
		return
	}

	chainTimeout := timeoutcfg.GetChainTimeout(o.timeoutCfg, chain, o.flowType)
	params := o.buildPollParams(chain, st, chainTimeout)

	p, ok := o.pollers[chain]
	if !ok {
		now := time.Now()
		statusVal := flowstate.ChainStatusPollingError
		msg := fmt.Sprintf("no poller registered for chain %s", chain)
		o.store.UpdateChainStatus(o.txID, chain, now, flowstate.ChainStatusPartial{Status: &statusVal, ErrorMessage: &msg, ErrorOccurredAt: &now})
		return
	}

	var settled int32
	chainTimer := time.AfterFunc(chainTimeout, func() {
		if !atomic.CompareAndSwapInt32(&settled, 0, 1) {
			return
		}
		now := time.Now()
		timeoutVal := flowstate.ChainStatusPollingTimeout
		o.store.UpdateChainStatus(o.txID, chain, now, flowstate.ChainStatusPartial{Status: &timeoutVal, TimeoutOccurredAt: &now})
		if o.Metrics != nil {
			o.Metrics.ObserveChainTimeout(chain, o.flowType)
			o.Metrics.ObservePollOutcome(chain, o.flowType, timeoutVal, chainTimeout.Seconds())
		}
		o.checkFlowCompletion()
	})

	if o.Metrics != nil {
		o.Metrics.ObservePollAttempt(chain, o.flowType)
	}
	pollStarted := time.Now()
	result, err := safePoll(ctx, p, params)
	chainTimer.Stop()
	if !atomic.CompareAndSwapInt32(&settled, 0, 1) {
		// The chain timer already fired and wrote polling_timeout; still
		// merge any correlation-id metadata the poller managed to extract
		// before losing the race.
		if result != nil && len(result.Metadata) > 0 {
			o.store.UpdatePollingState(o.txID, time.Now(), flowstate.PollingStatePartial{Metadata: result.Metadata})
		}
		return
	}

	if err != nil {
		now := time.Now()
		statusVal := flowstate.ChainStatusPollingError
		msg := err.Error()
		o.store.UpdateChainStatus(o.txID, chain, now, flowstate.ChainStatusPartial{
			Status: &statusVal, ErrorMessage: &msg, IncRetryCount: true, ErrorOccurredAt: &now,
		})
		if o.Metrics != nil {
			o.Metrics.ObservePollOutcome(chain, o.flowType, statusVal, time.Since(pollStarted).Seconds())
		}
		o.checkFlowCompletion()
		return
	}

	if o.Metrics != nil {
		outcome := flowstate.ChainStatusSuccess
		if result.Error != nil {
			outcome = result.Error.Type
		}
		o.Metrics.ObservePollOutcome(chain, o.flowType, outcome, time.Since(pollStarted).Seconds())
	}

	o.processChainResult(chain, result)
}

func safePoll(ctx context.Context, p poller.ChainPoller, params poller.Params) (result *poller.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller panic: %v", r)
		}
	}()
	return p.Poll(ctx, params)
}

// buildPollParams assembles poller.Params for chain, stamping chainKey and
// deriving startHeight/startBlock when this leg needs a timestamp-to-height
// lookup, per spec.md §4.1 "Build poll params".
func (o *Orchestrator) buildPollParams(chain flowstate.ChainKey, st *flowstate.PollingState, chainTimeout time.Duration) poller.Params {
	md := make(map[string]any, len(st.Metadata)+2)
	for k, v := range st.Metadata {
		md[k] = v
	}
	md["chainKey"] = string(chain)

	intervalMs := defaultIntervalMs
	if cp := st.ChainParams[chain]; cp != nil && cp.IntervalMs > 0 {
		intervalMs = cp.IntervalMs
	}

	if o.flowType == flowstate.FlowTypeDeposit && chain == flowstate.ChainNamada {
		if _, ok := md["startHeight"]; !ok && o.NamadaHeightResolver != nil {
			ts := o.namadaStartTimestamp(st)
			if ts > 0 {
				if h, err := o.NamadaHeightResolver.HeightAtTimestamp(context.Background(), ts); err == nil {
					md["startHeight"] = h
				}
			}
		}
	}
	if o.flowType == flowstate.FlowTypePayment && chain == flowstate.ChainEVM {
		if _, ok := md["startBlock"]; !ok && o.EVMHeightResolver != nil {
			ts := o.createdAtSeconds(st)
			if ts > 0 {
				if h, err := o.EVMHeightResolver.HeightAtTimestamp(context.Background(), ts); err == nil {
					md["startBlock"] = h
				}
			}
		}
	}
	if chain == flowstate.ChainEVM && o.EVMChain != nil {
		if _, ok := md["usdcAddress"]; !ok {
			md["usdcAddress"] = o.EVMChain.USDCAddress
		}
		if _, ok := md["messageTransmitterAddress"]; !ok {
			md["messageTransmitterAddress"] = o.EVMChain.MessageTransmitterAddress
		}
		if _, ok := md["sourceDomain"]; !ok {
			md["sourceDomain"] = o.EVMChain.SourceDomain
		}
	}
	if o.flowType == flowstate.FlowTypePayment && chain == flowstate.ChainNamada {
		o.fillFromRecordDetails(md, "namadaBlockHeight", "namadaIbcTxHash")
	}

	return poller.Params{
		FlowID:     o.txID,
		Chain:      chain,
		FlowType:   o.flowType,
		TimeoutMs:  chainTimeout.Milliseconds(),
		IntervalMs: intervalMs,
		Metadata:   md,
	}
}

// fillFromRecordDetails copies any of keys missing from md out of the
// persisted transaction record's Details, per spec.md line 92's
// payment-Namada prerequisite footnote ("none — origin leg; namadaBlockHeight
// + namadaIbcTxHash read from the transaction record if absent"). A lookup
// failure is silently ignored — the downstream poller already reports a
// clear polling_error if the key is still missing afterward.
func (o *Orchestrator) fillFromRecordDetails(md map[string]any, keys ...string) {
	var missing []string
	for _, k := range keys {
		if _, ok := md[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return
	}
	rec, err := o.store.GetTransactionRecord(o.txID)
	if err != nil || rec == nil {
		return
	}
	for _, k := range missing {
		if v, ok := rec.Details[k]; ok && v != nil {
			md[k] = v
		}
	}
}

// namadaStartTimestamp prefers the Noble IBC-forwarded stage's observed
// time; it falls back to createdAtSeconds (the metadata's createdAt, else
// the polling state's StartedAt).
func (o *Orchestrator) namadaStartTimestamp(st *flowstate.PollingState) int64 {
	if cs := st.ChainStatus[flowstate.ChainNoble]; cs != nil {
		for _, s := range cs.Stages {
			if s.Stage == flowstate.StageNobleIBCForwarded {
				return s.OccurredAt.Unix()
			}
		}
	}
	return o.createdAtSeconds(st)
}

func (o *Orchestrator) createdAtSeconds(st *flowstate.PollingState) int64 {
	if v, ok := st.Metadata["createdAt"]; ok {
		switch t := v.(type) {
		case int64:
			return t / 1000
		case float64:
			return int64(t) / 1000
		}
	}
	if st.StartedAt > 0 {
		return st.StartedAt / 1000
	}
	return 0
}

// retryNobleRegistration re-invokes the forwarding-registration sub-job
// after the Noble leg ended in user_action_required, per spec.md §4.1 execute() step
// 3. It reports whether the chain ended in success afterward.
func (o *Orchestrator) retryNobleRegistration(ctx context.Context, st *flowstate.PollingState) bool {
	p, ok := o.pollers[flowstate.ChainNoble]
	if !ok {
		return false
	}
	retrier, ok := p.(poller.ForwardingRetrier)
	if !ok {
		return false
	}
	chainTimeout := timeoutcfg.GetChainTimeout(o.timeoutCfg, flowstate.ChainNoble, o.flowType)
	params := o.buildPollParams(flowstate.ChainNoble, st, chainTimeout)

	result, err := retrier.RetryForwardingRegistration(ctx, params)
	if err != nil || result == nil {
		return false
	}
	o.processChainResult(flowstate.ChainNoble, result)
	return result.Error == nil
}

// processChainResult merges a poller's Result into the persisted state and
// checks for flow completion, per spec.md §4.1 processChainResult().
func (o *Orchestrator) processChainResult(chain flowstate.ChainKey, result *poller.Result) {
	now := time.Now()

	if result.Error == nil {
		successVal := flowstate.ChainStatusSuccess
		partial := flowstate.ChainStatusPartial{
			Status:      &successVal,
			NewStages:   result.Stages,
			CompletedAt: &now,
		}
		if len(result.Metadata) > 0 {
			partial.Metadata = result.Metadata
		}
		o.store.UpdateChainStatus(o.txID, chain, now, partial)
		if len(result.Metadata) > 0 {
			o.store.UpdatePollingState(o.txID, now, flowstate.PollingStatePartial{Metadata: result.Metadata})
		}
		o.checkFlowCompletion()
		return
	}

	statusVal := result.Error.Type
	errMsg := result.Error.Message
	errCat := result.Error.Category
	isRecoverable := result.Error.IsRecoverable
	recoveryAction := result.Error.RecoveryAction
	occurredAt := result.Error.OccurredAt
	errType := string(statusVal)

	partial := flowstate.ChainStatusPartial{
		Status:          &statusVal,
		NewStages:       result.Stages,
		ErrorType:       &errType,
		ErrorMessage:    &errMsg,
		ErrorCategory:   &errCat,
		IsRecoverable:   &isRecoverable,
		RecoveryAction:  &recoveryAction,
		ErrorOccurredAt: &occurredAt,
	}
	if result.Error.Code != "" {
		partial.ErrorCode = &result.Error.Code
	}
	if len(result.Metadata) > 0 {
		partial.Metadata = result.Metadata
	}
	o.store.UpdateChainStatus(o.txID, chain, now, partial)
	if len(result.Metadata) > 0 {
		o.store.UpdatePollingState(o.txID, now, flowstate.PollingStatePartial{Metadata: result.Metadata})
	}

	if statusVal == flowstate.ChainStatusTxError || statusVal == flowstate.ChainStatusUserActionRequired {
		flowStatusVal := flowstate.FlowStatus(statusVal)
		o.store.UpdatePollingState(o.txID, now, flowstate.PollingStatePartial{FlowStatus: &flowStatusVal})
	}

	o.checkFlowCompletion()
}

// onGlobalTimeout demotes every chain still pending (or never started) to
// polling_timeout and marks the whole flow polling_timeout, per spec.md
// §4.7.
func (o *Orchestrator) onGlobalTimeout() {
	st, err := o.store.GetPollingState(o.txID)
	if err != nil {
		return
	}
	now := time.Now()
	for _, c := range flowstate.ChainOrder(o.flowType) {
		cs := st.ChainStatus[c]
		if cs == nil || cs.Status == flowstate.ChainStatusPending {
			timeoutVal := flowstate.ChainStatusPollingTimeout
			o.store.UpdateChainStatus(o.txID, c, now, flowstate.ChainStatusPartial{Status: &timeoutVal, TimeoutOccurredAt: &now})
		}
	}
	flowTimeoutVal := flowstate.FlowStatusPollingTimeout
	o.store.UpdatePollingState(o.txID, now, flowstate.PollingStatePartial{FlowStatus: &flowTimeoutVal})
	if o.Metrics != nil {
		o.Metrics.ObserveGlobalTimeout(o.flowType)
	}
	o.checkFlowCompletion()
}

// terminalPriority ranks error-terminal chain statuses by severity, highest
// first, per spec.md §4.1 checkFlowCompletion().
var terminalPriority = map[flowstate.ChainStatusValue]int{
	flowstate.ChainStatusUserActionRequired: 4,
	flowstate.ChainStatusTxError:            3,
	flowstate.ChainStatusPollingError:       2,
	flowstate.ChainStatusPollingTimeout:     1,
}

func outerStatusFor(fs flowstate.FlowStatus) string {
	switch fs {
	case flowstate.FlowStatusSuccess:
		return "finalized"
	case flowstate.FlowStatusUserActionRequired:
		return "broadcasted"
	case flowstate.FlowStatusTxError:
		return "error"
	case flowstate.FlowStatusCancelled:
		return "cancelled"
	default:
		return "undetermined"
	}
}

// checkFlowCompletion reloads state and, if the flow has reached a terminal
// condition (every chain success, every chain error-terminal, or a blocking
// error partway through), stamps flowStatus and the outer transaction
// status accordingly. It is a no-op when the flow is still in progress.
func (o *Orchestrator) checkFlowCompletion() {
	st, err := o.store.GetPollingState(o.txID)
	if err != nil {
		return
	}
	order := flowstate.ChainOrder(o.flowType)

	allSuccess := true
	for _, c := range order {
		cs := st.ChainStatus[c]
		if cs == nil || cs.Status != flowstate.ChainStatusSuccess {
			allSuccess = false
			break
		}
	}
	if allSuccess {
		successVal := flowstate.FlowStatusSuccess
		o.store.UpdatePollingState(o.txID, time.Now(), flowstate.PollingStatePartial{FlowStatus: &successVal, ClearCurrentChain: true})
		o.finalizeOuterStatus(outerStatusFor(successVal))
		return
	}

	everyChainAttempted := true
	worstPriority := 0
	var worst flowstate.ChainStatusValue
	for _, c := range order {
		cs := st.ChainStatus[c]
		if cs == nil {
			everyChainAttempted = false
			continue
		}
		if cs.Status == flowstate.ChainStatusSuccess {
			continue
		}
		pr, isTerminal := terminalPriority[cs.Status]
		if !isTerminal {
			everyChainAttempted = false
			continue
		}
		if pr > worstPriority {
			worstPriority = pr
			worst = cs.Status
		}
	}
	if everyChainAttempted && worstPriority > 0 {
		flowStatusVal := flowstate.FlowStatus(worst)
		o.store.UpdatePollingState(o.txID, time.Now(), flowstate.PollingStatePartial{FlowStatus: &flowStatusVal})
		o.finalizeOuterStatus(outerStatusFor(flowStatusVal))
		return
	}

	for i, c := range order {
		cs := st.ChainStatus[c]
		if cs == nil {
			continue
		}
		if _, isTerminal := terminalPriority[cs.Status]; !isTerminal {
			continue
		}
		if o.blocksNext(i, order, st) {
			flowStatusVal := flowstate.FlowStatus(cs.Status)
			o.store.UpdatePollingState(o.txID, time.Now(), flowstate.PollingStatePartial{FlowStatus: &flowStatusVal})
			o.finalizeOuterStatus(outerStatusFor(flowStatusVal))
			return
		}
	}
}

func (o *Orchestrator) finalizeOuterStatus(status string) {
	rec, err := o.store.GetTransactionRecord(o.txID)
	if err != nil {
		return
	}
	if rec.Status == status {
		return
	}
	rec.Status = status
	o.store.PutTransactionRecord(o.txID, rec)
}
