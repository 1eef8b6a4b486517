package flowstate

import (
	"testing"
	"time"

	"github.com/iskay-labs/usdc-flow-tracker/internal/kv"
)

func newTestStore() *Store {
	return NewStore(kv.NewMemory())
}

func TestUpdatePollingState_MetadataNeverOverwrittenWithAbsent(t *testing.T) {
	store := newTestStore()
	now := time.UnixMilli(1000)
	ps := NewPollingState(FlowTypeDeposit, now.UnixMilli(), map[string]any{"chainKey": "eth-mainnet"})
	rec := &TransactionRecord{Direction: FlowTypeDeposit, CreatedAt: now.UnixMilli(), Polling: ps}
	if err := store.PutTransactionRecord("tx1", rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := store.UpdatePollingState("tx1", now, PollingStatePartial{
		Metadata: map[string]any{"cctpNonce": "704111"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A later merge that doesn't mention chainKey must not erase it.
	if _, err := store.UpdatePollingState("tx1", now, PollingStatePartial{
		Metadata: map[string]any{"packetSequence": float64(17), "cctpNonce": nil},
	}); err != nil {
		t.Fatalf("update2: %v", err)
	}

	got, err := store.GetPollingState("tx1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["chainKey"] != "eth-mainnet" {
		t.Fatalf("chainKey lost: %+v", got.Metadata)
	}
	if got.Metadata["cctpNonce"] != "704111" {
		t.Fatalf("cctpNonce lost to nil overwrite: %+v", got.Metadata)
	}
	if got.Metadata["packetSequence"] != float64(17) {
		t.Fatalf("packetSequence not merged: %+v", got.Metadata)
	}
}

func TestStageMerge_PreservesFirstOccurredAt(t *testing.T) {
	store := newTestStore()
	now := time.UnixMilli(5000)
	ps := NewPollingState(FlowTypeDeposit, now.UnixMilli(), nil)
	rec := &TransactionRecord{Direction: FlowTypeDeposit, Polling: ps}
	if err := store.PutTransactionRecord("tx2", rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	first := time.UnixMilli(1111)
	if _, err := store.AddChainStage("tx2", ChainEVM, now, ChainStage{
		Stage: StageEVMPolling, Status: StageStatusPending, Source: "poller", OccurredAt: first,
	}); err != nil {
		t.Fatalf("add stage: %v", err)
	}

	later := time.UnixMilli(9999)
	if _, err := store.AddChainStage("tx2", ChainEVM, now, ChainStage{
		Stage: StageEVMPolling, Status: StageStatusConfirmed, Source: "poller", OccurredAt: later, TxHash: "0xabc",
	}); err != nil {
		t.Fatalf("add stage2: %v", err)
	}

	got, err := store.GetPollingState("tx2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cs := got.ChainStatus[ChainEVM]
	if len(cs.Stages) != 1 {
		t.Fatalf("expected 1 merged stage, got %d", len(cs.Stages))
	}
	if !cs.Stages[0].OccurredAt.Equal(first) {
		t.Fatalf("occurredAt should be first occurrence, got %v want %v", cs.Stages[0].OccurredAt, first)
	}
	if cs.Stages[0].Status != StageStatusConfirmed {
		t.Fatalf("status should be overwritten to confirmed, got %v", cs.Stages[0].Status)
	}
	if cs.Stages[0].TxHash != "0xabc" {
		t.Fatalf("txHash should be updated, got %q", cs.Stages[0].TxHash)
	}
	if len(cs.CompletedStages) != 1 || cs.CompletedStages[0] != StageEVMPolling {
		t.Fatalf("completedStages not updated: %+v", cs.CompletedStages)
	}
	if got.LatestCompletedStage != StageEVMPolling {
		t.Fatalf("latestCompletedStage not set: %v", got.LatestCompletedStage)
	}
}

func TestMigrateLegacyLayout(t *testing.T) {
	store := newTestStore()
	// Hand-construct a legacy record: metadata absent at top level, present
	// under chainParams[evm].metadata.
	legacy := &TransactionRecord{
		Direction: FlowTypeDeposit,
		CreatedAt: 1000,
		Polling: &PollingState{
			FlowStatus:  FlowStatusPending,
			FlowType:    FlowTypeDeposit,
			ChainStatus: map[ChainKey]*ChainStatus{},
			ChainParams: map[ChainKey]*ChainParam{
				ChainEVM: {TimeoutMs: 1200000},
			},
		},
	}
	if err := store.PutTransactionRecord("tx3", legacy); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Simulate the legacy annex by writing raw JSON directly, since the
	// current ChainParam type no longer declares a Metadata field.
	raw := []byte(`{"direction":"deposit","createdAt":1000,"pollingState":{"flowStatus":"pending","flowType":"deposit","chainStatus":{},"chainParams":{"evm":{"timeoutMs":1200000,"metadata":{"chainKey":"eth-mainnet","txHash":"0xAA"}}}}}`)
	if err := rawPut(store, "tx3", raw); err != nil {
		t.Fatalf("raw put: %v", err)
	}

	got, err := store.GetPollingState("tx3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["chainKey"] != "eth-mainnet" {
		t.Fatalf("migration did not relocate chainKey: %+v", got.Metadata)
	}
	if got.Metadata["txHash"] != "0xAA" {
		t.Fatalf("migration did not relocate txHash: %+v", got.Metadata)
	}
	if got.ChainParams[ChainEVM].TimeoutMs != 1200000 {
		t.Fatalf("chainParams timeoutMs lost during migration")
	}
}

// rawPut is a test helper writing a raw JSON blob directly into the store's
// backing KV, bypassing the typed marshal path, to simulate pre-existing
// legacy-layout records.
func rawPut(s *Store, txID string, raw []byte) error {
	return s.kv.Set(recordKey(txID), raw)
}
