package flowstate

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/iskay-labs/usdc-flow-tracker/internal/kv"
)

const recordKeyPrefix = "flowtx:"

func recordKey(txID string) []byte {
	return []byte(recordKeyPrefix + txID)
}

// Store is the single read/merge/write entry point over the persistent
// transaction record, matching the teacher's LedgerStore: a thin JSON
// marshal/unmarshal layer over an opaque KV. UpdatePollingState (and
// UpdateChainStatus/AddChainStage, which go through it) runs its
// read-merge-write under the Store's mutex, so concurrent partial updates
// do not overwrite each other.
type Store struct {
	kv     kv.KV
	logger *log.Logger
	mu     sync.Mutex
}

// NewStore constructs a Store over the given KV.
func NewStore(backing kv.KV) *Store {
	return &Store{
		kv:     backing,
		logger: log.New(os.Stderr, "[flowstate] ", log.LstdFlags),
	}
}

// GetTransactionRecord loads the full opaque record for txID.
func (s *Store) GetTransactionRecord(txID string) (*TransactionRecord, error) {
	raw, err := s.kv.Get(recordKey(txID))
	if err != nil {
		return nil, fmt.Errorf("flowstate: get %s: %w", txID, err)
	}
	if len(raw) == 0 {
		return nil, ErrStateNotFound
	}
	var rec TransactionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("flowstate: unmarshal %s: %w", txID, err)
	}
	return &rec, nil
}

// PutTransactionRecord persists the full record verbatim. Used by callers
// that materialise the initial record (origin txhash, amounts, etc.) before
// an orchestrator exists.
func (s *Store) PutTransactionRecord(txID string, rec *TransactionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("flowstate: marshal %s: %w", txID, err)
	}
	return s.kv.Set(recordKey(txID), b)
}

// GetPollingState returns the (possibly migrated) polling state for txID.
// Migration is performed transparently and persisted back, per spec.md §9.
func (s *Store) GetPollingState(txID string) (*PollingState, error) {
	rec, err := s.GetTransactionRecord(txID)
	if err != nil {
		return nil, err
	}
	migrated, changed, err := migrateLegacyLayout(rec)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Printf("migrated legacy polling-state layout for %s", txID)
		if err := s.PutTransactionRecord(txID, rec); err != nil {
			return nil, err
		}
	}
	_ = migrated
	if rec.Polling == nil {
		return nil, ErrNoPollingState
	}
	return rec.Polling, nil
}

// ChainStatusPartial is a partial update to one chain's ChainStatus. Nil
// fields are left untouched; slices are merged according to the rules in
// spec.md §4.5, never blindly overwritten.
type ChainStatusPartial struct {
	Status            *ChainStatusValue
	NewStages         []ChainStage // merged via MergeStages, not overwritten
	ErrorType         *string
	ErrorMessage      *string
	ErrorCode         *string
	ErrorCategory     *ErrorCategory
	IsRecoverable     *bool
	RecoveryAction    *RecoveryAction
	ErrorOccurredAt   *time.Time
	TimeoutOccurredAt *time.Time
	IncRetryCount     bool
	LastRetryAt       *time.Time
	CompletedAt       *time.Time
	Metadata          map[string]any // merged, absent-filtered
}

// PollingStatePartial is a partial update to a PollingState. See
// UpdatePollingState for the merge semantics of each field.
type PollingStatePartial struct {
	FlowStatus                *FlowStatus
	CurrentChain              *ChainKey
	ClearCurrentChain         bool
	LatestCompletedStage      *Stage
	Metadata                  map[string]any // merged, absent-filtered
	ChainStatus               map[ChainKey]*ChainStatusPartial
	ChainParams               map[ChainKey]*ChainParam
	ResetChainStatus          bool // start(): chainStatus={}
	ResetLatestCompletedStage bool
	GlobalTimeoutAt           *int64
}

// UpdatePollingState deep-merges partial into the stored PollingState for
// txID and stamps LastUpdatedAt. See spec.md §4.5 for the merge law.
func (s *Store) UpdatePollingState(txID string, now time.Time, partial PollingStatePartial) (*PollingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.GetTransactionRecord(txID)
	if err != nil {
		return nil, err
	}
	if _, _, err := migrateLegacyLayout(rec); err != nil {
		return nil, err
	}
	if rec.Polling == nil {
		return nil, ErrNoPollingState
	}
	st := rec.Polling

	if partial.FlowStatus != nil {
		st.FlowStatus = *partial.FlowStatus
	}
	if partial.ResetChainStatus {
		st.ChainStatus = make(map[ChainKey]*ChainStatus)
	}
	if partial.ClearCurrentChain {
		st.CurrentChain = ""
	} else if partial.CurrentChain != nil {
		st.CurrentChain = *partial.CurrentChain
	}
	if partial.ResetLatestCompletedStage {
		st.LatestCompletedStage = ""
	} else if partial.LatestCompletedStage != nil {
		st.LatestCompletedStage = *partial.LatestCompletedStage
	}
	if len(partial.Metadata) > 0 {
		st.Metadata = mergeMetadataMaps(st.Metadata, partial.Metadata)
	}
	if partial.GlobalTimeoutAt != nil {
		st.GlobalTimeoutAt = *partial.GlobalTimeoutAt
	}
	for chain, cp := range partial.ChainParams {
		// Empty chainParams={} in the partial is a no-op if existing
		// chainParams are non-empty — protects against accidental clears.
		if cp == nil {
			continue
		}
		if st.ChainParams == nil {
			st.ChainParams = make(map[ChainKey]*ChainParam)
		}
		st.ChainParams[chain] = cp
	}
	for chain, csp := range partial.ChainStatus {
		if csp == nil {
			continue
		}
		applyChainStatusPartial(st, chain, *csp)
	}

	st.LastUpdatedAt = now.UnixMilli()
	if err := s.PutTransactionRecord(txID, rec); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateChainStatus merges a single chain's status partial, preserving
// CompletedStages/Stages/RetryCount/ErrorCode when the partial omits them.
func (s *Store) UpdateChainStatus(txID string, chain ChainKey, now time.Time, partial ChainStatusPartial) (*PollingState, error) {
	return s.UpdatePollingState(txID, now, PollingStatePartial{
		ChainStatus: map[ChainKey]*ChainStatusPartial{chain: &partial},
	})
}

// AddChainStage appends (or dedups into) a single stage for chain.
func (s *Store) AddChainStage(txID string, chain ChainKey, now time.Time, stage ChainStage) (*PollingState, error) {
	return s.UpdateChainStatus(txID, chain, now, ChainStatusPartial{NewStages: []ChainStage{stage}})
}

func applyChainStatusPartial(st *PollingState, chain ChainKey, p ChainStatusPartial) {
	if st.ChainStatus == nil {
		st.ChainStatus = make(map[ChainKey]*ChainStatus)
	}
	cs, ok := st.ChainStatus[chain]
	if !ok || cs == nil {
		cs = &ChainStatus{Status: ChainStatusPending}
		st.ChainStatus[chain] = cs
	}

	if p.Status != nil {
		cs.Status = *p.Status
	}
	if len(p.NewStages) > 0 {
		cs.Stages = MergeStages(cs.Stages, p.NewStages)
		cs.CompletedStages = AppendCompletedStages(cs.CompletedStages, ConfirmedStages(p.NewStages))
		if len(st.Metadata) == 0 {
			// no-op; metadata handled at PollingState level
		}
		for _, ns := range p.NewStages {
			if ns.Status == StageStatusConfirmed {
				st.LatestCompletedStage = ns.Stage
			}
		}
	}
	if p.ErrorType != nil {
		cs.ErrorType = *p.ErrorType
	}
	if p.ErrorMessage != nil {
		cs.ErrorMessage = *p.ErrorMessage
	}
	if p.ErrorCode != nil {
		cs.ErrorCode = *p.ErrorCode
	}
	if p.ErrorCategory != nil {
		cs.ErrorCategory = *p.ErrorCategory
	}
	if p.IsRecoverable != nil {
		cs.IsRecoverable = *p.IsRecoverable
	}
	if p.RecoveryAction != nil {
		cs.RecoveryAction = *p.RecoveryAction
	}
	if p.ErrorOccurredAt != nil {
		cs.ErrorOccurredAt = p.ErrorOccurredAt
	}
	if p.TimeoutOccurredAt != nil {
		cs.TimeoutOccurredAt = p.TimeoutOccurredAt
	}
	if p.IncRetryCount {
		cs.RetryCount++
	}
	if p.LastRetryAt != nil {
		cs.LastRetryAt = p.LastRetryAt
	}
	if p.CompletedAt != nil {
		cs.CompletedAt = p.CompletedAt
	}
	if len(p.Metadata) > 0 {
		cs.Metadata = mergeMetadataMaps(cs.Metadata, p.Metadata)
	}
}
