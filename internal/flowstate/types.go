// Package flowstate defines the persistent data model for cross-chain USDC
// flow tracking and the single read/merge/write entry point over it.
package flowstate

import "time"

// FlowStatus is the top-level status of a tracked flow.
type FlowStatus string

const (
	FlowStatusPending            FlowStatus = "pending"
	FlowStatusSuccess            FlowStatus = "success"
	FlowStatusPollingError       FlowStatus = "polling_error"
	FlowStatusPollingTimeout     FlowStatus = "polling_timeout"
	FlowStatusTxError            FlowStatus = "tx_error"
	FlowStatusUserActionRequired FlowStatus = "user_action_required"
	FlowStatusCancelled          FlowStatus = "cancelled"
)

// FlowType is the direction of a tracked flow.
type FlowType string

const (
	FlowTypeDeposit FlowType = "deposit"
	FlowTypePayment FlowType = "payment"
)

// ChainKey identifies one of the three legs of a flow.
type ChainKey string

const (
	ChainEVM    ChainKey = "evm"
	ChainNoble  ChainKey = "noble"
	ChainNamada ChainKey = "namada"
)

// DepositOrder and PaymentOrder are the canonical chain orders per direction.
var (
	DepositOrder = []ChainKey{ChainEVM, ChainNoble, ChainNamada}
	PaymentOrder = []ChainKey{ChainNamada, ChainNoble, ChainEVM}
)

// ChainOrder returns the canonical leg order for a direction.
func ChainOrder(ft FlowType) []ChainKey {
	if ft == FlowTypePayment {
		return PaymentOrder
	}
	return DepositOrder
}

// Stage identifies a sub-step of a chain leg.
type Stage string

const (
	StageEVMPolling       Stage = "EVM_POLLING"
	StageEVMMintConfirmed Stage = "EVM_MINT_CONFIRMED"

	StageNoblePolling              Stage = "NOBLE_POLLING"
	StageNobleCCTPMinted           Stage = "NOBLE_CCTP_MINTED"
	StageNobleForwardingRegistered Stage = "NOBLE_FORWARDING_REGISTRATION"
	StageNobleIBCForwarded         Stage = "NOBLE_IBC_FORWARDED"
	StageNobleReceived             Stage = "NOBLE_RECEIVED"
	StageNobleCCTPBurned           Stage = "NOBLE_CCTP_BURNED"

	StageNamadaPolling  Stage = "NAMADA_POLLING"
	StageNamadaReceived Stage = "NAMADA_RECEIVED"
	StageNamadaIBCSent  Stage = "NAMADA_IBC_SENT"

	StageEVMMintPolling Stage = "EVM_MINT_POLLING"
)

// StageStatus is the confirmation state of a single ChainStage.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusConfirmed StageStatus = "confirmed"
)

// ChainStatusValue is the status of one chain leg within a flow.
type ChainStatusValue string

const (
	ChainStatusPending            ChainStatusValue = "pending"
	ChainStatusSuccess            ChainStatusValue = "success"
	ChainStatusTxError            ChainStatusValue = "tx_error"
	ChainStatusPollingError       ChainStatusValue = "polling_error"
	ChainStatusPollingTimeout     ChainStatusValue = "polling_timeout"
	ChainStatusUserActionRequired ChainStatusValue = "user_action_required"
	ChainStatusCancelled          ChainStatusValue = "cancelled"
)

// ErrorCategory classifies the origin of a poller error.
type ErrorCategory string

const (
	ErrorCategoryNetwork ErrorCategory = "network"
	ErrorCategoryRPC     ErrorCategory = "rpc"
	ErrorCategoryUnknown ErrorCategory = "unknown"
)

// RecoveryAction suggests what the caller should do about an error.
type RecoveryAction string

const (
	RecoveryRetry           RecoveryAction = "retry"
	RecoveryCheckConnection RecoveryAction = "check_connection"
	RecoveryCheckRPCStatus  RecoveryAction = "check_rpc_status"
	RecoveryContactSupport  RecoveryAction = "contact_support"
	RecoveryNone            RecoveryAction = "none"
)

// ChainStage is one sub-step of a chain leg, as surfaced to the outside world.
type ChainStage struct {
	Stage      Stage          `json:"stage"`
	Status     StageStatus    `json:"status"`
	Source     string         `json:"source"` // always "poller"
	OccurredAt time.Time      `json:"occurredAt"`
	TxHash     string         `json:"txHash,omitempty"`
	Message    string         `json:"message,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChainStatus is the per-chain status record inside a PollingState.
type ChainStatus struct {
	Status            ChainStatusValue `json:"status"`
	CompletedStages   []Stage          `json:"completedStages"`
	Stages            []ChainStage     `json:"stages"`
	ErrorType         string           `json:"errorType,omitempty"`
	ErrorMessage      string           `json:"errorMessage,omitempty"`
	ErrorCode         string           `json:"errorCode,omitempty"`
	ErrorCategory     ErrorCategory    `json:"errorCategory,omitempty"`
	IsRecoverable     bool             `json:"isRecoverable,omitempty"`
	RecoveryAction    RecoveryAction   `json:"recoveryAction,omitempty"`
	ErrorOccurredAt   *time.Time       `json:"errorOccurredAt,omitempty"`
	TimeoutOccurredAt *time.Time       `json:"timeoutOccurredAt,omitempty"`
	RetryCount        int              `json:"retryCount"`
	LastRetryAt       *time.Time       `json:"lastRetryAt,omitempty"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

// ChainParam is the per-chain poller configuration (not metadata — see the
// legacy-layout migration in migrate.go for why this distinction matters).
type ChainParam struct {
	TimeoutMs  int64 `json:"timeoutMs,omitempty"`
	IntervalMs int64 `json:"intervalMs,omitempty"`
}

// PollingState is the core's own persistent sub-record, one per transaction.
type PollingState struct {
	FlowStatus           FlowStatus                `json:"flowStatus"`
	FlowType             FlowType                  `json:"flowType"`
	StartedAt            int64                     `json:"startedAt"`
	LastUpdatedAt        int64                     `json:"lastUpdatedAt"`
	GlobalTimeoutAt      int64                     `json:"globalTimeoutAt"`
	CurrentChain         ChainKey                  `json:"currentChain,omitempty"`
	LatestCompletedStage Stage                     `json:"latestCompletedStage,omitempty"`
	Metadata             map[string]any            `json:"metadata"`
	ChainStatus          map[ChainKey]*ChainStatus `json:"chainStatus"`
	ChainParams          map[ChainKey]*ChainParam  `json:"chainParams"`
}

// TransactionRecord is the opaque outer record; the core only reads the
// fields below as fallbacks and owns PollingState.
type TransactionRecord struct {
	Direction   FlowType       `json:"direction"`
	CreatedAt   int64          `json:"createdAt"` // epoch ms
	Hash        string         `json:"hash"`
	BlockHeight int64          `json:"blockHeight,omitempty"`
	Status      string         `json:"status"` // finalized | broadcasted | error | undetermined
	Details     map[string]any `json:"details,omitempty"`
	Polling     *PollingState  `json:"pollingState,omitempty"`

	// Legacy layout support (see migrate.go).
	ChainParamsLegacy map[ChainKey]*legacyChainParam `json:"-"`
}

type legacyChainParam struct {
	TimeoutMs  int64          `json:"timeoutMs,omitempty"`
	IntervalMs int64          `json:"intervalMs,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewPollingState builds a fresh PollingState with the given initial metadata.
func NewPollingState(ft FlowType, now int64, initialMetadata map[string]any) *PollingState {
	md := make(map[string]any, len(initialMetadata))
	for k, v := range initialMetadata {
		if v == nil {
			continue
		}
		md[k] = v
	}
	return &PollingState{
		FlowStatus:    FlowStatusPending,
		FlowType:      ft,
		StartedAt:     now,
		LastUpdatedAt: now,
		Metadata:      md,
		ChainStatus:   make(map[ChainKey]*ChainStatus),
		ChainParams:   make(map[ChainKey]*ChainParam),
	}
}
