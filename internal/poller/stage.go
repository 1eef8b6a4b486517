package poller

import (
	"time"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
)

// NewStage builds a ChainStage stamped with the current time and the
// "poller" source, per spec.md §3.
func NewStage(stage flowstate.Stage, status flowstate.StageStatus, txHash, message string, metadata map[string]any) flowstate.ChainStage {
	return flowstate.ChainStage{
		Stage:      stage,
		Status:     status,
		Source:     "poller",
		OccurredAt: time.Now().UTC(),
		TxHash:     txHash,
		Message:    message,
		Metadata:   metadata,
	}
}
