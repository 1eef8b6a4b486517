// Package namadapoller implements the Namada leg: on deposit it walks
// blocks watching for the IBC receive of the forwarded packet; on payment
// it inspects a single known block for the outbound IBC send. spec.md §4.4.
package namadapoller

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
	"github.com/iskay-labs/usdc-flow-tracker/internal/poller"
	"github.com/iskay-labs/usdc-flow-tracker/internal/rpc/tendermintrpc"
)

// defaultInterval is used when the caller did not supply one.
const defaultInterval = 5 * time.Second

// Poller implements poller.ChainPoller for the Namada leg.
type Poller struct {
	client *tendermintrpc.Client
}

// New builds a Namada poller over client.
func New(client *tendermintrpc.Client) *Poller {
	return &Poller{client: client}
}

func metaInt64(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case string:
		n := new(big.Int)
		if _, ok := n.SetString(t, 10); ok {
			return n.Int64(), true
		}
	}
	return 0, false
}

func metaString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Poll dispatches to the deposit block-walk or the payment single-block
// lookup.
func (p *Poller) Poll(ctx context.Context, params poller.Params) (*poller.Result, error) {
	if ctx.Err() != nil {
		return poller.CancelledResult(params.Chain, "Polling aborted"), nil
	}
	if params.FlowType == flowstate.FlowTypePayment {
		return p.pollPayment(ctx, params), nil
	}
	return p.pollDeposit(ctx, params), nil
}

func (p *Poller) pollDeposit(ctx context.Context, params poller.Params) *poller.Result {
	startHeight, ok := metaInt64(params.Metadata, "startHeight")
	if !ok {
		return poller.ErrorResult(params.Chain, fmt.Errorf("namadapoller: deposit requires startHeight"), flowstate.ErrorCategoryUnknown, false, flowstate.RecoveryNone)
	}
	requiredSequence, ok := metaInt64(params.Metadata, "packetSequence")
	if !ok {
		return poller.ErrorResult(params.Chain, fmt.Errorf("namadapoller: deposit requires packetSequence"), flowstate.ErrorCategoryUnknown, false, flowstate.RecoveryNone)
	}

	deadline := time.Now().Add(time.Duration(params.TimeoutMs) * time.Millisecond)
	interval := time.Duration(params.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultInterval
	}

	nextHeight := startHeight

	for {
		if ctx.Err() != nil {
			return poller.CancelledResult(params.Chain, "Polling aborted")
		}

		head, err := p.client.LatestHeight(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return poller.CancelledResult(params.Chain, "Polling aborted")
			}
			return poller.ErrorResult(params.Chain, err, flowstate.ErrorCategoryNetwork, true, flowstate.RecoveryCheckConnection)
		}

		for ; nextHeight <= head; nextHeight++ {
			if ctx.Err() != nil {
				return poller.CancelledResult(params.Chain, "Polling aborted")
			}

			events, err := p.client.BlockResultsEvents(ctx, nextHeight)
			if err != nil {
				// Block fetches that fail after the adapter's own retries
				// are skipped, not fatal, per spec.md §4.4.
				continue
			}

			ackEvent := findAckForSequence(events.EndBlockEvents, requiredSequence)
			if ackEvent == nil {
				continue
			}

			ackData, _ := tendermintrpc.AttributeValue(ackEvent, "packet_ack")
			if ackData != `{"result":"AQ=="}` {
				return &poller.Result{
					Error: &poller.PollError{
						Type:       flowstate.ChainStatusTxError,
						Message:    "Namada IBC receive acknowledged with failure",
						OccurredAt: time.Now().UTC(),
						Category:   flowstate.ErrorCategoryUnknown,
						Chain:      params.Chain,
					},
				}
			}

			txHash, _ := tendermintrpc.AttributeValue(ackEvent, "inner-tx-hash")
			return &poller.Result{
				Stages: []flowstate.ChainStage{
					poller.NewStage(flowstate.StageNamadaReceived, flowstate.StageStatusConfirmed, txHash, "IBC receive confirmed on Namada", nil),
				},
				Metadata: map[string]any{"namadaTxHash": txHash, "namadaBlockHeight": nextHeight},
			}
		}

		if !time.Now().Before(deadline) {
			return poller.TimeoutResult(params.Chain, "Timed out waiting for Namada IBC receive")
		}

		select {
		case <-ctx.Done():
			return poller.CancelledResult(params.Chain, "Polling aborted")
		case <-time.After(interval):
		}
	}
}

func findAckForSequence(events []abci.Event, requiredSequence int64) *abci.Event {
	for i := range events {
		if events[i].Type != "write_acknowledgement" {
			continue
		}
		seqStr, ok := tendermintrpc.AttributeValue(&events[i], "packet_sequence")
		if !ok {
			continue
		}
		n := new(big.Int)
		if _, ok := n.SetString(seqStr, 10); !ok || n.Int64() != requiredSequence {
			continue
		}
		return &events[i]
	}
	return nil
}

func (p *Poller) pollPayment(ctx context.Context, params poller.Params) *poller.Result {
	height, ok := metaInt64(params.Metadata, "namadaBlockHeight")
	if !ok {
		return poller.ErrorResult(params.Chain, fmt.Errorf("namadapoller: payment requires namadaBlockHeight"), flowstate.ErrorCategoryUnknown, false, flowstate.RecoveryNone)
	}
	ibcTxHash, ok := metaString(params.Metadata, "namadaIbcTxHash")
	if !ok {
		return poller.ErrorResult(params.Chain, fmt.Errorf("namadapoller: payment requires namadaIbcTxHash"), flowstate.ErrorCategoryUnknown, false, flowstate.RecoveryNone)
	}

	deadline := time.Now().Add(time.Duration(params.TimeoutMs) * time.Millisecond)
	interval := time.Duration(params.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultInterval
	}

	for {
		if ctx.Err() != nil {
			return poller.CancelledResult(params.Chain, "Polling aborted")
		}

		events, err := p.client.BlockResultsEvents(ctx, height)
		if err == nil {
			if seq, ok := findSendPacketSequence(events.EndBlockEvents, ibcTxHash); ok && seq > 0 {
				return &poller.Result{
					Stages: []flowstate.ChainStage{
						poller.NewStage(flowstate.StageNamadaIBCSent, flowstate.StageStatusConfirmed, ibcTxHash, "IBC send confirmed on Namada", nil),
					},
					Metadata: map[string]any{"packetSequence": seq},
				}
			}
		} else if ctx.Err() != nil {
			return poller.CancelledResult(params.Chain, "Polling aborted")
		}

		if !time.Now().Before(deadline) {
			return poller.TimeoutResult(params.Chain, "Timed out waiting for Namada IBC send packet")
		}

		select {
		case <-ctx.Done():
			return poller.CancelledResult(params.Chain, "Polling aborted")
		case <-time.After(interval):
		}
	}
}

func findSendPacketSequence(events []abci.Event, ibcTxHash string) (int64, bool) {
	for i := range events {
		if events[i].Type != "send_packet" {
			continue
		}
		innerHash, ok := tendermintrpc.AttributeValue(&events[i], "inner-tx-hash")
		if !ok || !strings.EqualFold(innerHash, ibcTxHash) {
			continue
		}
		seqStr, ok := tendermintrpc.AttributeValue(&events[i], "packet_sequence")
		if !ok {
			continue
		}
		n := new(big.Int)
		if _, ok := n.SetString(seqStr, 10); ok {
			return n.Int64(), true
		}
	}
	return 0, false
}
