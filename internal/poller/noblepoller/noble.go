// Package noblepoller implements the Noble leg, which plays two roles: on
// deposit it watches the CCTP mint then drives IBC-forwarding registration
// then extracts the forwarded packet sequence; on payment it watches the
// inbound IBC receive then the CCTP burn. spec.md §4.3.
package noblepoller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
	"github.com/iskay-labs/usdc-flow-tracker/internal/poller"
	"github.com/iskay-labs/usdc-flow-tracker/internal/registration"
	"github.com/iskay-labs/usdc-flow-tracker/internal/rpc/tendermintrpc"
)

// searchTimeout and searchInterval govern every tx_search poll loop in this
// package, per spec.md §4.3.
const (
	searchTimeout  = 2 * time.Minute
	searchInterval = 3 * time.Second
)

// successfulAckData is the exact JSON CometBFT IBC stamps on a successful
// packet_ack, per spec.md §4.3/§4.4.
const successfulAckData = `{"result":"AQ=="}`

// Registrar is the forwarding-registration sub-job dependency, satisfied by
// *registration.Job.
type Registrar interface {
	Run(ctx context.Context, params registration.Params) (*registration.Result, error)
}

// Poller implements poller.ChainPoller for the Noble leg.
type Poller struct {
	client    *tendermintrpc.Client
	registrar Registrar
}

// New builds a Noble poller over client, driving registration through
// registrar.
func New(client *tendermintrpc.Client, registrar Registrar) *Poller {
	return &Poller{client: client, registrar: registrar}
}

func metaString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func metaBigInt(m map[string]any, key string) (*big.Int, bool) {
	s, ok := metaString(m, key)
	if !ok {
		return nil, false
	}
	n, ok := new(big.Int).SetString(s, 10)
	return n, ok
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

func metaUint64(m map[string]any, key string) (uint64, bool) {
	n, ok := metaInt64(m, key)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// Poll dispatches to the deposit or payment sub-state-machine.
func (p *Poller) Poll(ctx context.Context, params poller.Params) (*poller.Result, error) {
	if ctx.Err() != nil {
		return poller.CancelledResult(params.Chain, "Polling aborted"), nil
	}
	if params.FlowType == flowstate.FlowTypePayment {
		return p.pollPayment(ctx, params), nil
	}
	return p.pollDeposit(ctx, params), nil
}

// searchLoop polls TxSearch(query) every searchInterval until a transaction
// is found, the search timeout elapses, or ctx is cancelled.
func (p *Poller) searchLoop(ctx context.Context, params poller.Params, query string) (*coretypes.ResultTx, *poller.Result) {
	deadline := time.Now().Add(searchTimeout)
	for {
		if ctx.Err() != nil {
			return nil, poller.CancelledResult(params.Chain, "Polling aborted")
		}
		result, err := p.client.TxSearch(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, poller.CancelledResult(params.Chain, "Polling aborted")
			}
			return nil, poller.ErrorResult(params.Chain, err, flowstate.ErrorCategoryRPC, true, flowstate.RecoveryRetry)
		}
		if len(result.Txs) > 0 {
			return result.Txs[0], nil
		}
		if !time.Now().Before(deadline) {
			return nil, poller.TimeoutResult(params.Chain, "Timed out waiting for Noble transaction")
		}
		select {
		case <-ctx.Done():
			return nil, poller.CancelledResult(params.Chain, "Polling aborted")
		case <-time.After(searchInterval):
		}
	}
}

func (p *Poller) pollDeposit(ctx context.Context, params poller.Params) *poller.Result {
	nonce, ok := metaString(params.Metadata, "cctpNonce")
	if !ok {
		return poller.ErrorResult(params.Chain, fmt.Errorf("noblepoller: deposit requires cctpNonce"), flowstate.ErrorCategoryUnknown, false, flowstate.RecoveryNone)
	}

	tx, errResult := p.searchLoop(ctx, params, tendermintrpc.NonceQuery(nonce))
	if errResult != nil {
		return errResult
	}

	mintEvent := tendermintrpc.FindEventByAttr(tx.TxResult.Events, "circle.cctp.v1.MessageReceived", "nonce", `"`+nonce+`"`)
	if mintEvent == nil {
		// tx_search matched the transaction but the attribute shape did not
		// confirm; treat as not-yet-found rather than a hard failure.
		return poller.TimeoutResult(params.Chain, "MessageReceived event not found in matched transaction")
	}

	stages := []flowstate.ChainStage{
		poller.NewStage(flowstate.StageNobleCCTPMinted, flowstate.StageStatusConfirmed, tx.Hash.String(), "CCTP mint observed on Noble", nil),
		poller.NewStage(flowstate.StageNobleForwardingRegistered, flowstate.StageStatusPending, "", "", nil),
	}
	metadata := map[string]any{"nobleMintTxHash": tx.Hash.String()}

	if ctx.Err() != nil {
		return &poller.Result{Stages: stages, Metadata: metadata, Error: &poller.PollError{
			Type: flowstate.ChainStatusPollingError, Message: "Polling aborted", OccurredAt: time.Now().UTC(), Chain: params.Chain,
		}}
	}

	regParams := registration.Params{
		TxID:              params.FlowID,
		ForwardingAddress: metaStringOr(params.Metadata, "forwardingAddress"),
		RecipientAddress:  metaStringOr(params.Metadata, "recipient"),
		ChannelID:         metaStringOr(params.Metadata, "channelId"),
		Fallback:          metaStringOr(params.Metadata, "fallback"),
		GasLimit:          mustUint64(params.Metadata, "gasLimit"),
	}
	if minBal, ok := metaBigInt(params.Metadata, "minBalanceUusdc"); ok {
		regParams.MinBalanceUusdc = minBal
	}
	if fee, ok := metaBigInt(params.Metadata, "feeUusdc"); ok {
		regParams.FeeUusdc = fee
	}

	regResult, err := p.registrar.Run(ctx, regParams)
	if err != nil {
		if ctx.Err() != nil {
			return &poller.Result{Stages: stages, Metadata: metadata, Error: &poller.PollError{
				Type: flowstate.ChainStatusPollingError, Message: "Polling aborted", OccurredAt: time.Now().UTC(), Chain: params.Chain,
			}}
		}
		return &poller.Result{Stages: stages, Metadata: metadata, Error: &poller.PollError{
			Type: flowstate.ChainStatusPollingError, Message: err.Error(), OccurredAt: time.Now().UTC(),
			Category: flowstate.ErrorCategoryRPC, IsRecoverable: true, RecoveryAction: flowstate.RecoveryRetry, Chain: params.Chain,
		}}
	}

	regResultJSON := map[string]any{
		"alreadyRegistered": regResult.AlreadyRegistered,
		"success":           regResult.Success,
		"recoverable":       regResult.Recoverable,
		"balanceSufficient": regResult.BalanceSufficient,
		"balanceUusdc":      regResult.BalanceUusdc,
		"txHash":            regResult.TxHash,
		"code":              regResult.Code,
		"rawLog":            regResult.RawLog,
		"message":           regResult.Message,
	}
	metadata["nobleForwardingRegistration"] = regResultJSON

	if regResult.Success {
		stages[1] = poller.NewStage(flowstate.StageNobleForwardingRegistered, flowstate.StageStatusConfirmed, regResult.TxHash, "", nil)
	} else if !regResult.Recoverable {
		// Regardless of registration outcome, attempt to extract the IBC
		// send_packet so its sequence is preserved in the returned state if
		// it already happened — spec.md §4.3. This is best effort: a
		// failed extraction here must not mask the user_action_required
		// outcome, which is the one the caller needs to act on.
		if sequence, packetStage, extractErr := p.extractForwardedPacket(ctx, params, tx.Height, metaStringOr(params.Metadata, "recipient")); extractErr == nil && packetStage != nil {
			stages = append(stages, *packetStage)
			metadata["packetSequence"] = sequence
		}
		return &poller.Result{
			Stages:   stages,
			Metadata: metadata,
			Error: &poller.PollError{
				Type:           flowstate.ChainStatusUserActionRequired,
				Message:        regResult.Message,
				OccurredAt:     time.Now().UTC(),
				Category:       flowstate.ErrorCategoryUnknown,
				IsRecoverable:  false,
				RecoveryAction: flowstate.RecoveryContactSupport,
				Chain:          params.Chain,
			},
		}
	}
	// Recoverable registration failure falls through to packet extraction
	// regardless, per spec.md §4.6.

	sequence, packetStage, extractErr := p.extractForwardedPacket(ctx, params, tx.Height, metaStringOr(params.Metadata, "recipient"))
	if extractErr != nil {
		if ctx.Err() != nil {
			return &poller.Result{Stages: stages, Metadata: metadata, Error: &poller.PollError{
				Type: flowstate.ChainStatusPollingError, Message: "Polling aborted", OccurredAt: time.Now().UTC(), Chain: params.Chain,
			}}
		}
		return &poller.Result{Stages: stages, Metadata: metadata, Error: &poller.PollError{
			Type: flowstate.ChainStatusPollingError, Message: extractErr.Error(), OccurredAt: time.Now().UTC(),
			Category: flowstate.ErrorCategoryRPC, IsRecoverable: true, RecoveryAction: flowstate.RecoveryRetry, Chain: params.Chain,
		}}
	}
	if packetStage != nil {
		stages = append(stages, *packetStage)
		metadata["packetSequence"] = sequence
	}

	return &poller.Result{Stages: stages, Metadata: metadata}
}

// extractForwardedPacket implements spec.md §4.3's three-tier extraction:
// (1) the mint block's own finalize_block_events, matched by packet_data
// contents; (2) a fallback AccountRegistered search-then-extract; (3) any
// send_packet in those blocks as a last resort.
func (p *Poller) extractForwardedPacket(ctx context.Context, params poller.Params, mintHeight int64, recipient string) (int64, *flowstate.ChainStage, error) {
	events, err := p.client.BlockResultsEvents(ctx, mintHeight)
	if err != nil {
		return 0, nil, err
	}
	forwardingAddress := metaStringOr(params.Metadata, "forwardingAddress")

	if seq, ev, ok := matchSendPacketByData(events.FinalizeBlockEvents, recipient, forwardingAddress); ok {
		stage := poller.NewStage(flowstate.StageNobleIBCForwarded, flowstate.StageStatusConfirmed, "", "", nil)
		_ = ev
		return seq, &stage, nil
	}

	if ctx.Err() != nil {
		return 0, nil, ctx.Err()
	}

	// Fallback: search for AccountRegistered by recipient, then extract the
	// packet from that block.
	accRegTx, errResult := p.searchLoop(ctx, params, tendermintrpc.AccountRegisteredQuery(recipient))
	if errResult == nil && accRegTx != nil {
		fallbackEvents, err := p.client.BlockResultsEvents(ctx, accRegTx.Height)
		if err == nil {
			if seq, ev, ok := matchSendPacketByData(fallbackEvents.FinalizeBlockEvents, recipient, forwardingAddress); ok {
				stage := poller.NewStage(flowstate.StageNobleIBCForwarded, flowstate.StageStatusConfirmed, "", "", nil)
				_ = ev
				return seq, &stage, nil
			}
			if seq, ok := firstSendPacketSequence(fallbackEvents.FinalizeBlockEvents); ok {
				stage := poller.NewStage(flowstate.StageNobleIBCForwarded, flowstate.StageStatusConfirmed, "", "", nil)
				return seq, &stage, nil
			}
		}
	}

	if seq, ok := firstSendPacketSequence(events.FinalizeBlockEvents); ok {
		stage := poller.NewStage(flowstate.StageNobleIBCForwarded, flowstate.StageStatusConfirmed, "", "", nil)
		return seq, &stage, nil
	}

	return 0, nil, nil
}

type sendPacketData struct {
	Amount   string `json:"amount"`
	Denom    string `json:"denom"`
	Receiver string `json:"receiver"`
	Sender   string `json:"sender"`
}

func matchSendPacketByData(events []abci.Event, recipient, forwardingAddress string) (int64, *abci.Event, bool) {
	for i := range events {
		if events[i].Type != "send_packet" {
			continue
		}
		dataStr, ok := tendermintrpc.AttributeValue(&events[i], "packet_data")
		if !ok {
			continue
		}
		var data sendPacketData
		if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
			continue
		}
		if data.Denom != "uusdc" {
			continue
		}
		if !strings.EqualFold(data.Receiver, recipient) {
			continue
		}
		if forwardingAddress != "" && !strings.EqualFold(data.Sender, forwardingAddress) {
			continue
		}
		if seq, ok := tendermintrpc.AttributeValue(&events[i], "packet_sequence"); ok {
			n := new(big.Int)
			if _, ok := n.SetString(seq, 10); ok {
				return n.Int64(), &events[i], true
			}
		}
	}
	return 0, nil, false
}

func firstSendPacketSequence(events []abci.Event) (int64, bool) {
	ev := tendermintrpc.FindEvents(events, "send_packet")
	if len(ev) == 0 {
		return 0, false
	}
	if seq, ok := tendermintrpc.AttributeValue(&ev[0], "packet_sequence"); ok {
		n := new(big.Int)
		if _, ok := n.SetString(seq, 10); ok {
			return n.Int64(), true
		}
	}
	return 0, false
}

func (p *Poller) pollPayment(ctx context.Context, params poller.Params) *poller.Result {
	sequence, ok := metaInt64(params.Metadata, "packetSequence")
	if !ok {
		return poller.ErrorResult(params.Chain, fmt.Errorf("noblepoller: payment requires packetSequence"), flowstate.ErrorCategoryUnknown, false, flowstate.RecoveryNone)
	}

	tx, errResult := p.searchLoop(ctx, params, tendermintrpc.PacketSequenceQuery(sequence))
	if errResult != nil {
		return errResult
	}

	ackEvent := tendermintrpc.FindEvent(tx.TxResult.Events, "write_acknowledgement")
	ackData, _ := tendermintrpc.AttributeValue(ackEvent, "packet_ack")
	if ackData != successfulAckData {
		return &poller.Result{
			Error: &poller.PollError{
				Type:       flowstate.ChainStatusTxError,
				Message:    "Noble IBC receive acknowledged with failure",
				OccurredAt: time.Now().UTC(),
				Category:   flowstate.ErrorCategoryUnknown,
				Chain:      params.Chain,
			},
		}
	}

	stages := []flowstate.ChainStage{
		poller.NewStage(flowstate.StageNobleReceived, flowstate.StageStatusConfirmed, tx.Hash.String(), "IBC receive confirmed on Noble", nil),
	}
	metadata := map[string]any{"nobleReceiveTxHash": tx.Hash.String()}

	burnEvent := tendermintrpc.FindEvent(tx.TxResult.Events, "circle.cctp.v1.DepositForBurn")
	nonce, _ := tendermintrpc.AttributeValue(burnEvent, "nonce")
	if nonce != "" {
		stages = append(stages, poller.NewStage(flowstate.StageNobleCCTPBurned, flowstate.StageStatusConfirmed, tx.Hash.String(), "", nil))
		metadata["cctpNonce"] = strings.Trim(nonce, `"`)
	}

	return &poller.Result{Stages: stages, Metadata: metadata}
}

// RetryForwardingRegistration re-runs the deposit sub-state-machine after a
// registration failure left the flow in user_action_required (pollDeposit
// returns that status only for a non-recoverable registration result).
// The mint-tx search resolves immediately (it is already indexed), so this
// amounts to retrying registration-and-extraction in place.
func (p *Poller) RetryForwardingRegistration(ctx context.Context, params poller.Params) (*poller.Result, error) {
	if ctx.Err() != nil {
		return poller.CancelledResult(params.Chain, "Polling aborted"), nil
	}
	return p.pollDeposit(ctx, params), nil
}

func metaStringOr(m map[string]any, key string) string {
	s, _ := metaString(m, key)
	return s
}

func mustUint64(m map[string]any, key string) uint64 {
	v, _ := metaUint64(m, key)
	return v
}
