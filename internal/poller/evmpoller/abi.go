package evmpoller

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// messageTransmitterABI declares just the one event the nonce-mode scan
// needs. Deriving the topic hash from the ABI (rather than a hard-coded
// literal) avoids the signature drifting out of sync with the contract —
// see the Open Question in spec.md §9.
const messageTransmitterABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "caller", "type": "address"},
			{"indexed": false, "name": "sourceDomain", "type": "uint32"},
			{"indexed": true, "name": "nonce", "type": "uint64"},
			{"indexed": false, "name": "sender", "type": "bytes32"},
			{"indexed": false, "name": "messageBody", "type": "bytes"}
		],
		"name": "MessageReceived",
		"type": "event"
	}
]`

// erc20TransferABI declares the standard ERC-20 Transfer event used by
// transfer-mode.
const erc20TransferABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	}
]`

var (
	messageTransmitterContractABI abi.ABI
	erc20ContractABI              abi.ABI

	messageReceivedTopic common.Hash
	transferTopic        common.Hash
)

func init() {
	var err error
	messageTransmitterContractABI, err = abi.JSON(strings.NewReader(messageTransmitterABI))
	if err != nil {
		panic("evmpoller: invalid MessageTransmitter ABI: " + err.Error())
	}
	erc20ContractABI, err = abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic("evmpoller: invalid ERC20 ABI: " + err.Error())
	}
	messageReceivedTopic = messageTransmitterContractABI.Events["MessageReceived"].ID
	transferTopic = erc20ContractABI.Events["Transfer"].ID
}
