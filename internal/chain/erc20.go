/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"settlement-engine-go/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const transferABI = `[
	{
		"constant": false,
		"inputs": [
			{"name": "_to", "type": "address"},
			{"name": "_value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	}
]`

const (
	defaultGasLimit        = 65000
	broadcastLookupTimeout = 10 * time.Second
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// backend is the subset of ethclient.Client used here.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ERC20Client watches deposit addresses for token transfers and sends payouts
// from the platform hot wallet.
type ERC20Client struct {
	client   backend
	closer   func()
	network  models.NetworkConfig
	contract common.Address
	abi      abi.ABI
	chainID  *big.Int

	// nil when the client only watches
	key  *ecdsa.PrivateKey
	from common.Address
}

// NewERC20Client dials the network's RPC endpoint. privateKeyHex may be empty
// for a watch-only client.
func NewERC20Client(ctx context.Context, network models.NetworkConfig, privateKeyHex string) (*ERC20Client, error) {
	client, err := ethclient.DialContext(ctx, network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", network.Name, err)
	}

	c, err := newERC20Client(ctx, client, network, privateKeyHex)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

func newERC20Client(ctx context.Context, client backend, network models.NetworkConfig, privateKeyHex string) (*ERC20Client, error) {
	if !common.IsHexAddress(network.TokenContract) {
		return nil, fmt.Errorf("invalid token contract for %s: %q", network.Name, network.TokenContract)
	}

	parsed, err := abi.JSON(strings.NewReader(transferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	c := &ERC20Client{
		client:   client,
		network:  network,
		contract: common.HexToAddress(network.TokenContract),
		abi:      parsed,
		chainID:  chainID,
	}

	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	zap.L().Info("Chain client initialized",
		zap.String("network", network.Name),
		zap.String("chain_id", chainID.String()),
		zap.String("token", network.TokenContract),
		zap.Bool("can_send", c.key != nil))

	return c, nil
}

func (c *ERC20Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *ERC20Client) Network() models.NetworkConfig {
	return c.network
}

// Observe returns token transfers into address within the lookback window,
// with confirmations counted from the current head.
func (c *ERC20Client) Observe(ctx context.Context, address string) ([]Observation, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address: %q", address)
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to get head block: %w", err))
	}

	var from uint64
	if head > c.network.LookbackBlocks {
		from = head - c.network.LookbackBlocks
	}

	to := common.HexToAddress(address)
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{transferTopic}, nil, {common.BytesToHash(to.Bytes())}},
	})
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to filter transfer logs: %w", err))
	}

	blockTimes := make(map[uint64]*time.Time)
	observations := make([]Observation, 0, len(logs))
	for _, l := range logs {
		obs, ok := c.parseTransfer(l, head)
		if !ok {
			continue
		}

		if _, seen := blockTimes[l.BlockNumber]; !seen {
			blockTimes[l.BlockNumber] = c.blockTime(ctx, l.BlockNumber)
		}
		obs.BlockTime = blockTimes[l.BlockNumber]
		observations = append(observations, obs)
	}

	zap.L().Debug("Observed transfers",
		zap.String("network", c.network.Name),
		zap.String("address", address),
		zap.Uint64("from_block", from),
		zap.Uint64("head", head),
		zap.Int("count", len(observations)))

	return observations, nil
}

// parseTransfer decodes a Transfer log. Logs dropped by a reorg are skipped.
func (c *ERC20Client) parseTransfer(l types.Log, head uint64) (Observation, bool) {
	if l.Removed || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
		return Observation{}, false
	}

	value := new(big.Int).SetBytes(l.Data)
	if value.Sign() <= 0 {
		return Observation{}, false
	}

	confirmations := 0
	if head >= l.BlockNumber {
		confirmations = int(head-l.BlockNumber) + 1
	}

	return Observation{
		TxHash:        l.TxHash.Hex(),
		LogIndex:      l.Index,
		FromAddress:   common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		ToAddress:     common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		Amount:        FromBaseUnits(value, c.network.TokenDecimals),
		Currency:      c.network.Currency,
		Network:       c.network.Name,
		Confirmations: confirmations,
		BlockNumber:   int64(l.BlockNumber),
	}, true
}

func (c *ERC20Client) blockTime(ctx context.Context, number uint64) *time.Time {
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		zap.L().Debug("Failed to fetch block header", zap.Uint64("block", number), zap.Error(err))
		return nil
	}
	t := time.Unix(int64(header.Time), 0).UTC()
	return &t
}

// Send transfers amount of the token to toAddress. Failing to fetch the nonce
// or gas price is transient and an explicit rejection by the node is permanent. Any other
// broadcast failure returns an unknown-outcome error carrying the hash.
func (c *ERC20Client) Send(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("no payout key configured for %s", c.network.Name)
	}
	if !common.IsHexAddress(toAddress) {
		return "", fmt.Errorf("invalid destination address: %q", toAddress)
	}

	value := ToBaseUnits(amount, c.network.TokenDecimals)
	if value.Sign() <= 0 {
		return "", fmt.Errorf("amount %s is below token precision", amount.String())
	}

	data, err := c.abi.Pack("transfer", common.HexToAddress(toAddress), value)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", Transient(fmt.Errorf("failed to get nonce: %w", err))
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", Transient(fmt.Errorf("failed to get gas price: %w", err))
	}

	gasLimit := c.network.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	hash := signed.Hash()

	zap.L().Info("Sending token transfer",
		zap.String("network", c.network.Name),
		zap.String("to", toAddress),
		zap.String("amount", amount.String()),
		zap.Uint64("nonce", nonce),
		zap.String("tx_hash", hash.Hex()))

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		// A lost response may still have reached the mempool, and ctx may
		// already be spent.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastLookupTimeout)
		_, _, lookupErr := c.client.TransactionByHash(lookupCtx, hash)
		cancel()
		if lookupErr == nil {
			zap.L().Warn("Broadcast reported an error but the transaction is known",
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err))
			return hash.Hex(), nil
		}
		if rejectedByNode(err) {
			return "", fmt.Errorf("transaction rejected: %w", err)
		}
		zap.L().Error("Broadcast outcome unknown",
			zap.String("network", c.network.Name),
			zap.String("tx_hash", hash.Hex()),
			zap.NamedError("lookup_error", lookupErr),
			zap.Error(err))
		return "", UnknownOutcome(hash.Hex(), fmt.Errorf("failed to broadcast transaction: %w", err))
	}

	zap.L().Info("Token transfer broadcast",
		zap.String("network", c.network.Name),
		zap.String("tx_hash", hash.Hex()))
	return hash.Hex(), nil
}

// rejectedByNode reports an error answer from the node that proves the
// transaction was not accepted. Answers that can follow our own earlier
// acceptance do not count.
func rejectedByNode(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Error())
	for _, s := range []string{"already known", "known transaction", "nonce too low"} {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

// TransactionStatus reports whether a sent payout was mined, reverted, is
// still pending or is unknown to the node.
func (c *ERC20Client) TransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	hash := common.HexToHash(txHash)
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return TxSucceeded, nil
		}
		return TxReverted, nil
	case !errors.Is(err, ethereum.NotFound):
		return "", fmt.Errorf("failed to get receipt for %s: %w", txHash, err)
	}

	_, _, err = c.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", txHash, err)
	}
	// In the mempool, or mined before its receipt is indexed.
	return TxPending, nil
}

// FromBaseUnits converts a raw token amount to a ledger amount. Digits beyond
// ledger scale are dropped.
func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	return models.Truncate(decimal.NewFromBigInt(value, -decimals))
}

// ToBaseUnits converts a ledger amount to raw token units, truncating digits
// the token cannot represent.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}
