package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"custody/agent/internal/config"
	"custody/agent/internal/stores"
	"custody/agent/internal/utils/erc20"
)

var ErrRejectedTransaction = errors.New("rejected transaction")

const nativeTransferGas = uint64(21000)

// ChainBroker issues plain RPC calls against the external ledger:
// confirmation lookups and sweep broadcasts. It uses its own client, not
// the supervised streaming connection, so in-flight calls survive a
// reconnect. The client is dialed on first use: a missing or unreachable
// endpoint surfaces as a per-call error for the caller to retry or alert
// on, never as a process exit.
type ChainBroker struct {
	rpcURL string
	keys   stores.KeyStore
	tokens map[string]config.Token // by symbol

	mu     sync.Mutex
	client *ethclient.Client
}

func NewChainBroker(rpcURL string, keys stores.KeyStore, tokens []config.Token) *ChainBroker {
	bySymbol := make(map[string]config.Token, len(tokens))
	for _, t := range tokens {
		bySymbol[t.Symbol] = t
	}
	return &ChainBroker{rpcURL: rpcURL, keys: keys, tokens: bySymbol}
}

func (b *ChainBroker) conn(ctx context.Context) (*ethclient.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	if b.rpcURL == "" {
		return nil, errors.New("CHAIN_RPC_URL is not configured")
	}
	client, err := ethclient.DialContext(ctx, b.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing rpc endpoint: %w", err)
	}
	b.client = client
	return client, nil
}

func (b *ChainBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
}

// IsConfirmed reports whether txHash is buried under at least minConfirmations
// blocks. Returns ErrRejectedTransaction for a reverted transaction; a
// transaction the node has not indexed yet wraps ethereum.NotFound.
func (b *ChainBroker) IsConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return false, err
	}
	rcpt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("error getting receipt: %w", err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return false, ErrRejectedTransaction
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("error getting latest block number: %w", err)
	}
	if head < rcpt.BlockNumber.Uint64()+minConfirmations {
		return false, nil
	}

	return true, nil
}

// CanSign reports whether the keystore holds the key for addr.
func (b *ChainBroker) CanSign(ctx context.Context, addr string) bool {
	return b.keys.HasKey(ctx, addr)
}

// SweepNative sends the deposit address's full native balance, minus gas,
// to the custodial address.
func (b *ChainBroker) SweepNative(ctx context.Context, fromAddr string, toAddr string) (string, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return "", err
	}
	from := common.HexToAddress(fromAddr)
	to := common.HexToAddress(toAddr)

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", err
	}
	balance, err := client.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", err
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(nativeTransferGas))
	if balance.Cmp(gasCost) <= 0 {
		return "", fmt.Errorf("insufficient balance: have %s need %s", balance, gasCost)
	}
	value := new(big.Int).Sub(balance, gasCost)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
		Data:     nil,
	})
	return b.signAndSend(ctx, fromAddr, tx)
}

// SweepToken sends the deposit address's full token balance to the
// custodial address. The native balance must cover gas.
func (b *ChainBroker) SweepToken(ctx context.Context, symbol string, fromAddr string, toAddr string) (string, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return "", err
	}
	token, ok := b.tokens[symbol]
	if !ok {
		return "", fmt.Errorf("no contract configured for token %s", symbol)
	}

	from := common.HexToAddress(fromAddr)
	to := common.HexToAddress(toAddr)

	tokenBalance, err := b.tokenBalance(ctx, client, token.Address, from)
	if err != nil {
		return "", err
	}
	if tokenBalance.Sign() == 0 {
		return "", fmt.Errorf("zero %s balance for address %s", symbol, fromAddr)
	}

	data := erc20.TransferCalldata(to, tokenBalance)
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &token.Address,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("estimating gas: %w", err)
	}

	nativeBalance, err := client.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", err
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if nativeBalance.Cmp(gasCost) < 0 {
		return "", fmt.Errorf("insufficient funds for gas: have %s need %s", nativeBalance, gasCost)
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token.Address,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	return b.signAndSend(ctx, fromAddr, tx)
}

func (b *ChainBroker) signAndSend(ctx context.Context, fromAddr string, tx *types.Transaction) (string, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return "", err
	}
	chainID, err := client.NetworkID(ctx)
	if err != nil {
		return "", fmt.Errorf("NetworkID: %w", err)
	}

	signed, err := b.keys.SignTx(ctx, fromAddr, tx, chainID)
	if err != nil {
		return "", fmt.Errorf("SignTx: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("SendTransaction: %w", err)
	}

	return signed.Hash().Hex(), nil
}

func (b *ChainBroker) tokenBalance(ctx context.Context, client *ethclient.Client, token common.Address, owner common.Address) (*big.Int, error) {
	out, err := client.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: erc20.BalanceOfCalldata(owner),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}
