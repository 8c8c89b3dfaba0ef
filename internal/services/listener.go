package services

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"custody/agent/internal/config"
	"custody/agent/internal/utils/erc20"
)

// ChainListener owns the subscriptions on one streaming connection: new
// heads for native transfers and a server-side-filtered Transfer log feed
// for tokens. Matches are dispatched to the recorder asynchronously so a
// burst of qualifying transactions never stalls block processing. The
// listener mutates no persistent state itself.
//
// Any subscription-level error ends Run; the supervisor tears the
// connection down and restarts. Per-block and per-event errors are logged
// and skipped.
type ChainListener struct {
	client   *ethclient.Client
	registry *AddressRegistry
	recorder *DepositRecorder
	tokens   []config.Token

	nativeAsset    string
	nativeDecimals int32
	log            *zap.Logger
}

func NewChainListener(client *ethclient.Client, registry *AddressRegistry, recorder *DepositRecorder, tokens []config.Token, nativeAsset string, nativeDecimals int32, log *zap.Logger) *ChainListener {
	return &ChainListener{
		client:         client,
		registry:       registry,
		recorder:       recorder,
		tokens:         tokens,
		nativeAsset:    nativeAsset,
		nativeDecimals: nativeDecimals,
		log:            log,
	}
}

func (l *ChainListener) Run(ctx context.Context) error {
	heads := make(chan *types.Header, 16)
	headSub, err := l.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribing to new heads: %w", err)
	}
	defer headSub.Unsubscribe()

	logs := make(chan types.Log, 64)
	var logErrs <-chan error
	logSub, err := l.subscribeTransfers(ctx, logs)
	if err != nil {
		return err
	}
	if logSub != nil {
		defer logSub.Unsubscribe()
		logErrs = logSub.Err()
	}

	l.log.Info("chain listener started",
		zap.Int("addresses", l.registry.Size()),
		zap.Int("tokens", len(l.tokens)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-headSub.Err():
			return fmt.Errorf("head subscription: %w", err)
		case err := <-logErrs:
			return fmt.Errorf("transfer log subscription: %w", err)
		case head := <-heads:
			if err := l.processBlock(ctx, head); err != nil {
				l.log.Warn("block processing failed",
					zap.Uint64("block", head.Number.Uint64()), zap.Error(err))
			}
		case lg := <-logs:
			l.processTransferLog(ctx, lg)
		}
	}
}

// subscribeTransfers sets up the token Transfer feed, filtered server-side
// to "recipient is a monitored address". The filter is fixed for the life
// of the subscription; the supervisor ends the session whenever a registry
// refresh changes the monitored set, so the next subscription covers it.
// Skipped when there is nothing to filter on: an empty registry or no
// configured tokens.
func (l *ChainListener) subscribeTransfers(ctx context.Context, logs chan types.Log) (ethereum.Subscription, error) {
	if len(l.tokens) == 0 {
		return nil, nil
	}
	monitored := l.registry.Addresses()
	if len(monitored) == 0 {
		l.log.Info("no monitored addresses, skipping transfer subscription")
		return nil, nil
	}

	contracts := make([]common.Address, 0, len(l.tokens))
	for _, t := range l.tokens {
		contracts = append(contracts, t.Address)
	}
	toTopics := make([]common.Hash, 0, len(monitored))
	for _, addr := range monitored {
		toTopics = append(toTopics, erc20.AddressTopic(addr))
	}

	query := ethereum.FilterQuery{
		Addresses: contracts,
		Topics: [][]common.Hash{
			{erc20.TransferTopic},
			nil, // any sender
			toTopics,
		},
	}
	sub, err := l.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribing to transfer logs: %w", err)
	}
	return sub, nil
}

// processBlock fetches the full block and dispatches every native transfer
// whose recipient is monitored.
func (l *ChainListener) processBlock(ctx context.Context, head *types.Header) error {
	block, err := l.client.BlockByNumber(ctx, head.Number)
	if err != nil {
		return fmt.Errorf("fetching block %d: %w", head.Number.Uint64(), err)
	}

	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || tx.Value().Sign() <= 0 {
			continue
		}
		if _, ok := l.registry.Owner(*to); !ok {
			continue
		}

		from := senderOf(tx)
		l.dispatch(ctx, tx.Hash().Hex(), l.nativeAsset, new(big.Int).Set(tx.Value()), l.nativeDecimals, from, *to, block.NumberU64())
	}
	return nil
}

func (l *ChainListener) processTransferLog(ctx context.Context, lg types.Log) {
	if lg.Removed {
		return
	}
	from, to, amount, ok := erc20.ParseTransfer(lg)
	if !ok {
		return
	}
	if _, monitored := l.registry.Owner(to); !monitored {
		return
	}

	token, ok := l.tokenByContract(lg.Address)
	if !ok {
		return
	}
	l.dispatch(ctx, lg.TxHash.Hex(), token.Symbol, amount, token.Decimals, from, to, lg.BlockNumber)
}

// dispatch hands a match to the recorder without blocking the event loop.
func (l *ChainListener) dispatch(ctx context.Context, txHash string, asset string, amount *big.Int, decimals int32, from common.Address, to common.Address, blockNumber uint64) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := l.recorder.Record(ctx, txHash, asset, amount, decimals, from, to, blockNumber); err != nil {
			l.log.Error("recording deposit failed",
				zap.String("tx_hash", txHash), zap.Error(err))
		}
	}()
}

func (l *ChainListener) tokenByContract(addr common.Address) (config.Token, bool) {
	for _, t := range l.tokens {
		if t.Address == addr {
			return t, true
		}
	}
	return config.Token{}, false
}

func senderOf(tx *types.Transaction) common.Address {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return common.Address{}
	}
	return from
}
