package watcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/types"
)

const weiDecimals = 18

var _ Feed = (*EthereumFeed)(nil)

// EthereumFeed watches for native transfers to an address by following
// new chain heads over a websocket RPC endpoint and scanning each
// block's transactions.
type EthereumFeed struct {
	client *ethclient.Client
	log    logger.Logger
}

func NewEthereumFeed(ctx context.Context, wsURL string, log logger.Logger) (*EthereumFeed, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}

	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}

	return &EthereumFeed{client: client, log: log}, nil
}

// Subscribe implements Feed. Events carry the transfer value converted
// from wei to the asset's display units.
func (f *EthereumFeed) Subscribe(ctx context.Context, address string, onEvent func(types.TxEvent)) (Unsubscribe, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid watch address: %s", address)
	}
	watched := common.HexToAddress(address)

	heads := make(chan *ethtypes.Header, 16)
	sub, err := f.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("head subscription failed: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					f.log.Warn("head subscription closed", map[string]any{
						"address": address,
						"error":   err.Error(),
					})
				}
				return
			case head := <-heads:
				f.scanBlock(watchCtx, head.Number, watched, onEvent)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Unsubscribe()
			cancel()
		})
	}, nil
}

func (f *EthereumFeed) scanBlock(ctx context.Context, number *big.Int, watched common.Address, onEvent func(types.TxEvent)) {
	block, err := f.client.BlockByNumber(ctx, number)
	if err != nil {
		f.log.Warn("failed to fetch block", map[string]any{
			"block": number.String(),
			"error": err.Error(),
		})
		return
	}

	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || *to != watched {
			continue
		}

		onEvent(types.TxEvent{
			To:     strings.ToLower(watched.Hex()),
			Value:  weiToDecimal(tx.Value()),
			TxHash: tx.Hash().Hex(),
		})
	}
}

// Close releases the underlying RPC connection. Active subscriptions
// observe the close through their error channel.
func (f *EthereumFeed) Close() {
	f.client.Close()
}

func weiToDecimal(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -weiDecimals)
}
