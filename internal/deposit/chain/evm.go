// Package chain reads finalized ERC-20 transfers from an EVM node.
package chain

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// topic filters are OR-ed per position; nodes cap the list size.
const maxAddressesPerQuery = 256

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

type EVMScanner struct {
	client *ethclient.Client
	token  common.Address
	log    *zap.Logger
}

func NewEVMScanner(ctx context.Context, rpcURL, tokenContract string, log *zap.Logger) (*EVMScanner, error) {
	if !common.IsHexAddress(tokenContract) {
		return nil, fmt.Errorf("%w: token contract %q", depositdomain.ErrInvalidAddress, tokenContract)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return &EVMScanner{
		client: client,
		token:  common.HexToAddress(tokenContract),
		log:    log.Named("deposit.chain"),
	}, nil
}

func (s *EVMScanner) Close() {
	s.client.Close()
}

func (s *EVMScanner) LatestFinalizedBlock(ctx context.Context) (uint64, error) {
	header, err := s.client.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

func (s *EVMScanner) Transfers(ctx context.Context, fromBlock, toBlock uint64, to []common.Address) ([]depositdomain.Transfer, error) {
	var out []depositdomain.Transfer
	for start := 0; start < len(to); start += maxAddressesPerQuery {
		end := start + maxAddressesPerQuery
		if end > len(to) {
			end = len(to)
		}
		toTopics := make([]common.Hash, 0, end-start)
		for _, addr := range to[start:end] {
			toTopics = append(toTopics, common.BytesToHash(addr.Bytes()))
		}

		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{s.token},
			Topics:    [][]common.Hash{{transferTopic}, nil, toTopics},
		})
		if err != nil {
			return nil, err
		}
		for _, l := range logs {
			tr, ok := DecodeTransfer(l)
			if !ok {
				s.log.Debug("deposit.chain.log_ignored", zap.String("tx_hash", l.TxHash.Hex()), zap.Uint("index", l.Index))
				continue
			}
			out = append(out, tr)
		}
	}
	return out, nil
}

// DecodeTransfer maps an ERC-20 Transfer log. Removed (reorged) logs and
// anything that is not a three-topic Transfer are rejected.
func DecodeTransfer(l types.Log) (depositdomain.Transfer, bool) {
	if l.Removed || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
		return depositdomain.Transfer{}, false
	}
	amount := new(big.Int).SetBytes(l.Data)
	if amount.Sign() <= 0 {
		return depositdomain.Transfer{}, false
	}
	return depositdomain.Transfer{
		BlockNumber: l.BlockNumber,
		EventIndex:  l.Index,
		TxHash:      l.TxHash,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Amount:      decimal.NewFromBigInt(amount, 0),
	}, true
}
