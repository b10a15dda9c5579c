package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	depositrepo "github.com/one-covenant/basilica-billing/internal/deposit/repository"
	"github.com/one-covenant/basilica-billing/internal/lock"
	"github.com/one-covenant/basilica-billing/internal/observability/logger"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
	"github.com/one-covenant/basilica-billing/pkg/db"
	"github.com/one-covenant/basilica-billing/pkg/db/option"
	"github.com/one-covenant/basilica-billing/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	scanLockKey       = "basilica:deposit:scan"
	defaultListLimit  = 20
	maxListLimit      = 100
	defaultRPCTimeout = 10 * time.Second
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config `optional:"true"`
	Repo       depositrepo.Repository
	Outbox     settlementdomain.Repository
	Scanner    depositdomain.ChainScanner    `optional:"true"`
	Addresses  depositdomain.AddressProvider `optional:"true"`
	Mutex      lock.Mutex                    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.DepositConfig
	repo       depositrepo.Repository
	accounts   repository.Repository[depositdomain.DepositAccount]
	deposits   repository.Repository[depositdomain.ObservedDeposit]
	outbox     settlementdomain.Repository
	scanner    depositdomain.ChainScanner
	addresses  depositdomain.AddressProvider
	mutex      lock.Mutex
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) depositdomain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	cfg := p.Config.Deposit
	if cfg.MaxBlocksPerScan == 0 {
		cfg.MaxBlocksPerScan = 500
	}
	if cfg.ScanLockTTL <= 0 {
		cfg.ScanLockTTL = time.Minute
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("deposit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        cfg,
		repo:       p.Repo,
		accounts:   repository.ProvideStore[depositdomain.DepositAccount](p.DB),
		deposits:   repository.ProvideStore[depositdomain.ObservedDeposit](p.DB),
		outbox:     p.Outbox,
		scanner:    p.Scanner,
		addresses:  p.Addresses,
		mutex:      p.Mutex,
		obsMetrics: p.ObsMetrics,
	}
}

// NormalizeAddress validates a hex address and returns its EIP-55 form.
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", fmt.Errorf("%w: %q", depositdomain.ErrInvalidAddress, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", depositdomain.ErrInvalidAddress)
	}
	return addr.Hex(), nil
}

// TransactionID derives the settlement idempotency key of a transfer from its
// chain position and destination.
func TransactionID(blockNumber uint64, eventIndex uint, to common.Address) string {
	key := fmt.Sprintf("%d:%d:%s", blockNumber, eventIndex, strings.ToLower(to.Hex()))
	return "deposit:" + crypto.Keccak256Hash([]byte(key)).Hex()
}

func (s *Service) CreateDepositAccount(ctx context.Context, userID string) (depositdomain.DepositAccount, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return depositdomain.DepositAccount{}, depositdomain.ErrInvalidUser
	}
	if existing, ok, err := s.GetDepositAccount(ctx, userID); err != nil || ok {
		return existing, err
	}
	if s.addresses == nil {
		return depositdomain.DepositAccount{}, depositdomain.ErrTreasuryUnavailable
	}

	rpcCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	raw, err := s.addresses.NewDepositAddress(rpcCtx, userID)
	cancel()
	if err != nil {
		return depositdomain.DepositAccount{}, fmt.Errorf("%w: %w", depositdomain.ErrTreasuryUnavailable, err)
	}
	address, err := NormalizeAddress(raw)
	if err != nil {
		return depositdomain.DepositAccount{}, err
	}

	account := depositdomain.DepositAccount{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Address:   address,
		CreatedAt: s.clock.Now(),
	}
	if err := s.accounts.Create(ctx, &account); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return depositdomain.DepositAccount{}, err
		}
		existing, ok, getErr := s.GetDepositAccount(ctx, userID)
		if getErr != nil {
			return depositdomain.DepositAccount{}, getErr
		}
		if !ok {
			return depositdomain.DepositAccount{}, fmt.Errorf("%w: address %s already assigned", depositdomain.ErrInvalidAddress, address)
		}
		return existing, nil
	}

	logger.WithContext(ctx, s.log).Info("deposit.account.created",
		zap.String("user_id", userID),
		zap.String("address", address),
	)
	return account, nil
}

func (s *Service) GetDepositAccount(ctx context.Context, userID string) (depositdomain.DepositAccount, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return depositdomain.DepositAccount{}, false, depositdomain.ErrInvalidUser
	}
	account, err := s.accounts.FindOne(ctx, &depositdomain.DepositAccount{UserID: userID})
	if err != nil {
		return depositdomain.DepositAccount{}, false, err
	}
	if account == nil {
		return depositdomain.DepositAccount{}, false, nil
	}
	return *account, true, nil
}

func (s *Service) ListDeposits(ctx context.Context, userID string, limit, offset int) ([]depositdomain.ObservedDeposit, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, depositdomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.deposits.Find(ctx,
		&depositdomain.ObservedDeposit{UserID: userID},
		option.WithOrderBy("block_number DESC, event_index DESC"),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
	if err != nil {
		return nil, err
	}
	out := make([]depositdomain.ObservedDeposit, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

// RecordDeposit stores a finalized transfer into a tracked account and its
// settlement intent in one transaction. A transfer seen before is a no-op.
func (s *Service) RecordDeposit(ctx context.Context, transfer depositdomain.Transfer) (bool, error) {
	if !transfer.Amount.IsPositive() || transfer.To == (common.Address{}) {
		return false, depositdomain.ErrInvalidTransfer
	}
	to := transfer.To.Hex()
	accounts, err := s.repo.AccountsByAddress(ctx, []string{to})
	if err != nil {
		return false, err
	}
	account, ok := accounts[to]
	if !ok {
		return false, fmt.Errorf("%w: untracked address %s", depositdomain.ErrInvalidAddress, to)
	}

	now := s.clock.Now()
	txID := TransactionID(transfer.BlockNumber, transfer.EventIndex, transfer.To)
	deposit := depositdomain.ObservedDeposit{
		ID:            s.genID.Generate(),
		BlockNumber:   transfer.BlockNumber,
		EventIndex:    transfer.EventIndex,
		TxHash:        transfer.TxHash.Hex(),
		FromAddress:   transfer.From.Hex(),
		ToAddress:     to,
		UserID:        account.UserID,
		Amount:        transfer.Amount,
		TransactionID: txID,
		Status:        depositdomain.DepositStatusFinalized,
		ObservedAt:    now,
	}

	var recorded bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertDepositTx(ctx, tx, deposit)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if _, err := s.outbox.EnqueueTx(ctx, tx, settlementdomain.OutboxEntry{
			ID:            s.genID.Generate(),
			UserID:        account.UserID,
			Amount:        transfer.Amount,
			TransactionID: txID,
			Metadata: datatypes.JSONMap{
				"tx_hash":      deposit.TxHash,
				"block_number": deposit.BlockNumber,
				"event_index":  deposit.EventIndex,
			},
			NextAttemptAt: now,
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("enqueue settlement: %w", err)
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}

	s.obsMetrics.RecordDepositRecorded(ctx, recorded)
	if recorded {
		logger.WithContext(ctx, s.log).Info("deposit.recorded",
			zap.String("user_id", account.UserID),
			zap.String("transaction_id", txID),
			zap.Uint64("block_number", transfer.BlockNumber),
			zap.Uint("event_index", transfer.EventIndex),
			zap.String("amount", transfer.Amount.String()),
		)
	}
	return recorded, nil
}

// Scan advances the deposit cursor over at most MaxBlocksPerScan finalized
// blocks. With redis configured only the lock holder scans.
func (s *Service) Scan(ctx context.Context) (depositdomain.ScanResult, error) {
	var result depositdomain.ScanResult
	if s.scanner == nil {
		return result, depositdomain.ErrScannerUnavailable
	}
	log := logger.WithContext(ctx, s.log)

	if s.mutex != nil {
		token, ok, err := s.mutex.TryLock(ctx, scanLockKey, s.cfg.ScanLockTTL)
		if err != nil {
			return result, fmt.Errorf("acquire scan lock: %w", err)
		}
		if !ok {
			obsmetrics.Scheduler().IncBatchDeferred("deposit_scan", obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := s.mutex.Release(context.WithoutCancel(ctx), scanLockKey, token); err != nil {
				log.Warn("deposit.scan.unlock_failed", zap.Error(err))
			}
		}()
	}

	cursor, err := s.repo.Cursor(ctx, depositdomain.DefaultCursorName)
	if err != nil {
		return result, err
	}
	from := s.cfg.StartBlock
	if cursor != nil {
		from = cursor.LastBlock + 1
	}

	rpcCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	head, err := s.scanner.LatestFinalizedBlock(rpcCtx)
	cancel()
	if err != nil {
		return result, fmt.Errorf("%w: %w", depositdomain.ErrScannerUnavailable, err)
	}
	if from > head {
		result.Skipped = true
		return result, nil
	}
	to := head
	if span := s.cfg.MaxBlocksPerScan; to-from+1 > span {
		to = from + span - 1
	}
	result.FromBlock, result.ToBlock = from, to

	tracked, err := s.repo.TrackedAddresses(ctx)
	if err != nil {
		return result, err
	}
	if len(tracked) > 0 {
		addrs := make([]common.Address, 0, len(tracked))
		for _, a := range tracked {
			addrs = append(addrs, common.HexToAddress(a))
		}

		rpcCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
		transfers, err := s.scanner.Transfers(rpcCtx, from, to, addrs)
		cancel()
		if err != nil {
			return result, fmt.Errorf("%w: %w", depositdomain.ErrScannerUnavailable, err)
		}
		result.Transfers = len(transfers)

		for _, tr := range transfers {
			recorded, err := s.RecordDeposit(ctx, tr)
			if errors.Is(err, depositdomain.ErrInvalidAddress) || errors.Is(err, depositdomain.ErrInvalidTransfer) {
				log.Debug("deposit.scan.transfer_skipped", zap.Uint64("block_number", tr.BlockNumber), zap.Error(err))
				continue
			}
			if err != nil {
				// The cursor stays put; the next scan repeats the range idempotently.
				return result, err
			}
			if recorded {
				result.Recorded++
			}
		}
	}

	if err := s.repo.AdvanceCursor(ctx, depositdomain.DefaultCursorName, to, s.clock.Now()); err != nil {
		return result, fmt.Errorf("advance cursor: %w", err)
	}
	log.Info("deposit.scan.completed",
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", to),
		zap.Int("transfers", result.Transfers),
		zap.Int("recorded", result.Recorded),
	)
	return result, nil
}

// MarkCredited is idempotent: an already credited deposit is left as is.
func (s *Service) MarkCredited(ctx context.Context, transactionID string, at time.Time) error {
	n, err := s.repo.MarkCredited(ctx, transactionID, at)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	existing, err := s.repo.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", depositdomain.ErrDepositNotFound, transactionID)
	}
	return nil
}
