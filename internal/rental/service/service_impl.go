package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/one-covenant/basilica-billing/internal/clock"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	"github.com/one-covenant/basilica-billing/internal/observability/logger"
	rentaldomain "github.com/one-covenant/basilica-billing/internal/rental/domain"
	usagedomain "github.com/one-covenant/basilica-billing/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Ledger ledgerdomain.Service
	Usage  usagedomain.Service
}

// Service translates rental lifecycle calls into reservations and usage events.
// Every call is safe to repeat.
type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	ledger   ledgerdomain.Service
	usage    usagedomain.Service
	validate *validator.Validate
}

func NewService(p Params) rentaldomain.Service {
	return &Service{
		log:      p.Log.Named("rental.service"),
		clock:    p.Clock,
		ledger:   p.Ledger,
		usage:    p.Usage,
		validate: validator.New(),
	}
}

func startedEventID(rentalID string) string { return "rental:" + rentalID + ":started" }

func heartbeatEventID(rentalID string, seq int64) string {
	return "rental:" + rentalID + ":hb:" + strconv.FormatInt(seq, 10)
}

func stoppedEventID(rentalID string) string { return "rental:" + rentalID + ":stopped" }

// Start reserves credits for a rental and records its started event. A rental
// that already holds an active reservation keeps it.
func (s *Service) Start(ctx context.Context, req rentaldomain.StartRequest) (rentaldomain.StartResult, error) {
	rentalID := strings.TrimSpace(req.RentalID)
	if rentalID == "" {
		return rentaldomain.StartResult{}, ledgerdomain.ErrInvalidRental
	}

	var result rentaldomain.StartResult
	existing, err := s.ledger.FindReservationByRental(ctx, rentalID)
	switch {
	case err == nil && existing.Status == ledgerdomain.ReservationStatusActive:
		result = rentaldomain.StartResult{ReservationID: existing.ID, Replayed: true}
	case err == nil || errors.Is(err, ledgerdomain.ErrReservationNotFound):
		reservation, err := s.ledger.Reserve(ctx, ledgerdomain.ReserveRequest{
			UserID:   req.UserID,
			RentalID: rentalID,
			Amount:   req.Reserve,
			TTL:      req.TTL,
		})
		if err != nil {
			return rentaldomain.StartResult{}, fmt.Errorf("reserve: %w", err)
		}
		result.ReservationID = reservation.ID
	default:
		return rentaldomain.StartResult{}, err
	}

	if _, _, err := s.usage.Append(ctx, usagedomain.AppendRequest{
		EventID:          startedEventID(rentalID),
		RentalID:         rentalID,
		UserID:           req.UserID,
		Kind:             usagedomain.EventKindStarted,
		OccurredAt:       s.occurredAt(req.OccurredAt),
		BillableQuantity: decimal.Zero,
		PackageID:        req.PackageID,
		Metadata:         map[string]any{"reservation_id": result.ReservationID.String()},
	}); err != nil {
		return rentaldomain.StartResult{}, fmt.Errorf("append started event: %w", err)
	}

	logger.WithContext(ctx, s.log).Info("rental.started",
		zap.String("rental_id", rentalID),
		zap.String("reservation_id", result.ReservationID.String()),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

func (s *Service) Heartbeat(ctx context.Context, req rentaldomain.HeartbeatRequest) error {
	if req.Sequence <= 0 {
		return rentaldomain.ErrInvalidSequence
	}
	_, _, err := s.usage.Append(ctx, usagedomain.AppendRequest{
		EventID:          heartbeatEventID(strings.TrimSpace(req.RentalID), req.Sequence),
		RentalID:         req.RentalID,
		UserID:           req.UserID,
		Kind:             usagedomain.EventKindHeartbeat,
		OccurredAt:       s.occurredAt(req.OccurredAt),
		BillableQuantity: req.Quantity,
		PackageID:        req.PackageID,
	})
	return err
}

// Stop records the final usage. The aggregator captures the reservation when
// it prices the batch holding this event.
func (s *Service) Stop(ctx context.Context, req rentaldomain.StopRequest) error {
	_, inserted, err := s.usage.Append(ctx, usagedomain.AppendRequest{
		EventID:          stoppedEventID(strings.TrimSpace(req.RentalID)),
		RentalID:         req.RentalID,
		UserID:           req.UserID,
		Kind:             usagedomain.EventKindStopped,
		OccurredAt:       s.occurredAt(req.OccurredAt),
		BillableQuantity: req.Quantity,
		PackageID:        req.PackageID,
	})
	if err != nil {
		return err
	}
	if inserted {
		logger.WithContext(ctx, s.log).Info("rental.stopped", zap.String("rental_id", req.RentalID))
	}
	return nil
}

// Handle routes one lifecycle message from the bus.
func (s *Service) Handle(ctx context.Context, msg rentaldomain.LifecycleMessage) error {
	if err := s.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", rentaldomain.ErrInvalidMessage, err)
	}
	switch msg.Kind {
	case rentaldomain.LifecycleStart:
		_, err := s.Start(ctx, rentaldomain.StartRequest{
			RentalID:   msg.RentalID,
			UserID:     msg.UserID,
			PackageID:  msg.PackageID,
			Reserve:    msg.Reserve,
			OccurredAt: msg.OccurredAt,
		})
		return err
	case rentaldomain.LifecycleHeartbeat:
		return s.Heartbeat(ctx, rentaldomain.HeartbeatRequest{
			RentalID:   msg.RentalID,
			UserID:     msg.UserID,
			PackageID:  msg.PackageID,
			Sequence:   msg.Sequence,
			Quantity:   msg.Quantity,
			OccurredAt: msg.OccurredAt,
		})
	case rentaldomain.LifecycleStop:
		return s.Stop(ctx, rentaldomain.StopRequest{
			RentalID:   msg.RentalID,
			UserID:     msg.UserID,
			PackageID:  msg.PackageID,
			Quantity:   msg.Quantity,
			OccurredAt: msg.OccurredAt,
		})
	}
	return fmt.Errorf("%w: kind %q", rentaldomain.ErrInvalidMessage, msg.Kind)
}

func (s *Service) occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock.Now()
	}
	return t.UTC()
}
