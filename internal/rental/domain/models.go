// Package domain defines the rental lifecycle contract between the billing
// core and the rental system that runs GPU workloads.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const (
	LifecycleChannel = "basilica:rental:lifecycle"
	TerminateChannel = "basilica:rental:terminate"
)

type TerminationReason string

const (
	// TerminationInsufficientCredits follows a final capture that left a shortfall.
	TerminationInsufficientCredits TerminationReason = "insufficient_credits"
	// TerminationCreditsExhausted is raised while a rental still runs and its
	// charge has outgrown reservation plus available balance.
	TerminationCreditsExhausted TerminationReason = "credits_exhausted"
)

type TerminationSignal struct {
	RentalID  string            `json:"rental_id"`
	UserID    string            `json:"user_id"`
	Reason    TerminationReason `json:"reason"`
	Charge    decimal.Decimal   `json:"charge"`
	Shortfall decimal.Decimal   `json:"shortfall"`
	At        time.Time         `json:"at"`
}

// RentalController delivers termination requests to the rental system.
type RentalController interface {
	Terminate(ctx context.Context, signal TerminationSignal) error
}

type LifecycleKind string

const (
	LifecycleStart     LifecycleKind = "start"
	LifecycleHeartbeat LifecycleKind = "heartbeat"
	LifecycleStop      LifecycleKind = "stop"
)

// LifecycleMessage is the JSON payload published on LifecycleChannel.
type LifecycleMessage struct {
	Kind       LifecycleKind   `json:"kind" validate:"required,oneof=start heartbeat stop"`
	RentalID   string          `json:"rental_id" validate:"required"`
	UserID     string          `json:"user_id" validate:"required"`
	PackageID  string          `json:"package_id,omitempty"`
	Sequence   int64           `json:"sequence,omitempty" validate:"gte=0"`
	Quantity   decimal.Decimal `json:"quantity"`
	Reserve    decimal.Decimal `json:"reserve"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type StartRequest struct {
	RentalID   string
	UserID     string
	PackageID  string
	Reserve    decimal.Decimal
	TTL        time.Duration
	OccurredAt time.Time
}

type HeartbeatRequest struct {
	RentalID   string
	UserID     string
	PackageID  string
	Sequence   int64
	Quantity   decimal.Decimal
	OccurredAt time.Time
}

type StopRequest struct {
	RentalID   string
	UserID     string
	PackageID  string
	Quantity   decimal.Decimal
	OccurredAt time.Time
}

type StartResult struct {
	ReservationID snowflake.ID
	// Replayed is true when the rental already held a reservation.
	Replayed bool
}

type Service interface {
	Start(ctx context.Context, req StartRequest) (StartResult, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) error
	Stop(ctx context.Context, req StopRequest) error
	Handle(ctx context.Context, msg LifecycleMessage) error
}

var (
	ErrInvalidMessage  = errors.New("invalid_lifecycle_message")
	ErrInvalidSequence = errors.New("invalid_heartbeat_sequence")
)
