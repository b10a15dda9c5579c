package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/one-covenant/basilica-billing/internal/clock"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	usagedomain "github.com/one-covenant/basilica-billing/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       usagedomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       usagedomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, req usagedomain.AppendRequest) (usagedomain.UsageEvent, bool, error) {
	event, err := s.normalize(req)
	if err != nil {
		return usagedomain.UsageEvent{}, false, err
	}

	stored, inserted, err := s.repo.Append(ctx, s.db, event)
	if err != nil {
		return usagedomain.UsageEvent{}, false, err
	}
	if !inserted {
		s.log.Debug("usage.event.duplicate",
			zap.String("event_id", event.EventID),
			zap.String("rental_id", event.RentalID),
		)
	}
	s.obsMetrics.RecordUsageAppended(ctx, string(event.Kind), inserted)
	return stored, inserted, nil
}

func (s *Service) normalize(req usagedomain.AppendRequest) (usagedomain.UsageEvent, error) {
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return usagedomain.UsageEvent{}, usagedomain.ErrInvalidEventID
	}
	rentalID := strings.TrimSpace(req.RentalID)
	if rentalID == "" {
		return usagedomain.UsageEvent{}, usagedomain.ErrInvalidRental
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return usagedomain.UsageEvent{}, usagedomain.ErrInvalidUser
	}
	if !req.Kind.Valid() {
		return usagedomain.UsageEvent{}, usagedomain.ErrInvalidKind
	}
	if req.BillableQuantity.IsNegative() {
		return usagedomain.UsageEvent{}, usagedomain.ErrInvalidQuantity
	}
	if req.OccurredAt.IsZero() {
		return usagedomain.UsageEvent{}, usagedomain.ErrInvalidOccurredAt
	}

	var packageID *string
	if pkg := strings.TrimSpace(req.PackageID); pkg != "" {
		packageID = &pkg
	}
	var metadata datatypes.JSONMap
	if len(req.Metadata) > 0 {
		metadata = datatypes.JSONMap(req.Metadata)
	}

	return usagedomain.UsageEvent{
		ID:               s.genID.Generate(),
		EventID:          eventID,
		RentalID:         rentalID,
		UserID:           userID,
		Kind:             req.Kind,
		OccurredAt:       req.OccurredAt.UTC(),
		BillableQuantity: req.BillableQuantity,
		PackageID:        packageID,
		Status:           usagedomain.EventStatusUnprocessed,
		Metadata:         metadata,
		CreatedAt:        s.clock.Now(),
	}, nil
}
