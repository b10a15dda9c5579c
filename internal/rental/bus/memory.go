package bus

import (
	"context"
	"sync"

	rentaldomain "github.com/one-covenant/basilica-billing/internal/rental/domain"
	"go.uber.org/zap"
)

// LogController is used when no redis is configured.
type LogController struct {
	log *zap.Logger
}

func NewLogController(log *zap.Logger) *LogController {
	return &LogController{log: log.Named("rental.controller")}
}

func (c *LogController) Terminate(_ context.Context, signal rentaldomain.TerminationSignal) error {
	c.log.Warn("rental.terminate.requested",
		zap.String("rental_id", signal.RentalID),
		zap.String("reason", string(signal.Reason)),
		zap.String("shortfall", signal.Shortfall.String()),
	)
	return nil
}

// RecordingController keeps every signal for assertions.
type RecordingController struct {
	mu      sync.Mutex
	signals []rentaldomain.TerminationSignal
	err     error
}

func NewRecordingController() *RecordingController {
	return &RecordingController{}
}

func (c *RecordingController) Terminate(_ context.Context, signal rentaldomain.TerminationSignal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.signals = append(c.signals, signal)
	return nil
}

func (c *RecordingController) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *RecordingController) Signals() []rentaldomain.TerminationSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rentaldomain.TerminationSignal(nil), c.signals...)
}
