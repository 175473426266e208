package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/observability"
)

// SideEffectFailure is enough context to reconcile a secondary write by hand.
type SideEffectFailure struct {
	RequestID      int64                  `json:"request_id"`
	AmbulanceID    int64                  `json:"ambulance_id"`
	IntendedStatus models.AmbulanceStatus `json:"intended_status"`
	Attempts       int                    `json:"attempts"`
	Error          string                 `json:"error"`
	At             time.Time              `json:"at"`
}

// SideEffectLog keeps the most recent failures in memory.
type SideEffectLog struct {
	mu      sync.Mutex
	entries []SideEffectFailure
	max     int
}

func NewSideEffectLog(max int) *SideEffectLog {
	return &SideEffectLog{max: max}
}

func (l *SideEffectLog) Record(f SideEffectFailure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, f)
	if l.max > 0 && len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

func (l *SideEffectLog) List() []SideEffectFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SideEffectFailure, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// retry runs fn up to attempts times, doubling delay between tries. It
// reports how many times fn actually ran.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) (int, error) {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return i + 1, nil
		}
		if i == attempts-1 {
			return attempts, err
		}
		select {
		case <-ctx.Done():
			return i + 1, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return 0, err
}

// releaseAmbulance returns a unit to service after the request that held it
// has been committed as finished. The request write is never undone: a
// release that keeps failing is recorded for reconciliation. It runs detached
// from the caller's cancellation since the primary write already committed.
func (s *Service) releaseAmbulance(ctx context.Context, requestID, ambulanceID int64) {
	ctx = context.WithoutCancel(ctx)
	attempts, err := retry(ctx, s.cfg.ReleaseAttempts, s.cfg.ReleaseBackoff, func() error {
		return s.store.SetAmbulanceStatus(ctx, ambulanceID, models.AmbulanceAvailable)
	})
	if err == nil {
		if gerr := s.geo.SetAvailable(ctx, ambulanceID, true); gerr != nil {
			s.logger.Warn("geo availability update failed", "ambulance_id", ambulanceID, "error", gerr)
		}
		return
	}
	f := SideEffectFailure{
		RequestID:      requestID,
		AmbulanceID:    ambulanceID,
		IntendedStatus: models.AmbulanceAvailable,
		Attempts:       attempts,
		Error:          err.Error(),
		At:             s.now().UTC(),
	}
	s.sideEffects.Record(f)
	observability.SideEffectFailures.WithLabelValues("ambulance_release").Inc()
	s.logger.Error("ambulance release failed", "request_id", requestID, "ambulance_id", ambulanceID, "attempts", attempts, "error", err)
	s.events.BroadcastToRole(ctx, models.RoleAdmin, dispatch.EventSideEffectFailed, f)
}
