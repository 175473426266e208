// Package dispatch fans state changes out to role, user and entity scoped
// audiences. Delivery is best effort and at most once: clients that were
// offline refetch state on reconnect.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/observability"
)

const (
	EventRequestCreated    = "request.created"
	EventRequestStatus     = "request.status"
	EventAmbulanceLocation = "ambulance.location"
	EventHospitalBeds      = "hospital.beds"
	EventRequestETA        = "request.eta"
	EventSideEffectFailed  = "side_effect.failed"
	EventPong              = "pong"
)

const (
	KindAmbulance = "ambulance"
	KindHospital  = "hospital"

	ScopeAll = "all"
)

// Event is the envelope every sink delivers.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink delivers one event to the given scopes. A recipient in several of the
// scopes receives the event once.
type Sink interface {
	Send(ctx context.Context, scopes []string, ev Event) error
}

func RoleScope(r models.Role) string           { return "role:" + string(r) }
func UserScope(id int64) string                { return fmt.Sprintf("user:%d", id) }
func EntityScope(kind string, id int64) string { return fmt.Sprintf("%s:%d", kind, id) }

// ScopesFor lists the scopes a connected client joins.
func ScopesFor(id models.Identity) []string {
	scopes := []string{ScopeAll, RoleScope(id.Role), UserScope(id.UserID)}
	if id.AmbulanceID != nil {
		scopes = append(scopes, EntityScope(KindAmbulance, *id.AmbulanceID))
	}
	if id.HospitalID != nil {
		scopes = append(scopes, EntityScope(KindHospital, *id.HospitalID))
	}
	return scopes
}

// Broadcaster hands every event to all configured sinks. Sink failures are
// logged and counted, never returned.
type Broadcaster struct {
	sinks  []Sink
	names  []string
	logger *slog.Logger
	now    func() time.Time
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{logger: logger, now: time.Now}
}

// AddSink registers a sink under name, used in logs and metrics.
func (b *Broadcaster) AddSink(name string, s Sink) {
	b.sinks = append(b.sinks, s)
	b.names = append(b.names, name)
}

// Publish delivers one event to every sink. A nil Broadcaster drops it.
func (b *Broadcaster) Publish(ctx context.Context, scopes []string, eventType string, payload any) {
	if b == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("broadcast marshal failed", "event", eventType, "error", err)
		return
	}
	ev := Event{Type: eventType, Data: data, Timestamp: b.now().UTC()}
	scopes = dedupe(scopes)
	observability.BroadcastsTotal.WithLabelValues(eventType).Inc()
	for i, s := range b.sinks {
		if err := s.Send(ctx, scopes, ev); err != nil {
			observability.BroadcastErrors.WithLabelValues(b.names[i]).Inc()
			b.logger.Warn("broadcast delivery failed", "sink", b.names[i], "event", eventType, "scopes", scopes, "error", err)
		}
	}
}

func (b *Broadcaster) BroadcastToRole(ctx context.Context, role models.Role, eventType string, payload any) {
	b.Publish(ctx, []string{RoleScope(role)}, eventType, payload)
}

func (b *Broadcaster) BroadcastToUser(ctx context.Context, userID int64, eventType string, payload any) {
	b.Publish(ctx, []string{UserScope(userID)}, eventType, payload)
}

// BroadcastToEntity targets everyone joined as the given ambulance or hospital.
func (b *Broadcaster) BroadcastToEntity(ctx context.Context, kind string, id int64, eventType string, payload any) {
	b.Publish(ctx, []string{EntityScope(kind, id)}, eventType, payload)
}

func (b *Broadcaster) BroadcastToAll(ctx context.Context, eventType string, payload any) {
	b.Publish(ctx, []string{ScopeAll}, eventType, payload)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
