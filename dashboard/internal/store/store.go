// Package store persists the allocation event history observed by the dashboard.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// EventStore is the append-only allocation history.
type EventStore interface {
	// AppendEvents stores events, ignoring ones already stored. It returns how many were new.
	AppendEvents(ctx context.Context, events []models.AllocationEvent) (int, error)
	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, opts ListOptions) ([]models.AllocationEvent, error)
	GetEvent(ctx context.Context, id string) (models.AllocationEvent, error)
	Ping(ctx context.Context) error
}

type ListOptions struct {
	Limit int
	// Before, when set, returns only events strictly older than it.
	Before        time.Time
	EnvironmentID string
}

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultPageSize
	case o.Limit > MaxPageSize:
		return MaxPageSize
	}
	return o.Limit
}

var eventNamespace = uuid.MustParse("6f1c3a52-4d2e-4b8a-9a57-1f0e7c2d9b31")

// EventID returns ev.ID, or a stable id derived from the event's content when the backend sent
// none, so re-delivered events stay idempotent.
func EventID(ev models.AllocationEvent) string {
	if ev.ID != "" {
		return ev.ID
	}
	key := string(ev.Type) + "|" + ev.TestID + "|" + ev.EnvironmentID + "|" + ev.Timestamp.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}
