package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

type EventKind string

const (
	KindEnvironmentUpdate EventKind = "environment_update"
	KindAllocationUpdate  EventKind = "allocation_update"
	KindAllocationEvent   EventKind = "allocation_event"
)

// Event is one parsed push frame. Exactly one of the payload fields is set, matching Kind.
type Event struct {
	Kind     EventKind
	Channel  ChannelName
	Received time.Time

	Environment     *models.EnvironmentPatch
	Allocation      *models.AllocationRequest
	AllocationEvent *models.AllocationEvent
}

var errMalformedFrame = errors.New("malformed frame")

type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// parseFrame decodes a push frame. Heartbeats return heartbeat=true and no event.
func parseFrame(raw []byte) (ev Event, heartbeat bool, err error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	var stamp time.Time
	if f.Timestamp != nil {
		stamp = *f.Timestamp
	}

	switch f.Type {
	case "ping", "pong", "heartbeat":
		return Event{}, true, nil
	case string(KindEnvironmentUpdate):
		var patch models.EnvironmentPatch
		if err := decodeData(f.Data, &patch); err != nil {
			return Event{}, false, err
		}
		if patch.ID == "" {
			return Event{}, false, fmt.Errorf("%w: environment update without id", errMalformedFrame)
		}
		if patch.UpdatedAt.IsZero() {
			patch.UpdatedAt = stamp
		}
		return Event{Kind: KindEnvironmentUpdate, Environment: &patch}, false, nil
	case string(KindAllocationUpdate):
		var req models.AllocationRequest
		if err := decodeData(f.Data, &req); err != nil {
			return Event{}, false, err
		}
		if req.ID == "" {
			return Event{}, false, fmt.Errorf("%w: allocation update without id", errMalformedFrame)
		}
		if req.UpdatedAt.IsZero() {
			req.UpdatedAt = stamp
		}
		return Event{Kind: KindAllocationUpdate, Allocation: &req}, false, nil
	case string(KindAllocationEvent):
		var ae models.AllocationEvent
		if err := decodeData(f.Data, &ae); err != nil {
			return Event{}, false, err
		}
		if ae.Type == "" {
			return Event{}, false, fmt.Errorf("%w: allocation event without type", errMalformedFrame)
		}
		if ae.Timestamp.IsZero() {
			ae.Timestamp = stamp
		}
		return Event{Kind: KindAllocationEvent, AllocationEvent: &ae}, false, nil
	}
	return Event{}, false, fmt.Errorf("%w: unknown type %q", errMalformedFrame, f.Type)
}

func decodeData(data json.RawMessage, out interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", errMalformedFrame)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return nil
}
