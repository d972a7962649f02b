// Package state holds the client-side view of environments, the allocation queue, utilization
// samples and allocation history. Every mutation goes through Store so selection validity and
// collection bounds are enforced in one place.
//
// Incremental updates from any channel are merged per field by timestamp, so applying the same
// set of updates in any order yields the same state.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

var (
	ErrMissingID          = errors.New("id required")
	ErrUnknownEnvironment = errors.New("unknown environment")
)

const (
	DefaultUtilizationWindow = 30 * time.Minute
	DefaultHistoryLimit      = 500
)

type Options struct {
	UtilizationWindow time.Duration
	HistoryLimit      int
	Now               func() time.Time
}

// fieldClocks records the timestamp of the update that last wrote each environment field.
type fieldClocks struct {
	kind      time.Time
	status    time.Time
	resources time.Time
	health    time.Time
	assigned  time.Time
	created   time.Time
}

type envRecord struct {
	env    models.Environment
	clocks fieldClocks
}

type Store struct {
	window       time.Duration
	historyLimit int
	now          func() time.Time

	mu          sync.RWMutex
	order       []string
	envs        map[string]*envRecord
	queue       map[string]models.AllocationRequest
	tombstones  map[string]time.Time
	utilization []models.UtilizationSample
	history     []models.AllocationEvent
	historyIDs  map[string]struct{}
	selected    string
	multi       []string
	version     uint64
}

func New(opts Options) *Store {
	s := &Store{
		window:       opts.UtilizationWindow,
		historyLimit: opts.HistoryLimit,
		now:          opts.Now,
		envs:         map[string]*envRecord{},
		queue:        map[string]models.AllocationRequest{},
		tombstones:   map[string]time.Time{},
		historyIDs:   map[string]struct{}{},
	}
	if s.window <= 0 {
		s.window = DefaultUtilizationWindow
	}
	if s.historyLimit <= 0 {
		s.historyLimit = DefaultHistoryLimit
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// ReplaceSnapshot swaps every collection for the snapshot's contents. Environments keep the
// snapshot's order.
func (s *Store) ReplaceSnapshot(snap models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.order = s.order[:0]
	s.envs = make(map[string]*envRecord, len(snap.Environments))
	for _, env := range snap.Environments {
		if env.ID == "" {
			continue
		}
		ts := env.UpdatedAt
		if ts.IsZero() {
			ts = now
		}
		env.Pending = false
		env.AssignedTests = cloneStrings(env.AssignedTests)
		if _, dup := s.envs[env.ID]; !dup {
			s.order = append(s.order, env.ID)
		}
		s.envs[env.ID] = &envRecord{
			env:    env,
			clocks: fieldClocks{kind: ts, status: ts, resources: ts, health: ts, assigned: ts, created: ts},
		}
	}

	s.queue = make(map[string]models.AllocationRequest, len(snap.Queue))
	s.tombstones = map[string]time.Time{}
	for _, req := range snap.Queue {
		if req.ID == "" {
			continue
		}
		if req.Status.Terminal() {
			s.tombstones[req.ID] = allocationClock(req, now)
			continue
		}
		req.TestIDs = cloneStrings(req.TestIDs)
		s.queue[req.ID] = req
	}

	s.utilization = s.utilization[:0]
	for _, sample := range snap.ResourceUtilization {
		s.insertSampleLocked(sample)
	}

	s.history = s.history[:0]
	s.historyIDs = map[string]struct{}{}
	for _, ev := range snap.History {
		s.appendEventLocked(ev)
	}

	s.afterMutationLocked()
}

// UpsertEnvironment merges an incremental update. Each field is written only when the update is
// newer than the update that last wrote that field; equal timestamps are broken on the encoded
// value so the result does not depend on arrival order. It reports whether anything changed.
func (s *Store) UpsertEnvironment(patch models.EnvironmentPatch) (bool, error) {
	if patch.ID == "" {
		return false, ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := patch.UpdatedAt
	if ts.IsZero() {
		ts = s.now()
	}
	rec, ok := s.envs[patch.ID]
	if !ok {
		rec = &envRecord{env: models.Environment{ID: patch.ID}}
		s.envs[patch.ID] = rec
		s.order = append(s.order, patch.ID)
	}

	changed := !ok
	changed = mergeField(&rec.env.Kind, &rec.clocks.kind, patch.Kind, ts) || changed
	changed = mergeField(&rec.env.Status, &rec.clocks.status, patch.Status, ts) || changed
	changed = mergeField(&rec.env.Health, &rec.clocks.health, patch.Health, ts) || changed
	changed = mergeField(&rec.env.CreatedAt, &rec.clocks.created, patch.CreatedAt, ts) || changed
	if rec.clocks.created.IsZero() && (rec.env.CreatedAt.IsZero() || ts.Before(rec.env.CreatedAt)) {
		// Without an explicit creation time the earliest update seen stands in for it.
		rec.env.CreatedAt = ts
		changed = true
	}
	if patch.AssignedTests != nil {
		tests := cloneStrings(*patch.AssignedTests)
		changed = mergeField(&rec.env.AssignedTests, &rec.clocks.assigned, &tests, ts) || changed
	}
	if patch.Resources != nil {
		changed = mergeField(&rec.env.Resources, &rec.clocks.resources, patch.Resources, ts) || changed
		changed = s.insertSampleLocked(models.UtilizationSample{
			EnvironmentID: patch.ID,
			Timestamp:     ts,
			Usage:         *patch.Resources,
		}) || changed
	}
	if ts.After(rec.env.UpdatedAt) {
		rec.env.UpdatedAt = ts
		changed = true
	}
	if rec.env.Pending {
		rec.env.Pending = false
		changed = true
	}

	s.afterMutationLocked()
	return changed, nil
}

// UpsertAllocation applies a queue update. Requests in a terminal status leave the queue and
// leave a tombstone so an older update cannot bring them back.
func (s *Store) UpsertAllocation(req models.AllocationRequest) (bool, error) {
	if req.ID == "" {
		return false, ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := allocationClock(req, s.now())
	if tomb, ok := s.tombstones[req.ID]; ok && !ts.After(tomb) {
		return false, nil
	}
	if cur, ok := s.queue[req.ID]; ok {
		curTS := allocationClock(cur, time.Time{})
		if ts.Before(curTS) {
			return false, nil
		}
		if ts.Equal(curTS) && !greaterEncoding(req, cur) {
			return false, nil
		}
	}

	if req.Status.Terminal() {
		delete(s.queue, req.ID)
		s.tombstones[req.ID] = ts
	} else {
		delete(s.tombstones, req.ID)
		req.TestIDs = cloneStrings(req.TestIDs)
		if req.UpdatedAt.IsZero() {
			req.UpdatedAt = ts
		}
		s.queue[req.ID] = req
	}
	s.afterMutationLocked()
	return true, nil
}

// AppendEvent adds an allocation event to the history. Events already seen are ignored.
func (s *Store) AppendEvent(ev models.AllocationEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := s.appendEventLocked(ev)
	if added {
		s.afterMutationLocked()
	}
	return added
}

// MarkPending flags existing environments as awaiting confirmation of a user action. Unknown ids
// are skipped; the marked ids are returned.
func (s *Store) MarkPending(ids ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked []string
	for _, id := range ids {
		rec, ok := s.envs[id]
		if !ok {
			continue
		}
		rec.env.Pending = true
		marked = append(marked, id)
	}
	if len(marked) > 0 {
		s.version++
	}
	return marked
}

// ClearPending drops the pending flag, used when the action that set it failed.
func (s *Store) ClearPending(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if rec, ok := s.envs[id]; ok && rec.env.Pending {
			rec.env.Pending = false
			s.version++
		}
	}
}

// Select sets the selected environment. An empty id clears the selection.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.selected = ""
		s.version++
		return nil
	}
	if _, ok := s.envs[id]; !ok {
		return ErrUnknownEnvironment
	}
	s.selected = id
	s.version++
	return nil
}

// SetMultiSelection replaces the bulk-action selection. Ids that do not name an environment are
// dropped; the stored selection is returned.
func (s *Store) SetMultiSelection(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multi = s.multi[:0]
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := s.envs[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		s.multi = append(s.multi, id)
	}
	s.version++
	return cloneStrings(s.multi)
}

func (s *Store) Selected() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.selected != ""
}

func (s *Store) MultiSelected() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneStrings(s.multi)
}

func (s *Store) Environment(id string) (models.Environment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.envs[id]
	if !ok {
		return models.Environment{}, false
	}
	return copyEnvironment(rec.env), true
}

// Environments returns the environments in snapshot order followed by ones first seen later.
func (s *Store) Environments() []models.Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Environment, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyEnvironment(s.envs[id].env))
	}
	return out
}

// Queue returns the open requests ordered by priority (lower value first), then submission time,
// then id. QueuePosition is rewritten to match that order.
func (s *Store) Queue() []models.AllocationRequest {
	s.mu.RLock()
	out := make([]models.AllocationRequest, 0, len(s.queue))
	for _, req := range s.queue {
		req.TestIDs = cloneStrings(req.TestIDs)
		out = append(out, req)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return QueueLess(out[i], out[j]) })
	for i := range out {
		out[i].QueuePosition = i + 1
	}
	return out
}

// QueueLess orders allocation requests: lower priority value first, then earlier submission, then id.
func QueueLess(a, b models.AllocationRequest) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

// Utilization returns samples oldest first. An empty environmentID returns every environment.
func (s *Store) Utilization(environmentID string) []models.UtilizationSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UtilizationSample, 0, len(s.utilization))
	for _, sample := range s.utilization {
		if environmentID == "" || sample.EnvironmentID == environmentID {
			out = append(out, sample)
		}
	}
	return out
}

// History returns allocation events newest first.
func (s *Store) History() []models.AllocationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AllocationEvent, len(s.history))
	for i, ev := range s.history {
		out[len(s.history)-1-i] = ev
	}
	return out
}

// Snapshot returns the current view in the same shape the backend snapshot uses.
func (s *Store) Snapshot() models.Snapshot {
	return models.Snapshot{
		Environments:        s.Environments(),
		Queue:               s.Queue(),
		ResourceUtilization: s.Utilization(""),
		History:             s.History(),
	}
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) afterMutationLocked() {
	s.pruneUtilizationLocked()
	s.pruneTombstonesLocked()
	s.pruneSelectionLocked()
	s.version++
}

func (s *Store) pruneSelectionLocked() {
	if s.selected != "" {
		if _, ok := s.envs[s.selected]; !ok {
			s.selected = ""
		}
	}
	kept := s.multi[:0]
	for _, id := range s.multi {
		if _, ok := s.envs[id]; ok {
			kept = append(kept, id)
		}
	}
	s.multi = kept
}

// pruneTombstonesLocked forgets finished requests older than the retention window.
func (s *Store) pruneTombstonesLocked() {
	cutoff := s.now().Add(-s.window)
	for id, ts := range s.tombstones {
		if ts.Before(cutoff) {
			delete(s.tombstones, id)
		}
	}
}

func (s *Store) pruneUtilizationLocked() {
	cutoff := s.now().Add(-s.window)
	drop := sort.Search(len(s.utilization), func(i int) bool {
		return !s.utilization[i].Timestamp.Before(cutoff)
	})
	if drop > 0 {
		s.utilization = append(s.utilization[:0], s.utilization[drop:]...)
	}
}

// insertSampleLocked keeps samples sorted by time and skips exact duplicates.
func (s *Store) insertSampleLocked(sample models.UtilizationSample) bool {
	if sample.EnvironmentID == "" {
		return false
	}
	i := sort.Search(len(s.utilization), func(i int) bool {
		cur := s.utilization[i]
		if !cur.Timestamp.Equal(sample.Timestamp) {
			return cur.Timestamp.After(sample.Timestamp)
		}
		return cur.EnvironmentID >= sample.EnvironmentID
	})
	if i < len(s.utilization) {
		cur := s.utilization[i]
		if cur.EnvironmentID == sample.EnvironmentID && cur.Timestamp.Equal(sample.Timestamp) {
			return false
		}
	}
	s.utilization = append(s.utilization, models.UtilizationSample{})
	copy(s.utilization[i+1:], s.utilization[i:])
	s.utilization[i] = sample
	return true
}

// appendEventLocked keeps history sorted by timestamp and drops the oldest beyond the limit.
func (s *Store) appendEventLocked(ev models.AllocationEvent) bool {
	key := eventKey(ev)
	if _, seen := s.historyIDs[key]; seen {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	i := sort.Search(len(s.history), func(i int) bool {
		return s.history[i].Timestamp.After(ev.Timestamp)
	})
	s.history = append(s.history, models.AllocationEvent{})
	copy(s.history[i+1:], s.history[i:])
	s.history[i] = ev
	s.historyIDs[key] = struct{}{}

	for len(s.history) > s.historyLimit {
		delete(s.historyIDs, eventKey(s.history[0]))
		s.history = s.history[1:]
	}
	return true
}

func eventKey(ev models.AllocationEvent) string {
	if ev.ID != "" {
		return ev.ID
	}
	return string(ev.Type) + "|" + ev.TestID + "|" + ev.EnvironmentID + "|" + ev.Timestamp.Format(time.RFC3339Nano)
}

func allocationClock(req models.AllocationRequest, fallback time.Time) time.Time {
	if !req.UpdatedAt.IsZero() {
		return req.UpdatedAt
	}
	if !req.SubmittedAt.IsZero() {
		return req.SubmittedAt
	}
	return fallback
}

func mergeField[T any](dst *T, clock *time.Time, v *T, ts time.Time) bool {
	if v == nil || ts.Before(*clock) {
		return false
	}
	if ts.Equal(*clock) && !greaterEncoding(*v, *dst) {
		return false
	}
	*dst = *v
	*clock = ts
	return true
}

// greaterEncoding breaks timestamp ties deterministically.
func greaterEncoding(a, b interface{}) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Compare(ea, eb) > 0
}

func copyEnvironment(env models.Environment) models.Environment {
	env.AssignedTests = cloneStrings(env.AssignedTests)
	return env
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
