// Package memory provides an in-process task and consumer store.
//
// It satisfies the same contract as the PostgreSQL adapter: every task
// mutation runs the state-machine check under a per-task mutex, and delivery
// claims are optimistic on the attempt counter. Mutations never write a
// stored task in place; they swap in a fresh copy under the store lock, so
// concurrent readers always observe a consistent struct. It backs unit tests
// and single-node development setups.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quickresolve/docpipe/internal/domain"
)

// Store keeps tasks and consumers in maps guarded by a store-wide mutex for
// map access plus a per-task mutex map serializing updates.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*domain.Task
	idemIndex map[string]string
	consumers map[string]*domain.Consumer // key: topic + "\x00" + endpoint_url
	locks     map[string]*sync.Mutex
	rr        map[string]int // per-topic round-robin cursor
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]*domain.Task),
		idemIndex: make(map[string]string),
		consumers: make(map[string]*domain.Consumer),
		locks:     make(map[string]*sync.Mutex),
		rr:        make(map[string]int),
	}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func consumerKey(topic, endpointURL string) string { return topic + "\x00" + endpointURL }

// Create inserts a new task and returns its id.
func (s *Store) Create(_ domain.Context, t domain.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return "", fmt.Errorf("op=task.create: %w: duplicate id %s", domain.ErrConflict, t.ID)
	}
	if t.IdemKey != nil && *t.IdemKey != "" {
		if existing, ok := s.idemIndex[*t.IdemKey]; ok {
			return existing, nil
		}
		s.idemIndex[*t.IdemKey] = t.ID
	}
	cp := t
	s.tasks[t.ID] = &cp
	return t.ID, nil
}

// Get loads a task by id.
func (s *Store) Get(_ domain.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
	}
	return *t, nil
}

// FindByIdempotencyKey loads a task by its idempotency key.
func (s *Store) FindByIdempotencyKey(_ domain.Context, key string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idemIndex[key]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.find_idem: %w", domain.ErrNotFound)
	}
	return *s.tasks[id], nil
}

// Update applies the patch under the per-task lock. The state machine runs
// against a private copy which then replaces the map entry, so readers never
// see a half-applied patch.
func (s *Store) Update(_ domain.Context, id string, p domain.TaskPatch) (domain.Task, bool, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", domain.ErrNotFound)
	}
	cp := *t
	changed, err := cp.ApplyUpdate(p, time.Now().UTC())
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", err)
	}
	s.mu.Lock()
	s.tasks[id] = &cp
	s.mu.Unlock()
	return cp, changed, nil
}

// List returns tasks matching the filter, newest first.
func (s *Store) List(_ domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0)
	for _, t := range s.tasks {
		if f.Name != "" && t.Name != f.Name {
			continue
		}
		if f.StatusCode != nil && t.StatusCode != *f.StatusCode {
			continue
		}
		if f.ParentID != "" && (t.ParentID == nil || *t.ParentID != f.ParentID) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) readyForTopic(topic string) []*domain.Consumer {
	ready := make([]*domain.Consumer, 0, 1)
	for _, c := range s.consumers {
		if c.Topic == topic && c.Ready {
			ready = append(ready, c)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].EndpointURL < ready[j].EndpointURL })
	return ready
}

func dueTasks(tasks map[string]*domain.Task, now time.Time) []*domain.Task {
	due := make([]*domain.Task, 0)
	for _, t := range tasks {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	// FIFO by scheduled start, then creation.
	sort.Slice(due, func(i, j int) bool {
		si, sj := due[i].CreatedAt, due[j].CreatedAt
		if due[i].ScheduledStartAt != nil {
			si = *due[i].ScheduledStartAt
		}
		if due[j].ScheduledStartAt != nil {
			sj = *due[j].ScheduledStartAt
		}
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due
}

// Due returns waiting tasks past their scheduled start paired with a ready
// consumer for the topic, round-robin across registered endpoints.
func (s *Store) Due(_ domain.Context, now time.Time, limit int) ([]domain.DeliveryCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryCandidate, 0)
	for _, t := range dueTasks(s.tasks, now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		ready := s.readyForTopic(t.Name)
		if len(ready) == 0 {
			continue
		}
		cur := s.rr[t.Name] % len(ready)
		s.rr[t.Name] = cur + 1
		out = append(out, domain.DeliveryCandidate{Task: *t, Consumer: *ready[cur]})
	}
	return out, nil
}

// DueUnroutable returns due waiting tasks whose topic has no ready consumer.
func (s *Store) DueUnroutable(_ domain.Context, now time.Time, limit int) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0)
	for _, t := range dueTasks(s.tasks, now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(s.readyForTopic(t.Name)) == 0 {
			out = append(out, *t)
		}
	}
	return out, nil
}

// BeginDelivery claims one delivery attempt, optimistic on the attempt count.
func (s *Store) BeginDelivery(_ domain.Context, id string, expectedAttempts int, nextAttemptAt, processingDeadline time.Time) (bool, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("op=task.begin_delivery: %w", domain.ErrNotFound)
	}
	if t.StatusCode != domain.StatusWaiting || t.Attempts != expectedAttempts {
		return false, nil
	}
	cp := *t
	cp.Attempts++
	next := nextAttemptAt
	cp.ScheduledStartAt = &next
	deadline := processingDeadline
	cp.ProcessingDeadline = &deadline
	s.mu.Lock()
	s.tasks[id] = &cp
	s.mu.Unlock()
	return true, nil
}

// ReapExpired fails processing tasks past their processing deadline. Each
// candidate is re-checked and replaced under its per-task lock so a racing
// worker update wins or loses cleanly, never partially.
func (s *Store) ReapExpired(_ domain.Context, now time.Time) ([]string, error) {
	expired := func(t *domain.Task) bool {
		return t.StatusCode == domain.StatusProcessing && t.ProcessingDeadline != nil && t.ProcessingDeadline.Before(now)
	}

	s.mu.RLock()
	candidates := make([]string, 0)
	for id, t := range s.tasks {
		if expired(t) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	var reaped []string
	for _, id := range candidates {
		l := s.lockFor(id)
		l.Lock()
		s.mu.RLock()
		t, ok := s.tasks[id]
		s.mu.RUnlock()
		if ok && expired(t) {
			cp := *t
			cp.StatusCode = domain.StatusFailed
			cp.Status = "worker-timeout"
			ts := now
			cp.EndedAt = &ts
			s.mu.Lock()
			s.tasks[id] = &cp
			s.mu.Unlock()
			reaped = append(reaped, id)
		}
		l.Unlock()
	}
	return reaped, nil
}

// ConsumerStore is the registry half of the Store. It shares the Store's
// maps and mutex and implements domain.ConsumerRepository.
type ConsumerStore struct{ s *Store }

// ConsumerRegistry returns the consumer registry view of the Store.
func (s *Store) ConsumerRegistry() *ConsumerStore { return &ConsumerStore{s: s} }

// Upsert registers or refreshes a consumer row.
func (r *ConsumerStore) Upsert(_ domain.Context, c domain.Consumer) error {
	if c.Topic == "" || c.EndpointURL == "" {
		return fmt.Errorf("op=consumer.upsert: %w: topic and endpoint_url required", domain.ErrInvalidArgument)
	}
	c.Topic = strings.ToLower(c.Topic)
	c.LastSeenAt = time.Now().UTC()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := c
	r.s.consumers[consumerKey(c.Topic, c.EndpointURL)] = &cp
	return nil
}

// Remove deletes a consumer row.
func (r *ConsumerStore) Remove(_ domain.Context, topic, endpointURL string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.consumers, consumerKey(strings.ToLower(topic), endpointURL))
	return nil
}

// List returns all consumer rows.
func (r *ConsumerStore) List(_ domain.Context) ([]domain.Consumer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Consumer, 0, len(r.s.consumers))
	for _, c := range r.s.consumers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].EndpointURL < out[j].EndpointURL
	})
	return out, nil
}

// RecordProbe folds a health probe result into the consumer row.
func (r *ConsumerStore) RecordProbe(_ domain.Context, topic, endpointURL string, ok bool, threshold int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, found := r.s.consumers[consumerKey(strings.ToLower(topic), endpointURL)]
	if !found {
		return fmt.Errorf("op=consumer.record_probe: %w", domain.ErrNotFound)
	}
	if ok {
		c.FailCount = 0
		c.Ready = true
		c.LastSeenAt = time.Now().UTC()
		return nil
	}
	c.FailCount++
	if c.FailCount > threshold {
		c.Ready = false
	}
	return nil
}
