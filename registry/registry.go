// Package registry keeps the payments initiated by this process in memory.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("payment not found")
	ErrConflict = errors.New("payment reference already exists")
)

// Status is the last known state of a payment.
type Status string

const (
	StatusInitiated  Status = "INITIATED"
	StatusCreated    Status = "CREATED"
	StatusAuthorized Status = "AUTHORIZED"
	StatusAborted    Status = "ABORTED"
	StatusExpired    Status = "EXPIRED"
	StatusTerminated Status = "TERMINATED"
	StatusCaptured   Status = "CAPTURED"
	StatusRefunded   Status = "REFUNDED"
	StatusCancelled  Status = "CANCELLED"
)

// Event types that only add history.
const (
	EventCaptureFailed = "CAPTURE_FAILED"
	EventRefundFailed  = "REFUND_FAILED"
	EventCancelFailed  = "CANCEL_FAILED"
)

var statusBearing = map[Status]struct{}{
	StatusInitiated:  {},
	StatusCreated:    {},
	StatusAuthorized: {},
	StatusAborted:    {},
	StatusExpired:    {},
	StatusTerminated: {},
	StatusCaptured:   {},
	StatusRefunded:   {},
	StatusCancelled:  {},
}

// IsStatus reports whether an event of this type moves the payment to a new status.
func IsStatus(eventType string) bool {
	_, ok := statusBearing[Status(eventType)]
	return ok
}

// Event is one entry of a payment's local history.
type Event struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// Record is the local view of a payment.
type Record struct {
	Reference    string    `json:"reference"`
	PspReference string    `json:"pspReference,omitempty"`
	Amount       int64     `json:"amount"`
	PhoneNumber  string    `json:"phoneNumber"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Status       Status    `json:"status"`
	Events       []Event   `json:"events"`
}

func (r *Record) clone() Record {
	c := *r
	c.Events = append([]Event(nil), r.Events...)
	return c
}

// Registry is a process-local payment store. Records live as long as the process.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	byPsp   map[string]string
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		byPsp:   make(map[string]string),
		now:     time.Now,
	}
}

// Create stores a new INITIATED payment.
func (r *Registry) Create(reference string, amount int64, phoneNumber string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[reference]; exists {
		return Record{}, ErrConflict
	}

	now := r.now()
	rec := &Record{
		Reference:   reference,
		Amount:      amount,
		PhoneNumber: phoneNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      StatusInitiated,
		Events: []Event{{
			Type:        string(StatusInitiated),
			Timestamp:   now,
			Description: "Payment initiated",
		}},
	}
	r.records[reference] = rec
	return rec.clone(), nil
}

// Get returns a copy of the record.
func (r *Registry) Get(reference string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[reference]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// Exists reports whether reference is tracked.
func (r *Registry) Exists(reference string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[reference]
	return ok
}

// RecordEvent appends an event and, for status-bearing types, updates the
// status. Unknown references are ignored; callers check existence themselves.
func (r *Registry) RecordEvent(reference, eventType, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[reference]
	if !ok {
		return
	}

	now := r.now()
	rec.Events = append(rec.Events, Event{Type: eventType, Timestamp: now, Description: description})
	rec.UpdatedAt = now
	if IsStatus(eventType) {
		rec.Status = Status(eventType)
	}
}

// RecordStatus records a status event only when status differs from the
// current one. It reports whether an event was appended.
func (r *Registry) RecordStatus(reference string, status Status, description string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[reference]
	if !ok || rec.Status == status || !IsStatus(string(status)) {
		return false
	}

	now := r.now()
	rec.Events = append(rec.Events, Event{Type: string(status), Timestamp: now, Description: description})
	rec.UpdatedAt = now
	rec.Status = status
	return true
}

// Correlate binds the provider's payment id to a local reference. Binding the
// same pair twice is a no-op.
func (r *Registry) Correlate(reference, pspReference string) error {
	if pspReference == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[reference]
	if !ok {
		return ErrNotFound
	}
	if owner, bound := r.byPsp[pspReference]; bound && owner != reference {
		return ErrConflict
	}
	if rec.PspReference != "" && rec.PspReference != pspReference {
		return ErrConflict
	}

	rec.PspReference = pspReference
	r.byPsp[pspReference] = reference
	return nil
}

// Events returns the payment's history, newest first.
func (r *Registry) Events(reference string) ([]Event, error) {
	events, err := r.history(reference)
	if err != nil {
		return nil, err
	}

	// Reverse first so events sharing a timestamp keep newest-appended-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

func (r *Registry) history(reference string) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Event(nil), rec.Events...), nil
}

// List returns copies of all records keyed by reference.
func (r *Registry) List() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Record, len(r.records))
	for ref, rec := range r.records {
		out[ref] = rec.clone()
	}
	return out
}
