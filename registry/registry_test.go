package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock returns t0, t0+1s, t0+2s, ... on successive calls.
func steppingClock(t0 time.Time) func() time.Time {
	var mu sync.Mutex
	next := t0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Second)
		return now
	}
}

func newTestRegistry() *Registry {
	r := New()
	r.now = steppingClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry()

	created, err := r.Create("ref-1", 100, "4712345678")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, created.Status)
	assert.Equal(t, int64(100), created.Amount)
	require.Len(t, created.Events, 1)
	assert.Equal(t, "INITIATED", created.Events[0].Type)

	got, err := r.Get("ref-1")
	require.NoError(t, err)
	assert.Equal(t, created, got)
	assert.True(t, r.Exists("ref-1"))
}

func TestCreateRejectsDuplicateReference(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create("ref-1", 100, "4712345678")
	require.NoError(t, err)
	_, err = r.Create("ref-1", 999, "4799999999")
	assert.ErrorIs(t, err, ErrConflict)

	got, err := r.Get("ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Amount)
	assert.Equal(t, "4712345678", got.PhoneNumber)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create("same", 1, "47"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestGetUnknownReference(t *testing.T) {
	_, err := newTestRegistry().Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordEventUpdatesStatus(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create("ref-1", 100, "47")
	require.NoError(t, err)

	r.RecordEvent("ref-1", "AUTHORIZED", "Payment status updated to AUTHORIZED")
	got, _ := r.Get("ref-1")
	assert.Equal(t, StatusAuthorized, got.Status)

	r.RecordEvent("ref-1", EventCaptureFailed, "Capture failed")
	got, _ = r.Get("ref-1")
	assert.Equal(t, StatusAuthorized, got.Status, "failure events keep the status")
	assert.Len(t, got.Events, 3)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestRecordStatusOnlyOnChange(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Create("ref-1", 100, "47")

	assert.False(t, r.RecordStatus("ref-1", StatusInitiated, "same"))
	assert.True(t, r.RecordStatus("ref-1", StatusAuthorized, "changed"))
	assert.False(t, r.RecordStatus("ref-1", StatusAuthorized, "again"))
	assert.False(t, r.RecordStatus("ref-1", Status("SOMETHING_ELSE"), "unknown"))
	assert.False(t, r.RecordStatus("missing", StatusAuthorized, "missing"))

	got, _ := r.Get("ref-1")
	assert.Equal(t, StatusAuthorized, got.Status)
	assert.Len(t, got.Events, 2)
}

func TestRecordEventUnknownReferenceIsNoop(t *testing.T) {
	r := newTestRegistry()
	r.RecordEvent("missing", "AUTHORIZED", "ignored")
	assert.Empty(t, r.List())
}

func TestEventsNewestFirst(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create("ref-1", 100, "47") // t0
	require.NoError(t, err)
	r.RecordEvent("ref-1", "AUTHORIZED", "t1")
	r.RecordEvent("ref-1", "CAPTURED", "t2")
	r.RecordEvent("ref-1", "REFUNDED", "t3")

	events, err := r.Events("ref-1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, []string{"t3", "t2", "t1", "Payment initiated"}, []string{
		events[0].Description, events[1].Description, events[2].Description, events[3].Description,
	})

	// Stored order is untouched.
	got, _ := r.Get("ref-1")
	assert.Equal(t, "INITIATED", got.Events[0].Type)
}

func TestEventsSameTimestampNewestAppendedFirst(t *testing.T) {
	r := New()
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	_, err := r.Create("ref-1", 100, "47")
	require.NoError(t, err)
	r.RecordEvent("ref-1", "AUTHORIZED", "second")

	events, err := r.Events("ref-1")
	require.NoError(t, err)
	assert.Equal(t, "second", events[0].Description)
}

func TestEventsUnknownReference(t *testing.T) {
	_, err := newTestRegistry().Events("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorrelate(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Create("ref-1", 100, "47")
	_, _ = r.Create("ref-2", 200, "47")

	require.NoError(t, r.Correlate("ref-1", "psp-1"))
	require.NoError(t, r.Correlate("ref-1", "psp-1"))
	require.NoError(t, r.Correlate("ref-1", ""))

	assert.ErrorIs(t, r.Correlate("ref-2", "psp-1"), ErrConflict)
	assert.ErrorIs(t, r.Correlate("ref-1", "psp-other"), ErrConflict)
	assert.ErrorIs(t, r.Correlate("missing", "psp-9"), ErrNotFound)

	rec, err := r.Get("ref-1")
	require.NoError(t, err)
	assert.Equal(t, "psp-1", rec.PspReference)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Create("ref-1", 100, "47")

	got, _ := r.Get("ref-1")
	got.Events[0].Type = "TAMPERED"
	got.Status = StatusCaptured

	list := r.List()
	require.Contains(t, list, "ref-1")
	assert.Equal(t, StatusInitiated, list["ref-1"].Status)
	assert.Equal(t, "INITIATED", list["ref-1"].Events[0].Type)
}
