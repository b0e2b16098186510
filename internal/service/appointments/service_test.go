package appointments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
	"clinicq/backend/internal/store/memstore"
)

// Thursday. The test schedule runs on Mondays.
var baseNow = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

var (
	monday     = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	nextMonday = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type sentNotification struct {
	patientID string
	event     string
	payload   map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, patientID, event string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{patientID: patientID, event: event, payload: payload})
	return n.err
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.event)
	}
	return out
}

type fakeFeed struct {
	currentServingFn func(ctx context.Context, pool domain.Pool) (int, error)
}

func (f *fakeFeed) CurrentServing(ctx context.Context, pool domain.Pool) (int, error) {
	if f.currentServingFn == nil {
		panic("CurrentServing not configured")
	}
	return f.currentServingFn(ctx, pool)
}

type fakePayments struct {
	initiateFn func(ctx context.Context, appt domain.Appointment) (string, error)
	confirmFn  func(ctx context.Context, orderID string) (PaymentOutcome, error)
}

func (f *fakePayments) InitiatePayment(ctx context.Context, appt domain.Appointment) (string, error) {
	if f.initiateFn == nil {
		panic("InitiatePayment not configured")
	}
	return f.initiateFn(ctx, appt)
}

func (f *fakePayments) ConfirmPayment(ctx context.Context, orderID string) (PaymentOutcome, error) {
	if f.confirmFn == nil {
		panic("ConfirmPayment not configured")
	}
	return f.confirmFn(ctx, orderID)
}

type fixture struct {
	svc      *Service
	ledger   *memstore.Ledger
	catalog  *memstore.Catalog
	clock    *fakeClock
	notifier *recordingNotifier
	schedule domain.DoctorSchedule
}

// newFixture builds a service over the in-memory store with one Monday
// session for doctor d1 at branch b1: 09:00-13:00, 12 minute slots.
func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()

	catalog := memstore.NewCatalog()
	schedule, err := catalog.Add(domain.DoctorSchedule{
		ID:              uuid.MustParse("00000000-0000-0000-0000-0000000000a1"),
		DoctorID:        "d1",
		BranchID:        "b1",
		Weekday:         int16(time.Monday),
		StartMinute:     9 * 60,
		EndMinute:       13 * 60,
		DurationMinutes: 12,
		Active:          true,
	})
	if err != nil {
		t.Fatalf("Add schedule error: %v", err)
	}

	f := &fixture{
		ledger:   memstore.NewLedger(),
		catalog:  catalog,
		clock:    &fakeClock{t: baseNow},
		notifier: &recordingNotifier{},
		schedule: schedule,
	}
	opts := Options{
		Location: time.UTC,
		Now:      f.clock.Now,
		Notifier: f.notifier,
	}
	for _, c := range configure {
		c(&opts)
	}
	f.svc = NewService(f.ledger, f.catalog, opts)
	t.Cleanup(f.svc.Wait)
	return f
}

func (f *fixture) addSchedule(t *testing.T, s domain.DoctorSchedule) domain.DoctorSchedule {
	t.Helper()
	out, err := f.catalog.Add(s)
	if err != nil {
		t.Fatalf("Add schedule error: %v", err)
	}
	return out
}

func (f *fixture) book(t *testing.T, patientID string, date time.Time) domain.Appointment {
	t.Helper()
	appt, err := f.svc.Book(context.Background(), BookInput{
		DoctorID:  "d1",
		BranchID:  "b1",
		PatientID: patientID,
		Date:      date,
	})
	if err != nil {
		t.Fatalf("Book(%s) error: %v", patientID, err)
	}
	return appt
}

func (f *fixture) confirm(t *testing.T, appt domain.Appointment) domain.Appointment {
	t.Helper()
	out, err := f.svc.ApplyPayment(context.Background(), Actor{Admin: true}, PaymentInput{
		AppointmentID: appt.ID,
		Outcome:       PaymentSucceeded,
	})
	if err != nil {
		t.Fatalf("ApplyPayment error: %v", err)
	}
	return out
}

// events waits for background deliveries and returns what was sent.
func (f *fixture) events() []string {
	f.svc.Wait()
	return f.notifier.events()
}

func (f *fixture) stored(t *testing.T, id uuid.UUID) domain.Appointment {
	t.Helper()
	appt, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("ledger Get error: %v", err)
	}
	return appt
}

type fakeLedger struct {
	getFn        func(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	listActiveFn func(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error)
	txFn         func(ctx context.Context, pools []domain.Pool, fn func(ctx context.Context, tx store.LedgerTx) error) error
}

func (f *fakeLedger) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if f.getFn == nil {
		panic("Get not configured")
	}
	return f.getFn(ctx, id)
}

func (f *fakeLedger) ListActive(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error) {
	if f.listActiveFn == nil {
		panic("ListActive not configured")
	}
	return f.listActiveFn(ctx, pool)
}

func (f *fakeLedger) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Appointment, error) {
	return nil, nil
}

func (f *fakeLedger) InPoolTransaction(ctx context.Context, pools []domain.Pool, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	if f.txFn == nil {
		panic("InPoolTransaction not configured")
	}
	return f.txFn(ctx, pools, fn)
}

type fakeTx struct {
	getFn        func(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	listActiveFn func(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error)
	insertFn     func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	updateFn     func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
}

func (f *fakeTx) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if f.getFn == nil {
		panic("tx Get not configured")
	}
	return f.getFn(ctx, id)
}

func (f *fakeTx) ListActive(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error) {
	if f.listActiveFn == nil {
		return nil, nil
	}
	return f.listActiveFn(ctx, pool)
}

func (f *fakeTx) Insert(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if f.insertFn == nil {
		panic("tx Insert not configured")
	}
	return f.insertFn(ctx, appt)
}

func (f *fakeTx) Update(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if f.updateFn == nil {
		panic("tx Update not configured")
	}
	return f.updateFn(ctx, appt)
}

// mondayCatalog holds the single Monday session used by tests that run
// without the fixture.
func mondayCatalog(t *testing.T) *memstore.Catalog {
	t.Helper()
	catalog := memstore.NewCatalog()
	if _, err := catalog.Add(domain.DoctorSchedule{
		DoctorID: "d1", BranchID: "b1", Weekday: int16(time.Monday),
		StartMinute: 9 * 60, EndMinute: 10 * 60, DurationMinutes: 10, Active: true,
	}); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	return catalog
}

func TestService_ValidationErrorType(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Book(context.Background(), BookInput{
		DoctorID: "d1",
		BranchID: "b1",
		Date:     monday,
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if vErr.Error() != "patient_id is required" {
		t.Fatalf("error = %q, want %q", vErr.Error(), "patient_id is required")
	}
}

func TestService_PropagatesStoreErrors(t *testing.T) {
	sentinel := errors.New("boom")
	catalog := mondayCatalog(t)
	svc := NewService(&fakeLedger{
		txFn: func(ctx context.Context, pools []domain.Pool, fn func(ctx context.Context, tx store.LedgerTx) error) error {
			return sentinel
		},
	}, catalog, Options{Now: func() time.Time { return baseNow }})

	_, err := svc.Book(context.Background(), BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
}

func TestService_TranslatesStoreSentinels(t *testing.T) {
	svc := NewService(&fakeLedger{
		getFn: func(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
			return domain.Appointment{}, store.ErrNotFound
		},
	}, memstore.NewCatalog(), Options{})

	_, err := svc.Get(context.Background(), Actor{Admin: true}, uuid.New())
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %T %v, want *NotFoundError", err, err)
	}
}

func TestService_GetHidesOtherPatientsAppointments(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "p1", monday)

	if _, err := f.svc.Get(context.Background(), Actor{PatientID: "p1"}, appt.ID); err != nil {
		t.Fatalf("owner Get error: %v", err)
	}
	if _, err := f.svc.Get(context.Background(), Actor{Admin: true}, appt.ID); err != nil {
		t.Fatalf("admin Get error: %v", err)
	}

	_, err := f.svc.Get(context.Background(), Actor{PatientID: "p2"}, appt.ID)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *NotFoundError", err)
	}
}
