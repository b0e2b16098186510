package appointments

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

func TestBook_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   BookInput
		want string
	}{
		{
			name: "missing doctor",
			in:   BookInput{BranchID: "b1", PatientID: "p1", Date: monday},
			want: "doctor_id is required",
		},
		{
			name: "missing date",
			in:   BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1"},
			want: "date is required",
		},
		{
			name: "past date",
			in:   BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday.AddDate(0, 0, -7)},
			want: "date must not be in the past",
		},
		{
			name: "beyond advance window",
			in:   BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday.AddDate(0, 0, 7*20)},
			want: "date is beyond the advance booking window",
		},
		{
			name: "no session that weekday",
			in:   BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday.AddDate(0, 0, 1)},
			want: "doctor has no session at this branch on that date",
		},
		{
			name: "unknown branch",
			in:   BookInput{DoctorID: "d1", BranchID: "b9", PatientID: "p1", Date: monday},
			want: "doctor has no session at this branch on that date",
		},
		{
			name: "idempotency key too long",
			in: BookInput{
				DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday,
				IdempotencyKey: string(make([]byte, 300)) + "k",
			},
			want: "idempotency_key too long",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Book(context.Background(), tt.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("err = %T %v, want *ValidationError", err, err)
			}
			if vErr.Error() != tt.want {
				t.Fatalf("error = %q, want %q", vErr.Error(), tt.want)
			}
		})
	}
}

func TestBook_AssignsSequentialSlotsAsPendingHolds(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 3; i++ {
		appt := f.book(t, "p"+strconv.Itoa(i), monday)
		if appt.SlotNumber != i {
			t.Fatalf("slot = %d, want %d", appt.SlotNumber, i)
		}
		if appt.Status != domain.StatusPending {
			t.Fatalf("status = %s, want pending", appt.Status)
		}
		if appt.HoldExpiresAt == nil || !appt.HoldExpiresAt.Equal(baseNow.Add(15*time.Minute)) {
			t.Fatalf("hold_expires_at = %v, want now+15m", appt.HoldExpiresAt)
		}
		wantStart := monday.Add(9*time.Hour + time.Duration(i-1)*12*time.Minute)
		if !appt.ScheduledStart.Equal(wantStart) || !appt.ScheduledEnd.Equal(wantStart.Add(12*time.Minute)) {
			t.Fatalf("window = %v-%v, want start %v", appt.ScheduledStart, appt.ScheduledEnd, wantStart)
		}
		if appt.ScheduleID != f.schedule.ID {
			t.Fatalf("schedule_id = %s, want %s", appt.ScheduleID, f.schedule.ID)
		}
	}

	if got := f.events(); len(got) != 3 || got[0] != EventBooked {
		t.Fatalf("events = %v, want three %s", got, EventBooked)
	}
}

func TestBook_UsesEarliestSessionOnSharedWeekday(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(t, domain.DoctorSchedule{
		DoctorID: "d1", BranchID: "b1", Weekday: int16(time.Monday),
		StartMinute: 7 * 60, EndMinute: 8 * 60, DurationMinutes: 30, Active: true,
	})

	appt := f.book(t, "p1", monday)
	if appt.ScheduledStart.Hour() != 7 {
		t.Fatalf("start = %v, want the 07:00 session", appt.ScheduledStart)
	}
}

func TestBook_PoolExhausted(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(t, domain.DoctorSchedule{
		DoctorID: "d2", BranchID: "b1", Weekday: int16(time.Monday),
		StartMinute: 9 * 60, EndMinute: 10 * 60, DurationMinutes: 25, Active: true,
	})

	book := func(patient string) error {
		_, err := f.svc.Book(context.Background(), BookInput{DoctorID: "d2", BranchID: "b1", PatientID: patient, Date: monday})
		return err
	}
	if err := book("p1"); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	if err := book("p2"); err != nil {
		t.Fatalf("second booking: %v", err)
	}

	err := book("p3")
	var su *SlotUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("err = %T %v, want *SlotUnavailableError", err, err)
	}
}

func TestBook_ConcurrentRequestsNeverShareASlot(t *testing.T) {
	const (
		requests = 50
		capacity = 20
	)
	f := newFixture(t)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		slots       []int
		unavailable int
		other       []error
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appt, err := f.svc.Book(context.Background(), BookInput{
				DoctorID:  "d1",
				BranchID:  "b1",
				PatientID: "p" + strconv.Itoa(i),
				Date:      monday,
			})
			mu.Lock()
			defer mu.Unlock()
			var su *SlotUnavailableError
			switch {
			case err == nil:
				slots = append(slots, appt.SlotNumber)
			case errors.As(err, &su):
				unavailable++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if len(slots) != capacity {
		t.Fatalf("successes = %d, want %d", len(slots), capacity)
	}
	if unavailable != requests-capacity {
		t.Fatalf("unavailable = %d, want %d", unavailable, requests-capacity)
	}
	sort.Ints(slots)
	for i, s := range slots {
		if s != i+1 {
			t.Fatalf("slots = %v, want 1..%d exactly once", slots, capacity)
		}
	}
}

func TestBook_LastSlotRace(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 19; i++ {
		f.book(t, "p"+strconv.Itoa(i), monday)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Book(context.Background(), BookInput{
				DoctorID: "d1", BranchID: "b1", PatientID: "racer" + strconv.Itoa(i), Date: monday,
			})
		}(i)
	}
	wg.Wait()

	ok, unavailable := 0, 0
	for _, err := range errs {
		var su *SlotUnavailableError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &su):
			unavailable++
		}
	}
	if ok != 1 || unavailable != 1 {
		t.Fatalf("errs = %v, want one success and one SlotUnavailableError", errs)
	}
}

func TestBook_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	in := BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday, IdempotencyKey: "k1"}

	first, err := f.svc.Book(context.Background(), in)
	if err != nil {
		t.Fatalf("first Book error: %v", err)
	}
	second, err := f.svc.Book(context.Background(), in)
	if err != nil {
		t.Fatalf("replayed Book error: %v", err)
	}
	if first.ID != second.ID || first.SlotNumber != second.SlotNumber {
		t.Fatalf("replay = %+v, want %+v", second, first)
	}

	active, err := f.ledger.ListActive(context.Background(), first.Pool())
	if err != nil {
		t.Fatalf("ListActive error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if got := f.events(); len(got) != 1 {
		t.Fatalf("events = %v, want a single booking notification", got)
	}

	in.Date = nextMonday
	_, err = f.svc.Book(context.Background(), in)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T %v, want *ConflictError", err, err)
	}
}

func TestBook_OneActiveAppointmentPerPatientAndDay(t *testing.T) {
	f := newFixture(t)
	f.book(t, "p1", monday)

	_, err := f.svc.Book(context.Background(), BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %T %v, want *ValidationError", err, err)
	}

	f.book(t, "p1", nextMonday)
}

func TestBook_ReusesLowestFreedSlot(t *testing.T) {
	f := newFixture(t)
	f.book(t, "p1", monday)
	second := f.book(t, "p2", monday)
	f.book(t, "p3", monday)

	if _, err := f.svc.Cancel(context.Background(), Actor{PatientID: "p2"}, CancelInput{
		AppointmentID: second.ID,
		Reason:        "travel",
		Confirmed:     true,
	}); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	appt := f.book(t, "p4", monday)
	if appt.SlotNumber != 2 {
		t.Fatalf("slot = %d, want freed slot 2", appt.SlotNumber)
	}
	next := f.book(t, "p5", monday)
	if next.SlotNumber != 4 {
		t.Fatalf("slot = %d, want 4", next.SlotNumber)
	}
}

func TestBook_ReleasesExpiredHoldInline(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(t, domain.DoctorSchedule{
		DoctorID: "d2", BranchID: "b1", Weekday: int16(time.Monday),
		StartMinute: 9 * 60, EndMinute: 9*60 + 30, DurationMinutes: 30, Active: true,
	})
	in := BookInput{DoctorID: "d2", BranchID: "b1", PatientID: "p1", Date: monday}

	stale, err := f.svc.Book(context.Background(), in)
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}

	f.clock.Set(baseNow.Add(16 * time.Minute))
	in.PatientID = "p2"
	fresh, err := f.svc.Book(context.Background(), in)
	if err != nil {
		t.Fatalf("Book after hold expiry error: %v", err)
	}
	if fresh.SlotNumber != 1 {
		t.Fatalf("slot = %d, want 1", fresh.SlotNumber)
	}

	released := f.stored(t, stale.ID)
	if released.Status != domain.StatusCancelled || released.CancellationSource != domain.CancellationNone {
		t.Fatalf("released = %+v, want cancelled with source none", released)
	}
	if released.CancelReason != holdExpiredReason {
		t.Fatalf("cancel_reason = %q, want %q", released.CancelReason, holdExpiredReason)
	}

	found := false
	for _, e := range f.events() {
		if e == EventHoldExpired {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %v, want %s", f.events(), EventHoldExpired)
	}
}

func TestBook_NotificationFailureDoesNotUndoBooking(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")

	appt := f.book(t, "p1", monday)
	if got := f.stored(t, appt.ID); got.Status != domain.StatusPending {
		t.Fatalf("stored status = %s, want pending", got.Status)
	}
}

type blockingNotifier struct {
	release chan struct{}
	done    chan error
}

func (n *blockingNotifier) Notify(ctx context.Context, patientID, event string, payload map[string]any) error {
	<-n.release
	if _, ok := ctx.Deadline(); !ok {
		n.done <- errors.New("delivery context has no deadline")
		return nil
	}
	n.done <- ctx.Err()
	return nil
}

func TestBook_DoesNotWaitForNotification(t *testing.T) {
	n := &blockingNotifier{release: make(chan struct{}), done: make(chan error, 1)}
	f := newFixture(t, func(o *Options) { o.Notifier = n })

	ctx, cancel := context.WithCancel(context.Background())
	appt, err := f.svc.Book(ctx, BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday})
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if appt.SlotNumber != 1 {
		t.Fatalf("slot = %d, want 1", appt.SlotNumber)
	}
	cancel()

	close(n.release)
	f.svc.Wait()
	if err := <-n.done; err != nil {
		t.Fatalf("delivery context: %v", err)
	}
}

func TestBook_InitiatesPaymentAfterCommit(t *testing.T) {
	var seen domain.Appointment
	payments := &fakePayments{
		initiateFn: func(ctx context.Context, appt domain.Appointment) (string, error) {
			seen = appt
			return "order-1", nil
		},
	}
	f := newFixture(t, func(o *Options) { o.Payments = payments })

	appt := f.book(t, "p1", monday)
	if seen.ID != appt.ID {
		t.Fatalf("gateway saw %s, want %s", seen.ID, appt.ID)
	}
	if appt.PaymentOrderID != "order-1" {
		t.Fatalf("payment_order_id = %q, want order-1", appt.PaymentOrderID)
	}
	if got := f.stored(t, appt.ID); got.PaymentOrderID != "order-1" {
		t.Fatalf("stored payment_order_id = %q", got.PaymentOrderID)
	}
}

func TestAvailableSlots(t *testing.T) {
	f := newFixture(t)
	f.book(t, "p1", monday)
	f.book(t, "p2", monday)

	slots, err := f.svc.AvailableSlots(context.Background(), "d1", "b1", monday)
	if err != nil {
		t.Fatalf("AvailableSlots error: %v", err)
	}
	if len(slots) != 20 {
		t.Fatalf("len = %d, want 20", len(slots))
	}
	for _, s := range slots {
		wantBooked := s.Number <= 2
		if s.IsBooked != wantBooked || s.IsAvailable == wantBooked {
			t.Fatalf("slot %d booked=%v available=%v", s.Number, s.IsBooked, s.IsAvailable)
		}
	}

	f.clock.Set(baseNow.Add(time.Hour))
	slots, err = f.svc.AvailableSlots(context.Background(), "d1", "b1", monday)
	if err != nil {
		t.Fatalf("AvailableSlots error: %v", err)
	}
	if !slots[0].IsAvailable {
		t.Fatalf("slot 1 still held after the hold lapsed")
	}
}

func TestApplyPayment(t *testing.T) {
	t.Run("success confirms", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, "p1", monday)

		out, err := f.svc.ApplyPayment(context.Background(), Actor{PatientID: "p1"}, PaymentInput{
			AppointmentID: appt.ID,
			OrderID:       "order-9",
			Outcome:       PaymentSucceeded,
		})
		if err != nil {
			t.Fatalf("ApplyPayment error: %v", err)
		}
		if out.Status != domain.StatusConfirmed || out.HoldExpiresAt != nil || out.PaymentOrderID != "order-9" {
			t.Fatalf("out = %+v, want confirmed without hold", out)
		}

		again, err := f.svc.ApplyPayment(context.Background(), Actor{PatientID: "p1"}, PaymentInput{
			AppointmentID: appt.ID,
			Outcome:       PaymentSucceeded,
		})
		if err != nil {
			t.Fatalf("repeated ApplyPayment error: %v", err)
		}
		if again.Version != out.Version {
			t.Fatalf("repeat changed the row: version %d -> %d", out.Version, again.Version)
		}
	})

	t.Run("failure cancels", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, "p1", monday)

		out, err := f.svc.ApplyPayment(context.Background(), Actor{PatientID: "p1"}, PaymentInput{
			AppointmentID: appt.ID,
			Outcome:       PaymentFailed,
		})
		if err != nil {
			t.Fatalf("ApplyPayment error: %v", err)
		}
		if out.Status != domain.StatusCancelled || out.CancelReason != paymentFailedReason {
			t.Fatalf("out = %+v, want cancelled", out)
		}
	})

	t.Run("gateway outcome wins", func(t *testing.T) {
		payments := &fakePayments{
			initiateFn: func(ctx context.Context, appt domain.Appointment) (string, error) { return "order-1", nil },
			confirmFn: func(ctx context.Context, orderID string) (PaymentOutcome, error) {
				return PaymentFailed, nil
			},
		}
		f := newFixture(t, func(o *Options) { o.Payments = payments })
		appt := f.book(t, "p1", monday)

		out, err := f.svc.ApplyPayment(context.Background(), Actor{PatientID: "p1"}, PaymentInput{
			AppointmentID: appt.ID,
			OrderID:       "order-1",
			Outcome:       PaymentSucceeded,
		})
		if err != nil {
			t.Fatalf("ApplyPayment error: %v", err)
		}
		if out.Status != domain.StatusCancelled {
			t.Fatalf("status = %s, want cancelled", out.Status)
		}
	})

	t.Run("expired hold", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, "p1", monday)
		f.clock.Set(baseNow.Add(time.Hour))

		_, err := f.svc.ApplyPayment(context.Background(), Actor{PatientID: "p1"}, PaymentInput{
			AppointmentID: appt.ID,
			Outcome:       PaymentSucceeded,
		})
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %T %v, want *ConflictError", err, err)
		}
	})

	t.Run("invalid outcome", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, "p1", monday)
		_, err := f.svc.ApplyPayment(context.Background(), Actor{PatientID: "p1"}, PaymentInput{
			AppointmentID: appt.ID,
			Outcome:       "maybe",
		})
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("err = %T %v, want *ValidationError", err, err)
		}
	})
}

func TestReleaseExpiredHolds(t *testing.T) {
	f := newFixture(t)
	held := f.book(t, "p1", monday)
	confirmed := f.confirm(t, f.book(t, "p2", monday))

	f.clock.Set(baseNow.Add(5 * time.Minute))
	fresh := f.book(t, "p3", monday)

	f.clock.Set(baseNow.Add(16 * time.Minute))
	n, err := f.svc.ReleaseExpiredHolds(context.Background())
	if err != nil {
		t.Fatalf("ReleaseExpiredHolds error: %v", err)
	}
	if n != 1 {
		t.Fatalf("released = %d, want 1", n)
	}

	if got := f.stored(t, held.ID); got.Status != domain.StatusCancelled {
		t.Fatalf("held status = %s, want cancelled", got.Status)
	}
	if got := f.stored(t, confirmed.ID); got.Status != domain.StatusConfirmed {
		t.Fatalf("confirmed status = %s", got.Status)
	}
	if got := f.stored(t, fresh.ID); got.Status != domain.StatusPending {
		t.Fatalf("fresh hold status = %s, want pending", got.Status)
	}

	n, err = f.svc.ReleaseExpiredHolds(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second run = %d, %v; want 0, nil", n, err)
	}
}

func TestBook_RetriesSlotCollisions(t *testing.T) {
	tests := []struct {
		name       string
		collisions int
		wantTx     int
		wantErr    bool
	}{
		{name: "succeeds after one collision", collisions: 1, wantTx: 2},
		{name: "succeeds on the last attempt", collisions: 2, wantTx: 3},
		{name: "gives up after max attempts", collisions: 10, wantTx: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				txCalls  int
				inserted []uuid.UUID
			)
			tx := &fakeTx{
				insertFn: func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
					inserted = append(inserted, appt.ID)
					if len(inserted) <= tt.collisions {
						return domain.Appointment{}, store.ErrSlotTaken
					}
					appt.Version = 1
					return appt, nil
				},
			}
			ledger := &fakeLedger{
				txFn: func(ctx context.Context, pools []domain.Pool, fn func(ctx context.Context, tx store.LedgerTx) error) error {
					txCalls++
					return fn(ctx, tx)
				},
			}
			svc := NewService(ledger, mondayCatalog(t), Options{
				Now:         func() time.Time { return baseNow },
				MaxAttempts: 3,
			})

			out, err := svc.Book(context.Background(), BookInput{DoctorID: "d1", BranchID: "b1", PatientID: "p1", Date: monday})
			if txCalls != tt.wantTx {
				t.Fatalf("transactions = %d, want %d", txCalls, tt.wantTx)
			}
			if tt.wantErr {
				var su *SlotUnavailableError
				if !errors.As(err, &su) {
					t.Fatalf("err = %T %v, want *SlotUnavailableError", err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Book error: %v", err)
			}
			if out.SlotNumber != 1 || out.Status != domain.StatusPending {
				t.Fatalf("appointment = %+v", out)
			}
			seen := map[uuid.UUID]bool{}
			for _, id := range inserted {
				if seen[id] {
					t.Fatalf("attempts reused id %s", id)
				}
				seen[id] = true
			}
		})
	}
}
