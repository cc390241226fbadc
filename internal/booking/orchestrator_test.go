package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/servicefinder/internal/backend"
	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/session"
	"github.com/mmeshcher/servicefinder/internal/validation"
)

type stubBackend struct {
	mu sync.Mutex

	bookReqs []model.BookingRequest
	bookErr  error
	bookGate chan struct{}
	entered  chan struct{}

	orderAmounts []float64
	orderID      string
	orderErr     error

	verifyReqs []model.PaymentVerification
	verifyErr  error
}

func (s *stubBackend) BookService(ctx context.Context, creds session.Credentials, req model.BookingRequest) (*model.Booking, error) {
	s.mu.Lock()
	s.bookReqs = append(s.bookReqs, req)
	gate, entered, err := s.bookGate, s.entered, s.bookErr
	s.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &model.Booking{
		ID:                100,
		Status:            model.BookingPending,
		ServiceProviderID: req.ServiceProviderID,
		DateOfService:     req.DateOfService,
		TimeSlot:          req.TimeSlot,
		PaymentMethod:     req.PaymentMethod,
	}, nil
}

func (s *stubBackend) CreatePaymentOrder(ctx context.Context, creds session.Credentials, amount float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderAmounts = append(s.orderAmounts, amount)
	return s.orderID, s.orderErr
}

func (s *stubBackend) VerifyPayment(ctx context.Context, creds session.Credentials, v model.PaymentVerification) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyReqs = append(s.verifyReqs, v)
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &model.Booking{
		ID:                200,
		Status:            model.BookingPending,
		ServiceProviderID: v.Booking.ServiceProviderID,
		DateOfService:     v.Booking.DateOfService,
		TimeSlot:          v.Booking.TimeSlot,
		PaymentMethod:     model.PaymentOnline,
	}, nil
}

func (s *stubBackend) counts() (book, order, verify int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bookReqs), len(s.orderAmounts), len(s.verifyReqs)
}

// scriptedGateway сразу разрешает Future заданным результатом.
type scriptedGateway struct {
	outcome  Outcome
	opened   []Checkout
	onOpened func()
}

func (g *scriptedGateway) Open(ctx context.Context, c Checkout) *Future {
	g.opened = append(g.opened, c)
	if g.onOpened != nil {
		g.onOpened()
	}
	f := NewFuture()
	f.Resolve(g.outcome)
	return f
}

type memJournal struct {
	mu       sync.Mutex
	orders   []model.PaymentOrder
	statuses []model.PaymentOrderStatus
}

func (j *memJournal) RecordOrder(ctx context.Context, o model.PaymentOrder) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, o)
	j.statuses = append(j.statuses, o.Status)
	return nil
}

func (j *memJournal) UpdateOrder(ctx context.Context, orderID string, status model.PaymentOrderStatus, paymentID, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses = append(j.statuses, status)
	return nil
}

var plumber = model.Provider{ID: 7, Name: "Ravi", ServiceType: "Plumbing", ServiceCost: 499.99}

func newAttempt(t *testing.T, b Backend, g Gateway, j Journal) *Orchestrator {
	t.Helper()
	o := New("att-1", session.Credentials{Token: "tkn", Role: model.RoleUser, Name: "Asha", UserID: 3},
		Prefill{Name: "Asha"}, Options{
			Backend:  b,
			Gateway:  g,
			Journal:  j,
			Checkout: CheckoutConfig{Key: "rzp_test", Currency: "INR", Merchant: "ServiceFinder", ThemeColor: "#2563eb"},
		})
	require.NoError(t, o.Select(plumber))
	return o
}

func statesOf(h []Transition) []State {
	out := make([]State, 0, len(h))
	for _, tr := range h {
		out = append(out, tr.To)
	}
	return out
}

func TestCashBooking(t *testing.T) {
	b := &stubBackend{}
	o := newAttempt(t, b, nil, nil)

	got, err := o.Submit(context.Background(), Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentCash})
	require.NoError(t, err)

	require.Len(t, b.bookReqs, 1)
	assert.Equal(t, model.BookingRequest{
		ServiceProviderID: 7,
		DateOfService:     "2025-06-01",
		TimeSlot:          "14:00",
		PaymentMethod:     model.PaymentCash,
	}, b.bookReqs[0])

	assert.Equal(t, model.BookingPending, got.Status)
	assert.Equal(t, model.PaymentCash, got.PaymentMethod)
	assert.Equal(t, Success, o.State())
	assert.Equal(t, []State{FormOpen, CashConfirming, Success}, statesOf(o.Snapshot().History))

	_, err = o.Submit(context.Background(), Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentCash})
	assert.ErrorIs(t, err, ErrAlreadyBooked)
	assert.Len(t, b.bookReqs, 1)
}

func TestDoubleSubmitSendsOneRequest(t *testing.T) {
	b := &stubBackend{bookGate: make(chan struct{}), entered: make(chan struct{})}
	o := newAttempt(t, b, nil, nil)
	form := Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentCash}

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), form)
		done <- err
	}()

	<-b.entered
	assert.True(t, o.Snapshot().InFlight)

	_, err := o.Submit(context.Background(), form)
	assert.ErrorIs(t, err, ErrSubmissionInFlight)
	assert.ErrorIs(t, o.Select(plumber), ErrSubmissionInFlight)

	close(b.bookGate)
	require.NoError(t, <-done)

	book, _, _ := b.counts()
	assert.Equal(t, 1, book)
}

func TestOnlineBooking(t *testing.T) {
	b := &stubBackend{orderID: "order_abc123"}
	j := &memJournal{}
	conf := model.PaymentConfirmation{OrderID: "order_abc123", PaymentID: "pay_29QQoUBi66xm2f", Signature: "sig"}

	g := &scriptedGateway{outcome: Confirmed(conf)}
	g.onOpened = func() {
		book, _, verify := b.counts()
		assert.Zero(t, book)
		assert.Zero(t, verify)
	}
	o := newAttempt(t, b, g, j)

	got, err := o.Submit(context.Background(), Form{Date: "2025-06-01", TimeSlot: "14:00", Method: "online"})
	require.NoError(t, err)

	assert.Equal(t, []float64{499.99}, b.orderAmounts)

	require.Len(t, g.opened, 1)
	c := g.opened[0]
	assert.Equal(t, "order_abc123", c.OrderID)
	assert.Equal(t, int64(49999), c.Amount)
	assert.Equal(t, "INR", c.Currency)
	assert.Equal(t, "rzp_test", c.Key)
	assert.Equal(t, "Booking with Ravi", c.Description)
	assert.Equal(t, "Asha", c.Prefill.Name)
	assert.Equal(t, "#2563eb", c.Theme.Color)

	require.Len(t, b.verifyReqs, 1)
	assert.Equal(t, conf, b.verifyReqs[0].PaymentConfirmation)
	assert.Equal(t, model.BookingRequest{ServiceProviderID: 7, DateOfService: "2025-06-01", TimeSlot: "14:00"}, b.verifyReqs[0].Booking)
	assert.Empty(t, b.bookReqs)

	assert.Equal(t, model.PaymentOnline, got.PaymentMethod)
	assert.Equal(t, model.BookingPending, got.Status)
	assert.Equal(t, []State{FormOpen, OnlineOrderCreating, OnlineGatewayOpen, OnlineVerifying, Success},
		statesOf(o.Snapshot().History))

	assert.Equal(t, []model.PaymentOrderStatus{model.PaymentOrderCreated, model.PaymentOrderVerified}, j.statuses)
	require.Len(t, j.orders, 1)
	assert.Equal(t, int64(3), j.orders[0].UserID)
	assert.Equal(t, "att-1", j.orders[0].AttemptID)
}

func TestOnlineBooking_NoBookingBeforeVerification(t *testing.T) {
	b := &stubBackend{orderID: "order_abc123"}
	relay := NewRelay()
	o := newAttempt(t, b, relay, nil)

	opened := relay.Watch()
	done := make(chan *model.Booking, 1)
	go func() {
		got, err := o.Submit(context.Background(), Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentOnline})
		assert.NoError(t, err)
		done <- got
	}()

	c := <-opened
	assert.Equal(t, "order_abc123", c.OrderID)

	snap := o.Snapshot()
	assert.Equal(t, OnlineGatewayOpen, snap.State)
	assert.Nil(t, snap.Booking)
	require.NotNil(t, snap.Checkout)
	book, _, verify := b.counts()
	assert.Zero(t, book)
	assert.Zero(t, verify)

	pending, ok := relay.Pending()
	require.True(t, ok)
	assert.Equal(t, c, pending)

	require.NoError(t, relay.Confirm(model.PaymentConfirmation{OrderID: "order_abc123", PaymentID: "pay_1", Signature: "s"}))

	got := <-done
	require.NotNil(t, got)
	assert.Equal(t, int64(200), got.ID)

	_, ok = relay.Pending()
	assert.False(t, ok)
	assert.ErrorIs(t, relay.Dismiss(), ErrNoCheckout)
}

func TestOnlineBooking_Dismissed(t *testing.T) {
	b := &stubBackend{orderID: "order_abc123"}
	j := &memJournal{}
	relay := NewRelay()
	o := newAttempt(t, b, relay, j)

	opened := relay.Watch()
	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentOnline})
		done <- err
	}()

	<-opened
	require.NoError(t, relay.Dismiss())

	assert.ErrorIs(t, <-done, ErrPaymentDismissed)
	assert.Equal(t, FormOpen, o.State())

	snap := o.Snapshot()
	n := len(snap.History)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, Failed, snap.History[n-2].To)
	assert.Equal(t, FormOpen, snap.History[n-1].To)
	assert.Equal(t, "2025-06-01", snap.Form.Date)

	_, _, verify := b.counts()
	assert.Zero(t, verify)
	assert.Equal(t, []model.PaymentOrderStatus{model.PaymentOrderCreated, model.PaymentOrderDismissed}, j.statuses)
}

func TestOnlineBooking_VerificationFails(t *testing.T) {
	b := &stubBackend{
		orderID:   "order_abc123",
		verifyErr: &backend.APIError{StatusCode: 400, Message: "Payment verification failed"},
	}
	j := &memJournal{}
	g := &scriptedGateway{outcome: Confirmed(model.PaymentConfirmation{OrderID: "order_abc123", PaymentID: "pay_9", Signature: "bad"})}
	o := newAttempt(t, b, g, j)

	_, err := o.Submit(context.Background(), Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentOnline})

	var uerr *UnconfirmedPaymentError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "order_abc123", uerr.OrderID)
	assert.Equal(t, "pay_9", uerr.PaymentID)
	assert.Contains(t, uerr.Error(), "contact support")

	var apiErr *backend.APIError
	assert.ErrorAs(t, err, &apiErr)

	assert.Equal(t, Failed, o.State())
	assert.Nil(t, o.Snapshot().Booking)
	assert.Equal(t, []model.PaymentOrderStatus{model.PaymentOrderCreated, model.PaymentOrderUnconfirmed}, j.statuses)
}

func TestOnlineBooking_OrderCreationFails(t *testing.T) {
	b := &stubBackend{orderErr: errors.New("gateway unreachable")}
	j := &memJournal{}
	g := &scriptedGateway{}
	o := newAttempt(t, b, g, j)

	_, err := o.Submit(context.Background(), Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentOnline})
	require.Error(t, err)

	assert.Equal(t, Failed, o.State())
	assert.Empty(t, g.opened)
	assert.Empty(t, j.statuses)
	_, _, verify := b.counts()
	assert.Zero(t, verify)
}

func TestOnlineBooking_GatewayTimeout(t *testing.T) {
	b := &stubBackend{orderID: "order_abc123"}
	j := &memJournal{}
	relay := NewRelay()
	o := newAttempt(t, b, relay, j)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := o.Submit(ctx, Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentOnline})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Failed, o.State())

	assert.Eventually(t, func() bool {
		_, ok := relay.Pending()
		return !ok
	}, time.Second, 10*time.Millisecond)

	_, _, verify := b.counts()
	assert.Zero(t, verify)
	assert.Equal(t, []model.PaymentOrderStatus{model.PaymentOrderCreated, model.PaymentOrderFailed}, j.statuses)
}

func TestValidationBlocksNetwork(t *testing.T) {
	tests := []struct {
		name string
		form Form
	}{
		{name: "empty date", form: Form{TimeSlot: "14:00", Method: model.PaymentCash}},
		{name: "blank time slot", form: Form{Date: "2025-06-01", TimeSlot: "   ", Method: model.PaymentCash}},
		{name: "unknown method", form: Form{Date: "2025-06-01", TimeSlot: "14:00", Method: "CHEQUE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &stubBackend{}
			o := newAttempt(t, b, nil, nil)

			_, err := o.Submit(context.Background(), tt.form)
			assert.True(t, validation.IsValidationError(err), "got %v", err)
			assert.Equal(t, FormOpen, o.State())

			book, order, verify := b.counts()
			assert.Zero(t, book+order+verify)
		})
	}
}

func TestCashFailureKeepsFormForRetry(t *testing.T) {
	b := &stubBackend{bookErr: &backend.APIError{StatusCode: 500, Message: "An error occurred"}}
	o := newAttempt(t, b, nil, nil)
	form := Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentCash}

	_, err := o.Submit(context.Background(), form)
	require.Error(t, err)

	snap := o.Snapshot()
	assert.Equal(t, Failed, snap.State)
	assert.Equal(t, form, snap.Form)
	assert.NotEmpty(t, snap.Error)

	b.mu.Lock()
	b.bookErr = nil
	b.mu.Unlock()

	got, err := o.Submit(context.Background(), snap.Form)
	require.NoError(t, err)
	assert.Equal(t, model.BookingPending, got.Status)
	assert.Equal(t, Success, o.State())
}

func TestSelectAndSubmitPreconditions(t *testing.T) {
	o := New("att-2", session.Anonymous(), Prefill{}, Options{Backend: &stubBackend{}})

	_, err := o.Submit(context.Background(), Form{Date: "2025-06-01", TimeSlot: "14:00", Method: model.PaymentCash})
	assert.ErrorIs(t, err, ErrNoProvider)

	assert.ErrorIs(t, o.Select(model.Provider{ServiceCost: 10}), ErrInvalidProvider)
	assert.ErrorIs(t, o.Select(model.Provider{ID: 1, ServiceCost: -1}), ErrInvalidProvider)
	assert.Equal(t, Idle, o.State())

	require.NoError(t, o.Select(model.Provider{ID: 1, ServiceCost: 0}))
	assert.Equal(t, FormOpen, o.State())
}

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture()
	assert.True(t, f.Resolve(Dismissed()))
	assert.False(t, f.Resolve(Errored(errors.New("late"))))

	out, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDismissed, out.Kind)
}
