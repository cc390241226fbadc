// Package booking ведёт одну попытку бронирования от выбора исполнителя
// до созданного бронирования или ошибки.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/servicefinder/internal/metrics"
	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/session"
	"github.com/mmeshcher/servicefinder/internal/validation"
)

var (
	ErrSubmissionInFlight = errors.New("booking submission already in progress")
	ErrPaymentDismissed   = errors.New("payment window was closed")
	ErrInvalidProvider    = errors.New("provider id and cost must be known")
	ErrNoProvider         = errors.New("no provider selected")
	ErrAlreadyBooked      = errors.New("booking already confirmed")
)

// UnconfirmedPaymentError возвращается, если платёж прошёл через шлюз, но бэкенд не подтвердил бронирование.
type UnconfirmedPaymentError struct {
	OrderID   string
	PaymentID string
	Err       error
}

func (e *UnconfirmedPaymentError) Error() string {
	return fmt.Sprintf("payment %s for order %s was attempted but the booking was not confirmed; retry or contact support",
		e.PaymentID, e.OrderID)
}

func (e *UnconfirmedPaymentError) Unwrap() error {
	return e.Err
}

// Backend описывает вызовы бэкенда, которые делает попытка бронирования.
type Backend interface {
	BookService(ctx context.Context, creds session.Credentials, req model.BookingRequest) (*model.Booking, error)
	CreatePaymentOrder(ctx context.Context, creds session.Credentials, amount float64) (string, error)
	VerifyPayment(ctx context.Context, creds session.Credentials, v model.PaymentVerification) (*model.Booking, error)
}

// Journal записывает судьбу платёжных заказов для службы поддержки.
type Journal interface {
	RecordOrder(ctx context.Context, o model.PaymentOrder) error
	UpdateOrder(ctx context.Context, orderID string, status model.PaymentOrderStatus, paymentID, detail string) error
}

// CheckoutConfig содержит постоянные параметры платёжного виджета.
type CheckoutConfig struct {
	Key        string
	Currency   string
	Merchant   string
	ThemeColor string
}

// Options содержит зависимости попытки бронирования.
type Options struct {
	Backend  Backend
	Gateway  Gateway
	Journal  Journal
	Checkout CheckoutConfig
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Snapshot описывает состояние попытки для отображения.
type Snapshot struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	Provider  *model.Provider `json:"provider,omitempty"`
	Form      Form            `json:"form"`
	Booking   *model.Booking  `json:"booking,omitempty"`
	Error     string          `json:"error,omitempty"`
	Checkout  *Checkout       `json:"checkout,omitempty"`
	InFlight  bool            `json:"inFlight"`
	History   []Transition    `json:"history"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Orchestrator ведёт одну попытку бронирования.
type Orchestrator struct {
	id      string
	creds   session.Credentials
	prefill Prefill
	opts    Options
	logger  *zap.Logger

	inFlight atomic.Bool

	mu       sync.Mutex
	state    State
	provider *model.Provider
	form     Form
	booking  *model.Booking
	checkout *Checkout
	lastErr  string
	history  []Transition
	updated  time.Time
}

// New создаёт попытку в состоянии Idle.
func New(id string, creds session.Credentials, prefill Prefill, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		id:      id,
		creds:   creds,
		prefill: prefill,
		opts:    opts,
		logger:  logger.With(zap.String("attempt", id)),
		state:   Idle,
		updated: time.Now(),
	}
}

// ID возвращает идентификатор попытки.
func (o *Orchestrator) ID() string {
	return o.id
}

// Owner возвращает учётные данные пользователя, начавшего попытку.
func (o *Orchestrator) Owner() session.Credentials {
	return o.creds
}

// State возвращает текущее состояние.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Select открывает форму для исполнителя.
func (o *Orchestrator) Select(p model.Provider) error {
	if p.ID <= 0 || p.ServiceCost < 0 {
		return ErrInvalidProvider
	}
	if o.inFlight.Load() {
		return ErrSubmissionInFlight
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Pending() {
		return ErrSubmissionInFlight
	}

	o.provider = &p
	o.form = Form{}
	o.booking = nil
	o.lastErr = ""
	o.transition(FormOpen)
	return nil
}

// Submit проверяет форму и проводит бронирование наличными или онлайн.
// Одновременно по попытке выполняется не больше одного Submit.
func (o *Orchestrator) Submit(ctx context.Context, form Form) (*model.Booking, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSubmissionInFlight
	}
	defer o.inFlight.Store(false)

	form = form.normalized()

	o.mu.Lock()
	switch o.state {
	case FormOpen:
	case Failed:
		o.transition(FormOpen)
	case Success:
		o.mu.Unlock()
		return nil, ErrAlreadyBooked
	default:
		o.mu.Unlock()
		return nil, ErrNoProvider
	}
	provider := *o.provider
	o.mu.Unlock()

	if err := validation.Struct(form); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.form = form
	o.lastErr = ""
	o.mu.Unlock()

	if form.Method == model.PaymentOnline {
		return o.payOnline(ctx, provider, form)
	}
	return o.payCash(ctx, provider, form)
}

func (o *Orchestrator) payCash(ctx context.Context, p model.Provider, form Form) (*model.Booking, error) {
	o.setState(CashConfirming)

	b, err := o.opts.Backend.BookService(ctx, o.creds, model.BookingRequest{
		ServiceProviderID: p.ID,
		DateOfService:     form.Date,
		TimeSlot:          form.TimeSlot,
		PaymentMethod:     model.PaymentCash,
	})
	if err != nil {
		o.fail(err)
		o.opts.Metrics.BookingFinished(string(model.PaymentCash), "failed")
		return nil, fmt.Errorf("book service: %w", err)
	}

	o.succeed(b)
	o.opts.Metrics.BookingFinished(string(model.PaymentCash), "success")
	o.logger.Info("cash booking created", zap.Int64("booking", b.ID), zap.Int64("provider", p.ID))
	return b, nil
}

func (o *Orchestrator) payOnline(ctx context.Context, p model.Provider, form Form) (*model.Booking, error) {
	method := string(model.PaymentOnline)
	o.setState(OnlineOrderCreating)

	orderID, err := o.opts.Backend.CreatePaymentOrder(ctx, o.creds, p.ServiceCost)
	if err != nil {
		o.fail(err)
		o.opts.Metrics.BookingFinished(method, "order_failed")
		return nil, fmt.Errorf("create payment order: %w", err)
	}

	checkout := Checkout{
		Key:         o.opts.Checkout.Key,
		Amount:      p.CostMinorUnits(),
		Currency:    o.opts.Checkout.Currency,
		Name:        o.opts.Checkout.Merchant,
		Description: "Booking with " + p.Name,
		OrderID:     orderID,
		Prefill:     o.prefill,
		Theme:       Theme{Color: o.opts.Checkout.ThemeColor},
	}

	o.journal(func(j Journal) error {
		return j.RecordOrder(ctx, model.PaymentOrder{
			OrderID:     orderID,
			AttemptID:   o.id,
			UserID:      o.creds.UserID,
			ProviderID:  p.ID,
			AmountMinor: checkout.Amount,
			Currency:    checkout.Currency,
			Status:      model.PaymentOrderCreated,
		})
	})

	o.mu.Lock()
	o.checkout = &checkout
	o.transition(OnlineGatewayOpen)
	o.mu.Unlock()

	outcome, err := o.opts.Gateway.Open(ctx, checkout).Wait(ctx)
	if err != nil {
		outcome = Errored(err)
	}

	o.mu.Lock()
	o.checkout = nil
	o.mu.Unlock()

	switch outcome.Kind {
	case OutcomeDismissed:
		o.mu.Lock()
		o.transition(Failed)
		o.transition(FormOpen)
		o.lastErr = ErrPaymentDismissed.Error()
		o.mu.Unlock()
		o.updateOrder(ctx, orderID, model.PaymentOrderDismissed, "", "")
		o.opts.Metrics.BookingFinished(method, "dismissed")
		return nil, ErrPaymentDismissed

	case OutcomeConfirmed:
		return o.verify(ctx, p, form, orderID, outcome.Confirmation)

	default:
		gwErr := outcome.Err
		if gwErr == nil {
			gwErr = errors.New("unknown gateway outcome")
		}
		o.fail(gwErr)
		o.updateOrder(ctx, orderID, model.PaymentOrderFailed, "", gwErr.Error())
		o.opts.Metrics.BookingFinished(method, "gateway_failed")
		return nil, fmt.Errorf("payment gateway: %w", gwErr)
	}
}

func (o *Orchestrator) verify(ctx context.Context, p model.Provider, form Form, orderID string, conf model.PaymentConfirmation) (*model.Booking, error) {
	method := string(model.PaymentOnline)
	o.setState(OnlineVerifying)

	b, err := o.opts.Backend.VerifyPayment(ctx, o.creds, model.PaymentVerification{
		PaymentConfirmation: conf,
		Booking: model.BookingRequest{
			ServiceProviderID: p.ID,
			DateOfService:     form.Date,
			TimeSlot:          form.TimeSlot,
		},
	})
	if err != nil {
		uerr := &UnconfirmedPaymentError{OrderID: orderID, PaymentID: conf.PaymentID, Err: err}
		o.fail(uerr)
		o.updateOrder(ctx, orderID, model.PaymentOrderUnconfirmed, conf.PaymentID, err.Error())
		o.opts.Metrics.BookingFinished(method, "unconfirmed")
		o.logger.Error("payment not confirmed by backend",
			zap.String("order", orderID), zap.String("payment", conf.PaymentID), zap.Error(err))
		return nil, uerr
	}

	o.succeed(b)
	o.updateOrder(ctx, orderID, model.PaymentOrderVerified, conf.PaymentID, "")
	o.opts.Metrics.BookingFinished(method, "success")
	o.logger.Info("online booking verified", zap.Int64("booking", b.ID), zap.String("order", orderID))
	return b, nil
}

// Snapshot возвращает копию текущего состояния.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		ID:        o.id,
		State:     o.state,
		Form:      o.form,
		Error:     o.lastErr,
		InFlight:  o.inFlight.Load(),
		History:   append([]Transition(nil), o.history...),
		UpdatedAt: o.updated,
	}
	if o.provider != nil {
		p := *o.provider
		s.Provider = &p
	}
	if o.booking != nil {
		b := *o.booking
		s.Booking = &b
	}
	if o.checkout != nil {
		c := *o.checkout
		s.Checkout = &c
	}
	return s
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transition(s)
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = err.Error()
	o.transition(Failed)
}

func (o *Orchestrator) succeed(b *model.Booking) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.booking = b
	o.transition(Success)
}

// transition вызывается под o.mu.
func (o *Orchestrator) transition(to State) {
	now := time.Now()
	o.history = append(o.history, Transition{From: o.state, To: to, At: now})
	o.state = to
	o.updated = now
}

func (o *Orchestrator) journal(fn func(Journal) error) {
	if o.opts.Journal == nil {
		return
	}
	if err := fn(o.opts.Journal); err != nil {
		o.logger.Warn("payment journal write failed", zap.Error(err))
	}
}

func (o *Orchestrator) updateOrder(ctx context.Context, orderID string, status model.PaymentOrderStatus, paymentID, detail string) {
	// запись журнала не должна зависеть от отменённого контекста попытки
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	o.journal(func(j Journal) error {
		return j.UpdateOrder(jctx, orderID, status, paymentID, detail)
	})
}
