package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mmeshcher/servicefinder/internal/booking"
	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/session"
)

// ErrAttemptNotFound возвращается, если попытка бронирования не найдена или принадлежит другому участнику.
var ErrAttemptNotFound = errors.New("booking attempt not found")

type run struct {
	done    chan struct{}
	booking *model.Booking
	err     error
}

type attempt struct {
	orch  *booking.Orchestrator
	relay *booking.Relay

	// online показывает, занят ли Relay онлайн-оплатой этой попытки
	online atomic.Bool

	mu     sync.Mutex
	run    *run
	cancel context.CancelFunc
}

func (a *attempt) current() *run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

func (a *attempt) abort() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	// без открытого виджета прерываем фоновую попытку через контекст
	if err := a.relay.Dismiss(); err != nil && cancel != nil {
		cancel()
	}
}

type attempts struct {
	c      *gocache.Cache
	logger *zap.Logger
}

func newAttempts(ttl time.Duration, logger *zap.Logger) *attempts {
	c := gocache.New(ttl, ttl/2)
	c.OnEvicted(func(id string, v interface{}) {
		if a, ok := v.(*attempt); ok {
			a.abort()
			logger.Debug("booking attempt evicted", zap.String("attempt", id))
		}
	})
	return &attempts{c: c, logger: logger}
}

func (r *attempts) put(a *attempt) {
	r.c.SetDefault(a.orch.ID(), a)
}

func (r *attempts) get(creds session.Credentials, id string) (*attempt, error) {
	v, ok := r.c.Get(id)
	if !ok {
		return nil, ErrAttemptNotFound
	}
	a := v.(*attempt)
	if a.orch.Owner().UserID != creds.UserID {
		return nil, ErrAttemptNotFound
	}
	// продлеваем жизнь активной попытки
	r.c.SetDefault(id, a)
	return a, nil
}

// flush прерывает все попытки и ждёт завершения фоновых оплат не дольше wait,
// чтобы итог заказа успел попасть в журнал.
func (r *attempts) flush(wait time.Duration) {
	var runs []*run
	for id, item := range r.c.Items() {
		if a, ok := item.Object.(*attempt); ok {
			if cur := a.current(); cur != nil {
				runs = append(runs, cur)
			}
		}
		r.c.Delete(id)
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for _, cur := range runs {
		select {
		case <-cur.done:
		case <-deadline.C:
			r.logger.Warn("booking attempts still running on shutdown")
			return
		}
	}
}

// AttemptResult описывает итог отправки формы или платёжного колбэка.
type AttemptResult struct {
	Attempt  booking.Snapshot  `json:"attempt"`
	Booking  *model.Booking    `json:"booking,omitempty"`
	Checkout *booking.Checkout `json:"checkout,omitempty"`
}

// Pending сообщает, что ожидается действие пользователя в платёжном виджете.
func (r *AttemptResult) Pending() bool {
	return r.Checkout != nil && r.Booking == nil
}

// StartAttempt начинает попытку бронирования выбранного исполнителя.
func (s *Service) StartAttempt(ctx context.Context, creds session.Credentials, providerID int64) (booking.Snapshot, error) {
	p, err := s.backend.GetProvider(ctx, creds, providerID)
	if err != nil {
		return booking.Snapshot{}, fmt.Errorf("load provider: %w", err)
	}

	relay := booking.NewRelay()
	orch := booking.New(uuid.NewString(), creds, booking.Prefill{Name: creds.Name}, booking.Options{
		Backend:  s.backend,
		Gateway:  relay,
		Journal:  s.journal,
		Checkout: s.checkout,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	if err := orch.Select(*p); err != nil {
		return booking.Snapshot{}, err
	}

	s.attempts.put(&attempt{orch: orch, relay: relay})
	return orch.Snapshot(), nil
}

// Attempt возвращает состояние попытки.
func (s *Service) Attempt(creds session.Credentials, id string) (booking.Snapshot, error) {
	a, err := s.attempts.get(creds, id)
	if err != nil {
		return booking.Snapshot{}, err
	}
	return a.orch.Snapshot(), nil
}

// SubmitAttempt отправляет форму. Оплата наличными завершается в рамках запроса.
// Онлайн-оплата продолжается в фоне, а ответ возвращается, как только открыт платёжный виджет.
func (s *Service) SubmitAttempt(ctx context.Context, creds session.Credentials, id string, form booking.Form) (*AttemptResult, error) {
	a, err := s.attempts.get(creds, id)
	if err != nil {
		return nil, err
	}

	if m, err := model.ParsePaymentMethod(string(form.Method)); err == nil && m == model.PaymentOnline {
		return s.submitOnline(ctx, a, form)
	}

	b, err := a.orch.Submit(ctx, form)
	if err != nil {
		return nil, err
	}
	return &AttemptResult{Attempt: a.orch.Snapshot(), Booking: b}, nil
}

func (s *Service) submitOnline(ctx context.Context, a *attempt, form booking.Form) (*AttemptResult, error) {
	if !a.online.CompareAndSwap(false, true) {
		return nil, booking.ErrSubmissionInFlight
	}

	opened := a.relay.Watch()
	rctx, cancel := context.WithTimeout(context.Background(), s.checkoutTimeout)
	r := &run{done: make(chan struct{})}

	a.mu.Lock()
	a.run = r
	a.cancel = cancel
	a.mu.Unlock()

	go func() {
		b, err := a.orch.Submit(rctx, form)
		cancel()

		r.booking, r.err = b, err
		a.online.Store(false)
		close(r.done)
	}()

	select {
	case c := <-opened:
		return &AttemptResult{Attempt: a.orch.Snapshot(), Checkout: &c}, nil
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return &AttemptResult{Attempt: a.orch.Snapshot(), Booking: r.booking}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConfirmPayment передаёт подтверждение платёжного виджета и ждёт проверки платежа бэкендом.
func (s *Service) ConfirmPayment(ctx context.Context, creds session.Credentials, id string, conf model.PaymentConfirmation) (*AttemptResult, error) {
	a, err := s.attempts.get(creds, id)
	if err != nil {
		return nil, err
	}

	r := a.current()
	if err := a.relay.Confirm(conf); err != nil {
		return nil, err
	}

	return s.await(ctx, a, r)
}

// DismissPayment сообщает о закрытии платёжного виджета пользователем.
func (s *Service) DismissPayment(ctx context.Context, creds session.Credentials, id string) (booking.Snapshot, error) {
	a, err := s.attempts.get(creds, id)
	if err != nil {
		return booking.Snapshot{}, err
	}

	r := a.current()
	if err := a.relay.Dismiss(); err != nil {
		return booking.Snapshot{}, err
	}

	if _, err := s.await(ctx, a, r); err != nil && !errors.Is(err, booking.ErrPaymentDismissed) {
		return booking.Snapshot{}, err
	}
	return a.orch.Snapshot(), nil
}

func (s *Service) await(ctx context.Context, a *attempt, r *run) (*AttemptResult, error) {
	if r == nil {
		return &AttemptResult{Attempt: a.orch.Snapshot()}, nil
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if r.err != nil {
		return nil, r.err
	}
	return &AttemptResult{Attempt: a.orch.Snapshot(), Booking: r.booking}, nil
}
