package booking

import (
	"context"
	"errors"
	"sync"

	"github.com/mmeshcher/servicefinder/internal/model"
)

// ErrNoCheckout возвращается, если у попытки нет открытого платёжного виджета.
var ErrNoCheckout = errors.New("no checkout is open")

// OutcomeKind показывает, чем закончилось взаимодействие с платёжным виджетом.
type OutcomeKind int

const (
	OutcomeConfirmed OutcomeKind = iota + 1
	OutcomeDismissed
	OutcomeError
)

// Outcome содержит результат платёжного виджета.
type Outcome struct {
	Kind         OutcomeKind
	Confirmation model.PaymentConfirmation
	Err          error
}

// Confirmed означает, что пользователь оплатил и шлюз вернул тройку подтверждения.
func Confirmed(c model.PaymentConfirmation) Outcome {
	return Outcome{Kind: OutcomeConfirmed, Confirmation: c}
}

// Dismissed означает, что пользователь закрыл виджет.
func Dismissed() Outcome {
	return Outcome{Kind: OutcomeDismissed}
}

// Errored означает, что виджет сообщил об ошибке.
func Errored(err error) Outcome {
	return Outcome{Kind: OutcomeError, Err: err}
}

// Future разрешается ровно один раз.
type Future struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// NewFuture создаёт неразрешённый Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve задаёт результат. Повторные вызовы игнорируются и возвращают false.
func (f *Future) Resolve(o Outcome) bool {
	resolved := false
	f.once.Do(func() {
		f.outcome = o
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done закрывается после разрешения.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait ждёт результат или отмену ctx.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Prefill содержит данные покупателя для формы оплаты.
type Prefill struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// Theme задаёт оформление виджета.
type Theme struct {
	Color string `json:"color,omitempty"`
}

// Checkout содержит параметры открытия платёжного виджета.
type Checkout struct {
	Key         string  `json:"key"`
	Amount      int64   `json:"amount"`
	Currency    string  `json:"currency"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	OrderID     string  `json:"order_id"`
	Prefill     Prefill `json:"prefill"`
	Theme       Theme   `json:"theme"`
}

// Gateway открывает платёжный виджет и возвращает Future с его результатом.
type Gateway interface {
	Open(ctx context.Context, c Checkout) *Future
}

// Relay передаёт параметры виджета в браузер и принимает оттуда колбэки
// handler и ondismiss.
type Relay struct {
	mu       sync.Mutex
	watch    chan Checkout
	future   *Future
	checkout *Checkout
}

// NewRelay создаёт Relay.
func NewRelay() *Relay {
	return &Relay{}
}

// Watch возвращает канал, в который попадёт следующий открытый Checkout.
func (r *Relay) Watch() <-chan Checkout {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.watch = make(chan Checkout, 1)
	return r.watch
}

// Open публикует Checkout и ждёт колбэков браузера. При отмене ctx
// виджет считается закрытым с ошибкой.
func (r *Relay) Open(ctx context.Context, c Checkout) *Future {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.future != nil {
		r.future.Resolve(Errored(errors.New("checkout superseded")))
	}

	f := NewFuture()
	r.future = f
	r.checkout = &c

	if r.watch != nil {
		r.watch <- c
		r.watch = nil
	}

	go func() {
		select {
		case <-f.Done():
		case <-ctx.Done():
			r.expire(f, ctx.Err())
		}
	}()

	return f
}

func (r *Relay) expire(f *Future, err error) {
	r.mu.Lock()
	if r.future == f {
		r.future = nil
		r.checkout = nil
	}
	r.mu.Unlock()

	f.Resolve(Errored(err))
}

// Pending возвращает открытый Checkout.
func (r *Relay) Pending() (Checkout, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.checkout == nil {
		return Checkout{}, false
	}
	return *r.checkout, true
}

// Confirm передаёт тройку подтверждения из колбэка handler.
func (r *Relay) Confirm(c model.PaymentConfirmation) error {
	return r.resolve(Confirmed(c))
}

// Dismiss передаёт закрытие виджета пользователем.
func (r *Relay) Dismiss() error {
	return r.resolve(Dismissed())
}

// Fail передаёт ошибку виджета.
func (r *Relay) Fail(err error) error {
	return r.resolve(Errored(err))
}

func (r *Relay) resolve(o Outcome) error {
	r.mu.Lock()
	f := r.future
	r.future = nil
	r.checkout = nil
	r.mu.Unlock()

	if f == nil || !f.Resolve(o) {
		return ErrNoCheckout
	}
	return nil
}
