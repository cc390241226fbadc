package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/servicefinder/internal/model"
)

// MemoryJournal хранит журнал платёжных заказов в памяти процесса.
// Используется, когда база данных не настроена: записи живут до перезапуска.
type MemoryJournal struct {
	mu     sync.RWMutex
	orders map[string]model.PaymentOrder
	now    func() time.Time
}

// NewMemoryJournal создаёт пустой журнал в памяти.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		orders: make(map[string]model.PaymentOrder),
		now:    time.Now,
	}
}

// RecordOrder сохраняет созданный платёжный заказ.
func (j *MemoryJournal) RecordOrder(ctx context.Context, o model.PaymentOrder) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.orders[o.OrderID]; ok {
		return fmt.Errorf("%w: %s", ErrOrderExists, o.OrderID)
	}

	now := j.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	j.orders[o.OrderID] = o
	return nil
}

// UpdateOrder фиксирует итог платёжного заказа. Пустой paymentID не затирает сохранённый.
func (j *MemoryJournal) UpdateOrder(ctx context.Context, orderID string, status model.PaymentOrderStatus, paymentID, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	o, ok := j.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	o.Status = status
	if paymentID != "" {
		o.PaymentID = paymentID
	}
	o.Detail = detail
	o.UpdatedAt = j.now()
	j.orders[orderID] = o
	return nil
}

// UnconfirmedOrders возвращает заказы, оплата которых не подтверждена бэкендом, начиная с последних.
func (j *MemoryJournal) UnconfirmedOrders(ctx context.Context) ([]model.PaymentOrder, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	orders := make([]model.PaymentOrder, 0)
	for _, o := range j.orders {
		if o.Status == model.PaymentOrderUnconfirmed {
			orders = append(orders, o)
		}
	}

	sort.Slice(orders, func(a, b int) bool {
		return orders[a].UpdatedAt.After(orders[b].UpdatedAt)
	})
	return orders, nil
}
