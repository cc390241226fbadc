package model

import (
	"fmt"
	"strings"
)

// BookingStatus описывает статус бронирования.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingAccepted  BookingStatus = "ACCEPTED"
	BookingCompleted BookingStatus = "COMPLETED"
	BookingRejected  BookingStatus = "REJECTED"
	BookingCancelled BookingStatus = "CANCELLED"
)

// ParseBookingStatus разбирает статус без учёта регистра.
func ParseBookingStatus(s string) (BookingStatus, error) {
	st := BookingStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case BookingPending, BookingAccepted, BookingCompleted, BookingRejected, BookingCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown booking status %q", s)
}

// Terminal сообщает, что из статуса нет переходов.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingCompleted, BookingRejected, BookingCancelled:
		return true
	}
	return false
}

// CanTransition проверяет, разрешён ли переход статуса бронирования.
// Статус только продвигается вперёд: PENDING -> ACCEPTED | REJECTED, ACCEPTED -> COMPLETED.
func CanTransition(from, to BookingStatus) bool {
	switch from {
	case BookingPending:
		return to == BookingAccepted || to == BookingRejected
	case BookingAccepted:
		return to == BookingCompleted
	}
	return false
}

// PaymentMethod описывает способ оплаты бронирования.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentOnline PaymentMethod = "ONLINE"
)

// ParsePaymentMethod разбирает способ оплаты без учёта регистра.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case PaymentCash, PaymentOnline:
		return m, nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}
