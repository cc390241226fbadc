package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/servicefinder/internal/model"
)

// State описывает стадию попытки бронирования.
type State int

const (
	Idle State = iota
	FormOpen
	CashConfirming
	OnlineOrderCreating
	OnlineGatewayOpen
	OnlineVerifying
	Success
	Failed
)

var stateNames = [...]string{
	Idle:                "IDLE",
	FormOpen:            "FORM_OPEN",
	CashConfirming:      "CASH_CONFIRMING",
	OnlineOrderCreating: "ONLINE_ORDER_CREATING",
	OnlineGatewayOpen:   "ONLINE_GATEWAY_OPEN",
	OnlineVerifying:     "ONLINE_VERIFYING",
	Success:             "SUCCESS",
	Failed:              "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText кодирует состояние строкой.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText разбирает имя состояния.
func (s *State) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown booking state %q", text)
}

// Pending сообщает, что по попытке идёт запрос или открыт платёжный виджет.
func (s State) Pending() bool {
	switch s {
	case CashConfirming, OnlineOrderCreating, OnlineGatewayOpen, OnlineVerifying:
		return true
	}
	return false
}

// Transition описывает запись истории переходов.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Form содержит данные формы бронирования.
type Form struct {
	Date     string              `json:"dateOfService" validate:"required"`
	TimeSlot string              `json:"timeSlot" validate:"required"`
	Method   model.PaymentMethod `json:"paymentMethod" validate:"required,oneof=CASH ONLINE"`
}

func (f Form) normalized() Form {
	f.Date = strings.TrimSpace(f.Date)
	f.TimeSlot = strings.TrimSpace(f.TimeSlot)
	if m, err := model.ParsePaymentMethod(strings.TrimSpace(string(f.Method))); err == nil {
		f.Method = m
	}
	return f
}
