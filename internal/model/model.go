// Package model содержит доменные сущности маркетплейса услуг.
package model

import (
	"fmt"
	"math"
	"time"
)

// Coordinate описывает точку на карте в градусах WGS84.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// String возвращает координату в виде "lat,lng".
func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Provider описывает исполнителя услуг в том виде, в котором его отдаёт бэкенд.
type Provider struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Email           string   `json:"email,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	ServiceType     string   `json:"serviceType"`
	ExperienceYears int      `json:"experienceYears"`
	ServiceCost     float64  `json:"serviceCost"`
	Location        string   `json:"location,omitempty"`
	Availability    string   `json:"availability,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Role            string   `json:"role,omitempty"`
}

// Coordinate возвращает координату исполнителя, если бэкенд прислал обе её части.
func (p Provider) Coordinate() (Coordinate, bool) {
	if p.Latitude == nil || p.Longitude == nil {
		return Coordinate{}, false
	}
	return Coordinate{Lat: *p.Latitude, Lng: *p.Longitude}, true
}

// CostMinorUnits переводит стоимость услуги в минимальные денежные единицы.
func (p Provider) CostMinorUnits() int64 {
	return int64(math.Round(p.ServiceCost * 100))
}

// User описывает конечного пользователя маркетплейса.
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Location string `json:"location,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Review описывает отзыв к завершённому бронированию.
type Review struct {
	ID        int64  `json:"id,omitempty"`
	BookingID int64  `json:"bookingId" validate:"gt=0"`
	Rating    int    `json:"rating" validate:"min=1,max=5"`
	Comment   string `json:"comment"`
}

// Booking описывает бронирование в том виде, в котором его отдаёт бэкенд.
type Booking struct {
	ID                int64         `json:"id"`
	Status            BookingStatus `json:"status"`
	UserID            int64         `json:"userId,omitempty"`
	UserName          string        `json:"userName,omitempty"`
	UserEmail         string        `json:"userEmail,omitempty"`
	ServiceProviderID int64         `json:"serviceProviderId"`
	ProviderName      string        `json:"providerName,omitempty"`
	ProviderEmail     string        `json:"providerEmail,omitempty"`
	DateOfService     string        `json:"dateOfService"`
	TimeSlot          string        `json:"timeSlot"`
	PaymentMethod     PaymentMethod `json:"paymentMethod"`
	Review            *Review       `json:"review,omitempty"`
}

// BookingRequest содержит тело запроса на создание бронирования.
type BookingRequest struct {
	ServiceProviderID int64         `json:"serviceProviderId"`
	DateOfService     string        `json:"dateOfService"`
	TimeSlot          string        `json:"timeSlot"`
	PaymentMethod     PaymentMethod `json:"paymentMethod,omitempty"`
}

// PaymentConfirmation содержит тройку, которую платёжный шлюз возвращает после оплаты.
type PaymentConfirmation struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

// PaymentVerification содержит тело запроса на проверку платежа и создание бронирования.
type PaymentVerification struct {
	PaymentConfirmation
	Booking BookingRequest `json:"bookingDTO"`
}

// PaymentOrderStatus описывает стадию жизненного цикла платёжного заказа.
type PaymentOrderStatus string

const (
	PaymentOrderCreated     PaymentOrderStatus = "CREATED"
	PaymentOrderDismissed   PaymentOrderStatus = "DISMISSED"
	PaymentOrderVerified    PaymentOrderStatus = "VERIFIED"
	PaymentOrderUnconfirmed PaymentOrderStatus = "UNCONFIRMED"
	PaymentOrderFailed      PaymentOrderStatus = "FAILED"
)

// PaymentOrder описывает заказ платёжного шлюза и его судьбу.
type PaymentOrder struct {
	OrderID     string             `json:"orderId"`
	AttemptID   string             `json:"attemptId"`
	UserID      int64              `json:"userId"`
	ProviderID  int64              `json:"providerId"`
	AmountMinor int64              `json:"amountMinor"`
	Currency    string             `json:"currency"`
	Status      PaymentOrderStatus `json:"status"`
	PaymentID   string             `json:"paymentId,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// AuthResponse описывает ответ бэкенда на вход пользователя или администратора.
type AuthResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
	Name  string `json:"name"`
	ID    int64  `json:"id"`
}

// LoginRequest содержит учётные данные для входа.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserRegistration содержит данные регистрации пользователя.
type UserRegistration struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
}

// ProviderRegistration содержит данные регистрации исполнителя.
type ProviderRegistration struct {
	Name            string  `json:"name" validate:"required"`
	Email           string  `json:"email" validate:"required,email"`
	Password        string  `json:"password" validate:"required"`
	Phone           string  `json:"phone"`
	ServiceType     string  `json:"serviceType" validate:"required"`
	ExperienceYears int     `json:"experienceYears" validate:"gte=0"`
	ServiceCost     float64 `json:"serviceCost" validate:"gte=0"`
	Location        string  `json:"location"`
	Availability    string  `json:"availability"`
}

// ProfileUpdate описывает изменение профиля пользователя.
type ProfileUpdate struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
}

// ProviderProfileUpdate описывает изменение профиля исполнителя.
type ProviderProfileUpdate struct {
	Name            string  `json:"name" validate:"required"`
	Email           string  `json:"email" validate:"required,email"`
	ServiceType     string  `json:"serviceType" validate:"required"`
	Phone           string  `json:"phone"`
	ExperienceYears int     `json:"experienceYears" validate:"gte=0"`
	ServiceCost     float64 `json:"serviceCost" validate:"gte=0"`
	Location        string  `json:"location"`
	Availability    string  `json:"availability"`
}

// ChatbotRequest описывает вызов вебхука диалогового агента в формате Dialogflow.
type ChatbotRequest struct {
	QueryResult ChatbotQuery `json:"queryResult"`
}

// ChatbotQuery содержит распознанное намерение и его параметры.
type ChatbotQuery struct {
	Intent     ChatbotIntent     `json:"intent"`
	Parameters ChatbotParameters `json:"parameters"`
}

type ChatbotIntent struct {
	DisplayName string `json:"displayName"`
}

type ChatbotParameters struct {
	ServiceCategory string `json:"service_category"`
	Location        string `json:"location"`
}

// ChatbotResponse содержит текст ответа агенту.
type ChatbotResponse struct {
	FulfillmentText string `json:"fulfillmentText"`
}
