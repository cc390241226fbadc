package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/session"
)

// NearbyQuery содержит параметры поиска исполнителей в радиусе от точки.
type NearbyQuery struct {
	Center      model.Coordinate
	Radius      float64
	ServiceType string
}

// Login выполняет обычный вход.
func (c *Client) Login(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	err := c.do(ctx, session.Anonymous(), http.MethodPost, "/auth/login", nil,
		model.LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// LoginAdmin выполняет вход администратора.
func (c *Client) LoginAdmin(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	err := c.do(ctx, session.Anonymous(), http.MethodPost, "/auth/login/admin", nil,
		model.LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterUser регистрирует пользователя.
func (c *Client) RegisterUser(ctx context.Context, reg model.UserRegistration) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, session.Anonymous(), http.MethodPost, "/auth/register/user", nil, reg, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// RegisterProvider регистрирует исполнителя.
func (c *Client) RegisterProvider(ctx context.Context, reg model.ProviderRegistration) (*model.Provider, error) {
	var p model.Provider
	if err := c.do(ctx, session.Anonymous(), http.MethodPost, "/auth/register/provider", nil, reg, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SearchNearby запрашивает исполнителей в радиусе от точки. Порядок ответа сохраняется.
func (c *Client) SearchNearby(ctx context.Context, creds session.Credentials, q NearbyQuery) ([]model.Provider, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(q.Center.Lat, 'f', -1, 64))
	params.Set("lng", strconv.FormatFloat(q.Center.Lng, 'f', -1, 64))
	params.Set("radius", strconv.FormatFloat(q.Radius, 'f', -1, 64))
	if q.ServiceType != "" {
		params.Set("serviceType", q.ServiceType)
	}

	providers := []model.Provider{}
	if err := c.do(ctx, creds, http.MethodGet, "/user/search/nearby", params, nil, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// SearchProviders выполняет текстовый поиск по типу услуги и местоположению.
func (c *Client) SearchProviders(ctx context.Context, creds session.Credentials, serviceType, location string) ([]model.Provider, error) {
	params := url.Values{}
	if serviceType != "" {
		params.Set("serviceType", serviceType)
	}
	if location != "" {
		params.Set("location", location)
	}

	providers := []model.Provider{}
	if err := c.do(ctx, creds, http.MethodGet, "/user/search", params, nil, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// GetProvider возвращает исполнителя по идентификатору.
func (c *Client) GetProvider(ctx context.Context, creds session.Credentials, id int64) (*model.Provider, error) {
	var p model.Provider
	if err := c.do(ctx, creds, http.MethodGet, fmt.Sprintf("/user/provider/%d", id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// BookService создаёт бронирование с оплатой наличными.
func (c *Client) BookService(ctx context.Context, creds session.Credentials, req model.BookingRequest) (*model.Booking, error) {
	var b model.Booking
	if err := c.do(ctx, creds, http.MethodPost, "/user/book", nil, req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreatePaymentOrder создаёт заказ в платёжном шлюзе и возвращает его идентификатор.
func (c *Client) CreatePaymentOrder(ctx context.Context, creds session.Credentials, amount float64) (string, error) {
	orderID, err := c.doText(ctx, creds, http.MethodPost, "/payment/create-order", map[string]float64{"amount": amount})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", fmt.Errorf("create payment order: empty order id")
	}
	return orderID, nil
}

// VerifyPayment передаёт подтверждение шлюза бэкенду; только он создаёт бронирование для онлайн-оплаты.
func (c *Client) VerifyPayment(ctx context.Context, creds session.Credentials, v model.PaymentVerification) (*model.Booking, error) {
	var raw json.RawMessage
	if err := c.do(ctx, creds, http.MethodPost, "/payment/verify-payment", nil, v, &raw); err != nil {
		return nil, err
	}

	// Бэкенд отвечает либо {"status", "message", "booking"}, либо самим бронированием.
	var envelope struct {
		Booking *model.Booking `json:"booking"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Booking != nil {
		return envelope.Booking, nil
	}

	var b model.Booking
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode booking: %w", err)
	}
	if b.ID == 0 {
		return nil, fmt.Errorf("verify payment: response has no booking")
	}
	return &b, nil
}

// UserBookings возвращает бронирования текущего пользователя.
func (c *Client) UserBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error) {
	bookings := []model.Booking{}
	if err := c.do(ctx, creds, http.MethodGet, "/user/bookings", nil, nil, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// UpdateProfile обновляет профиль пользователя.
func (c *Client) UpdateProfile(ctx context.Context, creds session.Credentials, upd model.ProfileUpdate) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, creds, http.MethodPut, "/user/profile", nil, upd, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SubmitReview отправляет отзыв к бронированию.
func (c *Client) SubmitReview(ctx context.Context, creds session.Credentials, r model.Review) (*model.Review, error) {
	var out model.Review
	if err := c.do(ctx, creds, http.MethodPost, "/user/review", nil, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProviderProfile обновляет профиль исполнителя.
func (c *Client) UpdateProviderProfile(ctx context.Context, creds session.Credentials, upd model.ProviderProfileUpdate) (*model.Provider, error) {
	var p model.Provider
	if err := c.do(ctx, creds, http.MethodPut, "/provider/profile", nil, upd, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProviderBookings возвращает бронирования текущего исполнителя.
func (c *Client) ProviderBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error) {
	bookings := []model.Booking{}
	if err := c.do(ctx, creds, http.MethodGet, "/provider/bookings", nil, nil, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// UpdateBookingStatus меняет статус бронирования от имени исполнителя.
func (c *Client) UpdateBookingStatus(ctx context.Context, creds session.Credentials, bookingID int64, status model.BookingStatus) (*model.Booking, error) {
	var b model.Booking
	path := fmt.Sprintf("/provider/bookings/%d/status", bookingID)
	if err := c.do(ctx, creds, http.MethodPut, path, nil, map[string]string{"status": string(status)}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AdminUsers возвращает всех пользователей.
func (c *Client) AdminUsers(ctx context.Context, creds session.Credentials) ([]model.User, error) {
	users := []model.User{}
	if err := c.do(ctx, creds, http.MethodGet, "/admin/users", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// AdminProviders возвращает всех исполнителей.
func (c *Client) AdminProviders(ctx context.Context, creds session.Credentials) ([]model.Provider, error) {
	providers := []model.Provider{}
	if err := c.do(ctx, creds, http.MethodGet, "/admin/providers", nil, nil, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// AdminBookings возвращает все бронирования.
func (c *Client) AdminBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error) {
	bookings := []model.Booking{}
	if err := c.do(ctx, creds, http.MethodGet, "/admin/bookings", nil, nil, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// DeleteUser удаляет пользователя.
func (c *Client) DeleteUser(ctx context.Context, creds session.Credentials, id int64) error {
	return c.do(ctx, creds, http.MethodDelete, fmt.Sprintf("/admin/users/%d", id), nil, nil, nil)
}

// DeleteProvider удаляет исполнителя.
func (c *Client) DeleteProvider(ctx context.Context, creds session.Credentials, id int64) error {
	return c.do(ctx, creds, http.MethodDelete, fmt.Sprintf("/admin/providers/%d", id), nil, nil, nil)
}
