// Package service реализует бизнес-логику шлюза маркетплейса услуг.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/servicefinder/internal/backend"
	"github.com/mmeshcher/servicefinder/internal/booking"
	"github.com/mmeshcher/servicefinder/internal/geocode"
	"github.com/mmeshcher/servicefinder/internal/metrics"
	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/search"
	"github.com/mmeshcher/servicefinder/internal/session"
	"github.com/mmeshcher/servicefinder/internal/validation"
)

var (
	// ErrBookingNotFound возвращается, если бронирование не найдено среди бронирований участника.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrReviewNotAllowed возвращается при попытке оставить отзыв к незавершённому бронированию.
	ErrReviewNotAllowed = errors.New("only completed bookings can be reviewed")
	// ErrAlreadyReviewed возвращается при повторном отзыве.
	ErrAlreadyReviewed = errors.New("booking already has a review")
	// ErrInvalidTransition возвращается при недопустимой смене статуса бронирования.
	ErrInvalidTransition = errors.New("booking status transition not allowed")
	// ErrConfirmationRequired возвращается при удалении без явного подтверждения.
	ErrConfirmationRequired = errors.New("destructive action requires confirmation")
)

// Backend описывает вызовы бэкенда маркетплейса, используемые сервисом.
type Backend interface {
	booking.Backend
	RegisterUser(ctx context.Context, reg model.UserRegistration) (*model.User, error)
	RegisterProvider(ctx context.Context, reg model.ProviderRegistration) (*model.Provider, error)
	GetProvider(ctx context.Context, creds session.Credentials, id int64) (*model.Provider, error)
	UserBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error)
	UpdateProfile(ctx context.Context, creds session.Credentials, upd model.ProfileUpdate) (*model.User, error)
	SubmitReview(ctx context.Context, creds session.Credentials, r model.Review) (*model.Review, error)
	UpdateProviderProfile(ctx context.Context, creds session.Credentials, upd model.ProviderProfileUpdate) (*model.Provider, error)
	ProviderBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error)
	UpdateBookingStatus(ctx context.Context, creds session.Credentials, bookingID int64, status model.BookingStatus) (*model.Booking, error)
	AdminUsers(ctx context.Context, creds session.Credentials) ([]model.User, error)
	AdminProviders(ctx context.Context, creds session.Credentials) ([]model.Provider, error)
	AdminBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error)
	DeleteUser(ctx context.Context, creds session.Credentials, id int64) error
	DeleteProvider(ctx context.Context, creds session.Credentials, id int64) error
}

// PaymentJournal описывает журнал платёжных заказов с выборкой неподтверждённых.
type PaymentJournal interface {
	booking.Journal
	UnconfirmedOrders(ctx context.Context) ([]model.PaymentOrder, error)
}

// Options содержит зависимости сервиса.
type Options struct {
	Backend         Backend
	Sessions        *session.Manager
	Searcher        *search.Searcher
	IPLocator       *geocode.IPLocator
	Journal         PaymentJournal
	Checkout        booking.CheckoutConfig
	CheckoutTimeout time.Duration
	AttemptTTL      time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	// Closer закрывается вместе с сервисом, обычно это репозиторий.
	Closer io.Closer
}

// Service содержит бизнес-логику шлюза.
type Service struct {
	backend         Backend
	sessions        *session.Manager
	searcher        *search.Searcher
	ipLocator       *geocode.IPLocator
	journal         PaymentJournal
	checkout        booking.CheckoutConfig
	checkoutTimeout time.Duration
	attempts        *attempts
	logger          *zap.Logger
	metrics         *metrics.Metrics
	closer          io.Closer
}

// NewService создаёт сервис.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.CheckoutTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ttl := opts.AttemptTTL
	if ttl <= timeout {
		ttl = timeout + 15*time.Minute
	}

	return &Service{
		backend:         opts.Backend,
		sessions:        opts.Sessions,
		searcher:        opts.Searcher,
		ipLocator:       opts.IPLocator,
		journal:         opts.Journal,
		checkout:        opts.Checkout,
		checkoutTimeout: timeout,
		attempts:        newAttempts(ttl, logger),
		logger:          logger,
		metrics:         opts.Metrics,
		closer:          opts.Closer,
	}
}

// shutdownWait ограничивает ожидание фоновых оплат при закрытии сервиса.
const shutdownWait = 5 * time.Second

// Close закрывает открытые платёжные окна, дожидается записи их итогов и освобождает ресурсы сервиса.
func (s *Service) Close() error {
	s.attempts.flush(shutdownWait)
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Login открывает сессию пользователя или исполнителя.
func (s *Service) Login(ctx context.Context, email, password string) (string, session.Credentials, error) {
	return s.sessions.Login(ctx, email, password)
}

// LoginAdmin открывает сессию администратора.
func (s *Service) LoginAdmin(ctx context.Context, email, password string) (string, session.Credentials, error) {
	return s.sessions.LoginAdmin(ctx, email, password)
}

// Logout закрывает сессию.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.Logout(ctx, sessionID)
}

// RegisterUser регистрирует пользователя.
func (s *Service) RegisterUser(ctx context.Context, reg model.UserRegistration) (*model.User, error) {
	if err := validation.Struct(reg); err != nil {
		return nil, err
	}
	return s.backend.RegisterUser(ctx, reg)
}

// RegisterProvider регистрирует исполнителя.
func (s *Service) RegisterProvider(ctx context.Context, reg model.ProviderRegistration) (*model.Provider, error) {
	if err := validation.Struct(reg); err != nil {
		return nil, err
	}
	return s.backend.RegisterProvider(ctx, reg)
}

// Device описывает, что известно о местоположении устройства из запроса.
type Device struct {
	Reported *model.Coordinate
	ClientIP string
}

func (s *Service) locator(d Device) geocode.DeviceLocator {
	chain := geocode.Chain{geocode.Reported{Coordinate: d.Reported}}
	if s.ipLocator != nil {
		chain = append(chain, s.ipLocator.ForAddr(d.ClientIP))
	}
	return chain
}

// MapSearch определяет центр карты и ищет исполнителей вокруг него.
func (s *Service) MapSearch(ctx context.Context, creds session.Credentials, q search.MapQuery, d Device) (*search.MapView, error) {
	return s.searcher.MapSearch(ctx, creds, q, s.locator(d))
}

// NearbySearch ищет исполнителей вокруг заданной точки.
func (s *Service) NearbySearch(ctx context.Context, creds session.Credentials, q backend.NearbyQuery) ([]model.Provider, error) {
	return s.searcher.Nearby(ctx, creds, q)
}

// TextSearch ищет исполнителей по типу услуги и местоположению.
func (s *Service) TextSearch(ctx context.Context, creds session.Credentials, serviceType, location string) ([]model.Provider, error) {
	return s.searcher.Search(ctx, creds, serviceType, location)
}

// ChatbotFulfilment отвечает на вебхук диалогового агента. Агент ждёт ответа с кодом 200,
// поэтому сбой поиска превращается в search.NoResultsReply.
func (s *Service) ChatbotFulfilment(ctx context.Context, req model.ChatbotRequest) *model.ChatbotResponse {
	text, err := s.searcher.Fulfil(ctx, req.QueryResult)
	if err != nil {
		s.logger.Warn("chatbot search failed",
			zap.String("intent", req.QueryResult.Intent.DisplayName), zap.Error(err))
		text = search.NoResultsReply
	}
	return &model.ChatbotResponse{FulfillmentText: text}
}

// Provider возвращает карточку исполнителя.
func (s *Service) Provider(ctx context.Context, creds session.Credentials, id int64) (*model.Provider, error) {
	return s.backend.GetProvider(ctx, creds, id)
}

// UserBookings возвращает бронирования пользователя.
func (s *Service) UserBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error) {
	return s.backend.UserBookings(ctx, creds)
}

// SubmitReview оставляет отзыв к завершённому бронированию без отзыва.
func (s *Service) SubmitReview(ctx context.Context, creds session.Credentials, r model.Review) (*model.Review, error) {
	if err := validation.Struct(r); err != nil {
		return nil, err
	}

	bookings, err := s.backend.UserBookings(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	b, ok := findBooking(bookings, r.BookingID)
	if !ok {
		return nil, ErrBookingNotFound
	}
	if b.Status != model.BookingCompleted {
		return nil, ErrReviewNotAllowed
	}
	if b.Review != nil {
		return nil, ErrAlreadyReviewed
	}

	return s.backend.SubmitReview(ctx, creds, r)
}

// UpdateProfile меняет профиль пользователя.
func (s *Service) UpdateProfile(ctx context.Context, creds session.Credentials, upd model.ProfileUpdate) (*model.User, error) {
	if err := validation.Struct(upd); err != nil {
		return nil, err
	}
	return s.backend.UpdateProfile(ctx, creds, upd)
}

// UpdateProviderProfile меняет профиль исполнителя.
func (s *Service) UpdateProviderProfile(ctx context.Context, creds session.Credentials, upd model.ProviderProfileUpdate) (*model.Provider, error) {
	if err := validation.Struct(upd); err != nil {
		return nil, err
	}
	return s.backend.UpdateProviderProfile(ctx, creds, upd)
}

// ProviderBookings возвращает бронирования исполнителя.
func (s *Service) ProviderBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error) {
	return s.backend.ProviderBookings(ctx, creds)
}

// UpdateBookingStatus меняет статус бронирования исполнителем. Статус только продвигается вперёд.
func (s *Service) UpdateBookingStatus(ctx context.Context, creds session.Credentials, bookingID int64, status string) (*model.Booking, error) {
	to, err := model.ParseBookingStatus(status)
	if err != nil {
		return nil, &validation.Error{Fields: []validation.FieldError{{Field: "status", Message: "has an unsupported value"}}}
	}

	bookings, err := s.backend.ProviderBookings(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	b, ok := findBooking(bookings, bookingID)
	if !ok {
		return nil, ErrBookingNotFound
	}
	if b.Status.Terminal() {
		return nil, fmt.Errorf("%w: booking is already %s", ErrInvalidTransition, b.Status)
	}
	if !model.CanTransition(b.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}

	return s.backend.UpdateBookingStatus(ctx, creds, bookingID, to)
}

// AdminUsers возвращает всех пользователей.
func (s *Service) AdminUsers(ctx context.Context, creds session.Credentials) ([]model.User, error) {
	return s.backend.AdminUsers(ctx, creds)
}

// AdminProviders возвращает всех исполнителей.
func (s *Service) AdminProviders(ctx context.Context, creds session.Credentials) ([]model.Provider, error) {
	return s.backend.AdminProviders(ctx, creds)
}

// AdminBookings возвращает все бронирования.
func (s *Service) AdminBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error) {
	return s.backend.AdminBookings(ctx, creds)
}

// DeleteUser удаляет пользователя. Без confirmed запрос к бэкенду не отправляется.
func (s *Service) DeleteUser(ctx context.Context, creds session.Credentials, id int64, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	if err := s.backend.DeleteUser(ctx, creds, id); err != nil {
		return err
	}
	s.logger.Info("user deleted", zap.Int64("user", id), zap.Int64("admin", creds.UserID))
	return nil
}

// DeleteProvider удаляет исполнителя. Без confirmed запрос к бэкенду не отправляется.
func (s *Service) DeleteProvider(ctx context.Context, creds session.Credentials, id int64, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	if err := s.backend.DeleteProvider(ctx, creds, id); err != nil {
		return err
	}
	s.logger.Info("provider deleted", zap.Int64("provider", id), zap.Int64("admin", creds.UserID))
	return nil
}

// UnconfirmedPayments возвращает платежи, по которым бронирование не подтвердилось.
func (s *Service) UnconfirmedPayments(ctx context.Context) ([]model.PaymentOrder, error) {
	if s.journal == nil {
		return []model.PaymentOrder{}, nil
	}
	orders, err := s.journal.UnconfirmedOrders(ctx)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.PaymentOrder{}
	}
	return orders, nil
}

func findBooking(bookings []model.Booking, id int64) (model.Booking, bool) {
	for _, b := range bookings {
		if b.ID == id {
			return b, true
		}
	}
	return model.Booking{}, false
}
