// Package handler содержит HTTP-обработчики API шлюза маркетплейса услуг.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/servicefinder/internal/backend"
	"github.com/mmeshcher/servicefinder/internal/booking"
	"github.com/mmeshcher/servicefinder/internal/metrics"
	"github.com/mmeshcher/servicefinder/internal/middleware"
	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/search"
	"github.com/mmeshcher/servicefinder/internal/service"
	"github.com/mmeshcher/servicefinder/internal/session"
	"github.com/mmeshcher/servicefinder/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Login(ctx context.Context, email, password string) (string, session.Credentials, error)
	LoginAdmin(ctx context.Context, email, password string) (string, session.Credentials, error)
	Logout(ctx context.Context, sessionID string) error
	RegisterUser(ctx context.Context, reg model.UserRegistration) (*model.User, error)
	RegisterProvider(ctx context.Context, reg model.ProviderRegistration) (*model.Provider, error)

	MapSearch(ctx context.Context, creds session.Credentials, q search.MapQuery, d service.Device) (*search.MapView, error)
	NearbySearch(ctx context.Context, creds session.Credentials, q backend.NearbyQuery) ([]model.Provider, error)
	TextSearch(ctx context.Context, creds session.Credentials, serviceType, location string) ([]model.Provider, error)
	Provider(ctx context.Context, creds session.Credentials, id int64) (*model.Provider, error)
	ChatbotFulfilment(ctx context.Context, req model.ChatbotRequest) *model.ChatbotResponse

	StartAttempt(ctx context.Context, creds session.Credentials, providerID int64) (booking.Snapshot, error)
	Attempt(creds session.Credentials, id string) (booking.Snapshot, error)
	SubmitAttempt(ctx context.Context, creds session.Credentials, id string, form booking.Form) (*service.AttemptResult, error)
	ConfirmPayment(ctx context.Context, creds session.Credentials, id string, conf model.PaymentConfirmation) (*service.AttemptResult, error)
	DismissPayment(ctx context.Context, creds session.Credentials, id string) (booking.Snapshot, error)

	UserBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error)
	SubmitReview(ctx context.Context, creds session.Credentials, r model.Review) (*model.Review, error)
	UpdateProfile(ctx context.Context, creds session.Credentials, upd model.ProfileUpdate) (*model.User, error)

	UpdateProviderProfile(ctx context.Context, creds session.Credentials, upd model.ProviderProfileUpdate) (*model.Provider, error)
	ProviderBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error)
	UpdateBookingStatus(ctx context.Context, creds session.Credentials, bookingID int64, status string) (*model.Booking, error)

	AdminUsers(ctx context.Context, creds session.Credentials) ([]model.User, error)
	AdminProviders(ctx context.Context, creds session.Credentials) ([]model.Provider, error)
	AdminBookings(ctx context.Context, creds session.Credentials) ([]model.Booking, error)
	DeleteUser(ctx context.Context, creds session.Credentials, id int64, confirmed bool) error
	DeleteProvider(ctx context.Context, creds session.Credentials, id int64, confirmed bool) error
	UnconfirmedPayments(ctx context.Context) ([]model.PaymentOrder, error)
}

// HeaderConfirm задаёт заголовок явного подтверждения удаления.
const HeaderConfirm = "X-Confirm"

// Handler реализует HTTP-обработчики API шлюза.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// m и gatherer необязательны: без gatherer маршрут /metrics не регистрируется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, m *metrics.Metrics, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
		gatherer:       gatherer,
	}
}

type sessionResponse struct {
	Role   model.Role `json:"role"`
	Name   string     `json:"name"`
	UserID int64      `json:"userId"`
}

func newSessionResponse(c session.Credentials) sessionResponse {
	return sessionResponse{Role: c.Role, Name: c.Name, UserID: c.UserID}
}

// Login выполняет вход пользователя или исполнителя и устанавливает cookie сессии.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, h.service.Login)
}

// LoginAdmin выполняет вход администратора.
func (h *Handler) LoginAdmin(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, h.service.LoginAdmin)
}

type loginFunc func(ctx context.Context, email, password string) (string, session.Credentials, error)

func (h *Handler) login(w http.ResponseWriter, r *http.Request, fn loginFunc) {
	var req model.LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	id, creds, err := fn(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		h.writeError(w, r, err, "login")
		return
	}

	h.authMiddleware.SetSessionCookie(w, id)
	writeJSON(w, http.StatusOK, newSessionResponse(creds))
}

// Logout закрывает сессию и удаляет cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var err error
	if id, ok := middleware.SessionIDFromContext(r.Context()); ok {
		err = h.service.Logout(r.Context(), id)
	}

	// cookie удаляется при любом исходе
	h.authMiddleware.ClearSessionCookie(w)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		h.writeError(w, r, err, "logout")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me возвращает роль и имя текущего участника.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSessionResponse(middleware.CredentialsFromContext(r.Context())))
}

// RegisterUser регистрирует пользователя.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req model.UserRegistration
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, "register user")
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// RegisterProvider регистрирует исполнителя.
func (h *Handler) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req model.ProviderRegistration
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.service.RegisterProvider(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, "register provider")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ChatbotHook обслуживает вебхук диалогового агента.
func (h *Handler) ChatbotHook(w http.ResponseWriter, r *http.Request) {
	var req model.ChatbotRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.service.ChatbotFulfilment(r.Context(), req))
}

// Map определяет центр карты и возвращает исполнителей вокруг него.
func (h *Handler) Map(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	radius, ok := optionalFloat(w, q.Get("radius"), "radius")
	if !ok {
		return
	}

	d := service.Device{ClientIP: clientIP(r)}
	if lat, lng := q.Get("deviceLat"), q.Get("deviceLng"); lat != "" && lng != "" {
		c, ok := parseCoordinate(w, lat, lng)
		if !ok {
			return
		}
		d.Reported = &c
	}

	view, err := h.service.MapSearch(r.Context(), middleware.CredentialsFromContext(r.Context()), search.MapQuery{
		Location:    q.Get("location"),
		ServiceType: q.Get("serviceType"),
		Radius:      radius,
	}, d)
	if err != nil {
		h.writeError(w, r, err, "map search")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Nearby ищет исполнителей вокруг заданной точки.
func (h *Handler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	center, ok := parseCoordinate(w, q.Get("lat"), q.Get("lng"))
	if !ok {
		return
	}
	radius, ok := optionalFloat(w, q.Get("radius"), "radius")
	if !ok {
		return
	}

	providers, err := h.service.NearbySearch(r.Context(), middleware.CredentialsFromContext(r.Context()), backend.NearbyQuery{
		Center:      center,
		Radius:      radius,
		ServiceType: q.Get("serviceType"),
	})
	if err != nil {
		h.writeError(w, r, err, "nearby search")
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

// Search ищет исполнителей по типу услуги и местоположению.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	providers, err := h.service.TextSearch(r.Context(), middleware.CredentialsFromContext(r.Context()),
		q.Get("serviceType"), q.Get("location"))
	if err != nil {
		h.writeError(w, r, err, "text search")
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

// Provider возвращает карточку исполнителя.
func (h *Handler) Provider(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	p, err := h.service.Provider(r.Context(), middleware.CredentialsFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err, "get provider")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type startAttemptRequest struct {
	ProviderID int64 `json:"providerId"`
}

// StartAttempt начинает попытку бронирования выбранного исполнителя.
func (h *Handler) StartAttempt(w http.ResponseWriter, r *http.Request) {
	var req startAttemptRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ProviderID <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "providerId is required")
		return
	}

	snap, err := h.service.StartAttempt(r.Context(), middleware.CredentialsFromContext(r.Context()), req.ProviderID)
	if err != nil {
		h.writeError(w, r, err, "start attempt")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// Attempt возвращает состояние попытки бронирования.
func (h *Handler) Attempt(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Attempt(middleware.CredentialsFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "get attempt")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SubmitAttempt отправляет форму бронирования. Если нужна онлайн-оплата,
// отвечает 202 с параметрами платёжного виджета.
func (h *Handler) SubmitAttempt(w http.ResponseWriter, r *http.Request) {
	var form booking.Form
	if !h.decode(w, r, &form) {
		return
	}

	res, err := h.service.SubmitAttempt(r.Context(), middleware.CredentialsFromContext(r.Context()), chi.URLParam(r, "id"), form)
	if err != nil {
		h.writeError(w, r, err, "submit attempt")
		return
	}

	if res.Pending() {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ConfirmPayment принимает колбэк handler платёжного виджета.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var conf model.PaymentConfirmation
	if !h.decode(w, r, &conf) {
		return
	}
	if conf.OrderID == "" || conf.PaymentID == "" || conf.Signature == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Payment confirmation is incomplete")
		return
	}

	res, err := h.service.ConfirmPayment(r.Context(), middleware.CredentialsFromContext(r.Context()), chi.URLParam(r, "id"), conf)
	if err != nil {
		h.writeError(w, r, err, "confirm payment")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DismissPayment принимает колбэк ondismiss платёжного виджета.
func (h *Handler) DismissPayment(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.DismissPayment(r.Context(), middleware.CredentialsFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "dismiss payment")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// UserBookings возвращает бронирования пользователя.
func (h *Handler) UserBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.service.UserBookings(r.Context(), middleware.CredentialsFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err, "user bookings")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(bookings))
}

// SubmitReview оставляет отзыв к завершённому бронированию.
func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	var req model.Review
	if !h.decode(w, r, &req) {
		return
	}

	review, err := h.service.SubmitReview(r.Context(), middleware.CredentialsFromContext(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err, "submit review")
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

// UpdateProfile меняет профиль пользователя.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req model.ProfileUpdate
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), middleware.CredentialsFromContext(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err, "update profile")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateProviderProfile меняет профиль исполнителя.
func (h *Handler) UpdateProviderProfile(w http.ResponseWriter, r *http.Request) {
	var req model.ProviderProfileUpdate
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.service.UpdateProviderProfile(r.Context(), middleware.CredentialsFromContext(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err, "update provider profile")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ProviderBookings возвращает бронирования исполнителя.
func (h *Handler) ProviderBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.service.ProviderBookings(r.Context(), middleware.CredentialsFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err, "provider bookings")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(bookings))
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateBookingStatus меняет статус бронирования.
func (h *Handler) UpdateBookingStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.service.UpdateBookingStatus(r.Context(), middleware.CredentialsFromContext(r.Context()), id, req.Status)
	if err != nil {
		h.writeError(w, r, err, "update booking status")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// AdminUsers возвращает всех пользователей.
func (h *Handler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.AdminUsers(r.Context(), middleware.CredentialsFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err, "admin users")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

// AdminProviders возвращает всех исполнителей.
func (h *Handler) AdminProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.service.AdminProviders(r.Context(), middleware.CredentialsFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err, "admin providers")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(providers))
}

// AdminBookings возвращает все бронирования.
func (h *Handler) AdminBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.service.AdminBookings(r.Context(), middleware.CredentialsFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err, "admin bookings")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(bookings))
}

// DeleteUser удаляет пользователя. Требует заголовок X-Confirm: true.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	h.delete(w, r, h.service.DeleteUser, "delete user")
}

// DeleteProvider удаляет исполнителя. Требует заголовок X-Confirm: true.
func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	h.delete(w, r, h.service.DeleteProvider, "delete provider")
}

type deleteFunc func(ctx context.Context, creds session.Credentials, id int64, confirmed bool) error

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, fn deleteFunc, op string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	confirmed, _ := strconv.ParseBool(r.Header.Get(HeaderConfirm))
	if err := fn(r.Context(), middleware.CredentialsFromContext(r.Context()), id, confirmed); err != nil {
		h.writeError(w, r, err, op)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnconfirmedPayments возвращает платежи, по которым бронирование не подтвердилось.
func (h *Handler) UnconfirmedPayments(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.UnconfirmedPayments(r.Context())
	if err != nil {
		h.writeError(w, r, err, "unconfirmed payments")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// Healthz сообщает, что процесс жив.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Malformed request body")
		return false
	}
	return true
}

type validationBody struct {
	Message string                  `json:"message"`
	Errors  []validation.FieldError `json:"errors"`
}

// writeError переводит ошибку сервиса в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var (
		verr *validation.Error
		aerr *backend.APIError
		uerr *booking.UnconfirmedPaymentError
	)

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, validationBody{Message: "Validation failed", Errors: verr.Fields})
	case errors.As(err, &uerr):
		h.logger.Error(op+" error", zap.Error(err), zap.String("order", uerr.OrderID))
		middleware.WriteError(w, http.StatusBadGateway, uerr.Error())
	case errors.As(err, &aerr):
		if aerr.StatusCode >= http.StatusInternalServerError {
			h.logger.Warn(op+" backend error", zap.Int("status", aerr.StatusCode), zap.String("message", aerr.Message))
		}
		middleware.WriteError(w, aerr.StatusCode, aerr.Message)
	case errors.Is(err, service.ErrAttemptNotFound), errors.Is(err, service.ErrBookingNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConfirmationRequired):
		middleware.WriteError(w, http.StatusPreconditionRequired, "Deletion must be confirmed with "+HeaderConfirm+": true")
	case errors.Is(err, booking.ErrInvalidProvider):
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, booking.ErrSubmissionInFlight),
		errors.Is(err, booking.ErrAlreadyBooked),
		errors.Is(err, booking.ErrNoProvider),
		errors.Is(err, booking.ErrNoCheckout),
		errors.Is(err, booking.ErrPaymentDismissed),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrReviewNotAllowed),
		errors.Is(err, service.ErrAlreadyReviewed):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		middleware.WriteError(w, http.StatusGatewayTimeout, "Request timed out")
	default:
		h.logger.Error(op+" error", zap.Error(err),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())))
		middleware.WriteError(w, http.StatusInternalServerError, backend.DefaultErrorMessage)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

func optionalFloat(w http.ResponseWriter, s, name string) (float64, bool) {
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return v, true
}

func parseCoordinate(w http.ResponseWriter, lat, lng string) (model.Coordinate, bool) {
	la, errLat := strconv.ParseFloat(lat, 64)
	ln, errLng := strconv.ParseFloat(lng, 64)
	if errLat != nil || errLng != nil || la < -90 || la > 90 || ln < -180 || ln > 180 {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid coordinates")
		return model.Coordinate{}, false
	}
	return model.Coordinate{Lat: la, Lng: ln}, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
