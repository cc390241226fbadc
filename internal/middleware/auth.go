// Package middleware содержит HTTP middleware шлюза маркетплейса.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/session"
)

type contextKey string

const (
	sessionIDKey   contextKey = "sessionID"
	credentialsKey contextKey = "credentials"
)

const (
	sessionCookieName = "sf_session"
	sessionCookieTTL  = 30 * 24 * time.Hour
)

// SessionSource отдаёт учётные данные по идентификатору сессии.
type SessionSource interface {
	Get(id string) (session.Credentials, bool)
}

// AuthMiddleware связывает подписанный cookie с сессией шлюза.
type AuthMiddleware struct {
	secretKey []byte
	sessions  SessionSource
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой secret заменяется случайным ключом,
// и тогда cookie не переживают перезапуск процесса.
func NewAuthMiddleware(secret string, sessions SessionSource) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		sessions:  sessions,
	}
}

// Middleware пропускает только запросы с действующей сессией.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, creds, ok := a.resolve(r)
		if !ok {
			WriteError(w, http.StatusUnauthorized, "Please log in")
			return
		}

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), id, creds)))
	})
}

// Optional добавляет сессию в контекст, если она есть, и пропускает запрос в любом случае.
func (a *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, creds, ok := a.resolve(r); ok {
			r = r.WithContext(withSession(r.Context(), id, creds))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AuthMiddleware) resolve(r *http.Request) (string, session.Credentials, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", session.Credentials{}, false
	}

	id, ok := a.parseCookie(cookie.Value)
	if !ok {
		return "", session.Credentials{}, false
	}

	creds, ok := a.sessions.Get(id)
	if !ok {
		return "", session.Credentials{}, false
	}
	return id, creds, true
}

// SetSessionCookie устанавливает cookie с подписанным идентификатором сессии.
func (a *AuthMiddleware) SetSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    a.sign(sessionID),
		Path:     "/",
		Expires:  time.Now().Add(sessionCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie удаляет cookie сессии.
func (a *AuthMiddleware) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) sign(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return id + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(value string) (string, bool) {
	idx := strings.LastIndexByte(value, '.')
	if idx <= 0 {
		return "", false
	}

	id := value[:idx]
	expected := a.sign(id)

	if !hmac.Equal([]byte(value), []byte(expected)) {
		return "", false
	}
	return id, true
}

// RequireArea пропускает только роли, которым разрешён раздел area.
func RequireArea(area model.Area) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := CredentialsFromContext(r.Context())
			if !creds.Authenticated() {
				WriteError(w, http.StatusUnauthorized, "Please log in")
				return
			}
			if !creds.Role.CanAccess(area) {
				WriteError(w, http.StatusForbidden, "Access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withSession(ctx context.Context, id string, creds session.Credentials) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, id)
	return context.WithValue(ctx, credentialsKey, creds)
}

// SessionIDFromContext извлекает идентификатор сессии из контекста запроса.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok
}

// CredentialsFromContext возвращает учётные данные запроса или анонимные, если сессии нет.
func CredentialsFromContext(ctx context.Context) session.Credentials {
	creds, ok := ctx.Value(credentialsKey).(session.Credentials)
	if !ok {
		return session.Anonymous()
	}
	return creds
}

type errorBody struct {
	Message string `json:"message"`
}

// WriteError отвечает JSON-ошибкой вида {"message": "..."}.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Message: message})
}
