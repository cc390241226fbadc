// Package session хранит контекст аутентифицированных участников шлюза.
//
// Сессии создаются и удаляются только через Manager.
// Остальные компоненты получают неизменяемое значение Credentials на время запроса.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/servicefinder/internal/model"
)

// ErrNotFound возвращается, если сессия с указанным идентификатором отсутствует.
var ErrNotFound = errors.New("session not found")

// Credentials содержит неизменяемый набор данных аутентифицированного участника.
type Credentials struct {
	Token  string     `json:"-"`
	Role   model.Role `json:"role"`
	Name   string     `json:"name"`
	UserID int64      `json:"userId"`
}

// Anonymous возвращает пустые учётные данные для запросов без сессии.
func Anonymous() Credentials {
	return Credentials{}
}

// Authenticated сообщает, есть ли у учётных данных токен.
func (c Credentials) Authenticated() bool {
	return c.Token != ""
}

// Stored описывает сохранённую сессию.
type Stored struct {
	ID          string
	Credentials Credentials
	CreatedAt   time.Time
}

// Authenticator получает токен у бэкенда.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*model.AuthResponse, error)
	LoginAdmin(ctx context.Context, email, password string) (*model.AuthResponse, error)
}

// Store описывает постоянное хранилище сессий.
type Store interface {
	LoadSessions(ctx context.Context) ([]Stored, error)
	SaveSession(ctx context.Context, s Stored) error
	DeleteSession(ctx context.Context, id string) error
}

// Manager управляет сессиями. Чтение конкурентно, запись сериализована.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Credentials

	auth   Authenticator
	store  Store
	logger *zap.Logger
}

// NewManager создаёт менеджер и восстанавливает сохранённые сессии из store.
// store может быть nil, тогда сессии живут только в памяти процесса.
func NewManager(ctx context.Context, auth Authenticator, store Store, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		sessions: make(map[string]Credentials),
		auth:     auth,
		store:    store,
		logger:   logger,
	}

	if store == nil {
		return m, nil
	}

	stored, err := store.LoadSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, s := range stored {
		m.sessions[s.ID] = s.Credentials
	}
	logger.Info("sessions restored", zap.Int("count", len(stored)))

	return m, nil
}

// Login выполняет обычный вход и открывает новую сессию.
func (m *Manager) Login(ctx context.Context, email, password string) (string, Credentials, error) {
	resp, err := m.auth.Login(ctx, email, password)
	if err != nil {
		return "", Credentials{}, err
	}
	return m.open(ctx, resp)
}

// LoginAdmin выполняет вход администратора и открывает новую сессию.
func (m *Manager) LoginAdmin(ctx context.Context, email, password string) (string, Credentials, error) {
	resp, err := m.auth.LoginAdmin(ctx, email, password)
	if err != nil {
		return "", Credentials{}, err
	}
	return m.open(ctx, resp)
}

func (m *Manager) open(ctx context.Context, resp *model.AuthResponse) (string, Credentials, error) {
	role, err := model.ParseRole(resp.Role)
	if err != nil {
		return "", Credentials{}, fmt.Errorf("auth response: %w", err)
	}

	creds := Credentials{
		Token:  resp.Token,
		Role:   role,
		Name:   resp.Name,
		UserID: resp.ID,
	}
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		err := m.store.SaveSession(ctx, Stored{ID: id, Credentials: creds, CreatedAt: time.Now()})
		if err != nil {
			return "", Credentials{}, fmt.Errorf("save session: %w", err)
		}
	}
	m.sessions[id] = creds

	m.logger.Info("session opened", zap.String("role", role.String()), zap.Int64("userID", creds.UserID))
	return id, creds, nil
}

// Logout полностью удаляет сессию. Сессия закрывается в памяти до обращения к store,
// ошибка store только пишется в лог.
func (m *Manager) Logout(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)

	if m.store != nil {
		if err := m.store.DeleteSession(ctx, id); err != nil {
			m.logger.Warn("stored session not deleted", zap.String("session", id), zap.Error(err))
		}
	}

	return nil
}

// Get возвращает учётные данные сессии.
func (m *Manager) Get(id string) (Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.sessions[id]
	return c, ok
}
