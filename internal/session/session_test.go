package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/servicefinder/internal/model"
)

type stubAuth struct {
	userCalls  int
	adminCalls int
	resp       *model.AuthResponse
	err        error
}

func (s *stubAuth) Login(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	s.userCalls++
	return s.resp, s.err
}

func (s *stubAuth) LoginAdmin(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	s.adminCalls++
	return s.resp, s.err
}

type memStore struct {
	mu      sync.Mutex
	stored    map[string]Stored
	saveErr   error
	deleteErr error
}

func newMemStore(initial ...Stored) *memStore {
	s := &memStore{stored: make(map[string]Stored)}
	for _, st := range initial {
		s.stored[st.ID] = st
	}
	return s
}

func (s *memStore) LoadSessions(ctx context.Context) ([]Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Stored, 0, len(s.stored))
	for _, st := range s.stored {
		res = append(res, st)
	}
	return res, nil
}

func (s *memStore) SaveSession(ctx context.Context, st Stored) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored[st.ID] = st
	return nil
}

func (s *memStore) DeleteSession(ctx context.Context, id string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stored, id)
	return nil
}

func TestManager_RestoresFromStore(t *testing.T) {
	store := newMemStore(Stored{
		ID:          "persisted",
		Credentials: Credentials{Token: "tkn", Role: model.RoleUser, Name: "Asha", UserID: 3},
	})

	m, err := NewManager(context.Background(), &stubAuth{}, store, zap.NewNop())
	require.NoError(t, err)

	creds, ok := m.Get("persisted")
	require.True(t, ok)
	assert.Equal(t, "tkn", creds.Token)
	assert.Equal(t, model.RoleUser, creds.Role)
}

func TestManager_LoginWritesThrough(t *testing.T) {
	auth := &stubAuth{resp: &model.AuthResponse{Token: "jwt", Role: "ROLE_USER", Name: "Ravi", ID: 11}}
	store := newMemStore()

	m, err := NewManager(context.Background(), auth, store, zap.NewNop())
	require.NoError(t, err)

	id, creds, err := m.Login(context.Background(), "ravi@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, 1, auth.userCalls)
	assert.Equal(t, 0, auth.adminCalls)
	assert.Equal(t, int64(11), creds.UserID)

	assert.Contains(t, store.stored, id)
}

func TestManager_LoginAdminUsesAdminEndpoint(t *testing.T) {
	auth := &stubAuth{resp: &model.AuthResponse{Token: "jwt", Role: "ROLE_ADMIN", Name: "Root", ID: 1}}

	m, err := NewManager(context.Background(), auth, nil, zap.NewNop())
	require.NoError(t, err)

	_, creds, err := m.LoginAdmin(context.Background(), "admin@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, 1, auth.adminCalls)
	assert.Equal(t, 0, auth.userCalls)
	assert.Equal(t, model.RoleAdmin, creds.Role)
}

func TestManager_LoginRejectsUnknownRole(t *testing.T) {
	auth := &stubAuth{resp: &model.AuthResponse{Token: "jwt", Role: "ROLE_ROOT"}}

	m, err := NewManager(context.Background(), auth, nil, zap.NewNop())
	require.NoError(t, err)

	_, _, err = m.Login(context.Background(), "x@example.com", "secret")
	assert.Error(t, err)
}

func TestManager_LoginFailureOpensNothing(t *testing.T) {
	auth := &stubAuth{err: errors.New("Invalid username or password")}
	store := newMemStore()

	m, err := NewManager(context.Background(), auth, store, zap.NewNop())
	require.NoError(t, err)

	_, _, err = m.Login(context.Background(), "x@example.com", "bad")
	assert.Error(t, err)
	assert.Empty(t, store.stored)
}

func TestManager_LogoutClearsEverything(t *testing.T) {
	auth := &stubAuth{resp: &model.AuthResponse{Token: "jwt", Role: "ROLE_PROVIDER", Name: "Meena", ID: 7}}
	store := newMemStore()

	m, err := NewManager(context.Background(), auth, store, zap.NewNop())
	require.NoError(t, err)

	id, _, err := m.Login(context.Background(), "meena@example.com", "secret")
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background(), id))

	_, ok := m.Get(id)
	assert.False(t, ok)
	assert.NotContains(t, store.stored, id)

	assert.ErrorIs(t, m.Logout(context.Background(), id), ErrNotFound)
}

func TestManager_SaveFailureKeepsSessionClosed(t *testing.T) {
	auth := &stubAuth{resp: &model.AuthResponse{Token: "jwt", Role: "ROLE_USER", ID: 2}}
	store := newMemStore()
	store.saveErr = errors.New("db down")

	m, err := NewManager(context.Background(), auth, store, zap.NewNop())
	require.NoError(t, err)

	id, _, err := m.Login(context.Background(), "x@example.com", "secret")
	assert.Error(t, err)
	assert.Empty(t, id)
}

func TestManager_LogoutSurvivesStoreFailure(t *testing.T) {
	auth := &stubAuth{resp: &model.AuthResponse{Token: "jwt", Role: "ROLE_USER", Name: "Asha", ID: 3}}
	store := newMemStore()

	m, err := NewManager(context.Background(), auth, store, zap.NewNop())
	require.NoError(t, err)

	id, _, err := m.Login(context.Background(), "asha@example.com", "secret")
	require.NoError(t, err)

	store.deleteErr = errors.New("db down")
	require.NoError(t, m.Logout(context.Background(), id))

	_, ok := m.Get(id)
	assert.False(t, ok, "session must be closed even if the store keeps its row")
}

func TestAnonymousCredentials(t *testing.T) {
	assert.False(t, Anonymous().Authenticated())
	assert.True(t, Credentials{Token: "t"}.Authenticated())
}
