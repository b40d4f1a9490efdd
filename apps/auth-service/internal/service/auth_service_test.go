package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/books-store/apps/auth-service/internal/domain"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/dto"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/redis/redistest"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// mockUserRepository is a mock implementation of UserRepository
type mockUserRepository struct {
	mu          sync.Mutex
	users       map[string]*domain.User
	createError error
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{users: make(map[string]*domain.User)}
}

func (r *mockUserRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createError != nil {
		return r.createError
	}
	r.users[user.ID] = user
	return nil
}

func (r *mockUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id], nil
}

func (r *mockUserRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if (u.Email != "" && u.Email == identifier) || u.Phone == identifier {
			return u, nil
		}
	}
	return nil, nil
}

func (r *mockUserRepository) exists(match func(*domain.User) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if match(u) {
			return true, nil
		}
	}
	return false, nil
}

func (r *mockUserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(func(u *domain.User) bool { return u.Email == email })
}

func (r *mockUserRepository) ExistsByPhone(ctx context.Context, phone string) (bool, error) {
	return r.exists(func(u *domain.User) bool { return u.Phone == phone })
}

func (r *mockUserRepository) ExistsByUserName(ctx context.Context, userName string) (bool, error) {
	return r.exists(func(u *domain.User) bool { return u.UserName == userName })
}

func (r *mockUserRepository) SetActive(ctx context.Context, id string, active bool, beforeCommit func(ctx context.Context) error) error {
	r.mu.Lock()
	u := r.users[id]
	if u == nil {
		r.mu.Unlock()
		return ErrUserNotFound
	}
	previous := u.IsActive
	u.IsActive = active
	r.mu.Unlock()

	if beforeCommit != nil {
		if err := beforeCommit(ctx); err != nil {
			r.mu.Lock()
			u.IsActive = previous
			r.mu.Unlock()
			return err
		}
	}
	return nil
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.AccountEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event *domain.AccountEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []domain.AccountEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.AccountEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// failingPurgeStore breaks bulk deletion only
type failingPurgeStore struct {
	session.Store
}

func (s failingPurgeStore) DeleteAllForSubject(ctx context.Context, subject string) (int, error) {
	return 0, session.ErrStoreUnavailable
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

type fixture struct {
	svc      AuthService
	repo     *mockUserRepository
	sessions session.Store
	tokens   token.Service
	events   *recordingPublisher
}

func newFixture(t *testing.T, wrap func(session.Store) session.Store) *fixture {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})

	client, _ := redistest.New(t)
	tokens, err := token.New(nil, &token.KeyPair{Private: testKey, Public: &testKey.PublicKey}, client, logger.Nop())
	require.NoError(t, err)

	var sessions session.Store = session.NewRedisStore(client, nil, logger.Nop())
	if wrap != nil {
		sessions = wrap(sessions)
	}

	f := &fixture{
		repo:     newMockUserRepository(),
		sessions: sessions,
		tokens:   tokens,
		events:   &recordingPublisher{},
	}
	f.svc = NewAuthService(f.repo, sessions, tokens, f.events, &AuthServiceConfig{BcryptCost: bcrypt.MinCost}, logger.Nop())
	return f
}

func (f *fixture) addUser(t *testing.T, id, phone, password string, role domain.Role, active bool) *domain.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u := &domain.User{
		ID:           id,
		UserName:     id,
		Email:        id + "@example.com",
		Phone:        phone,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     active,
	}
	f.repo.users[id] = u
	return u
}

var device = session.DeviceContext{UserAgent: "curl/8.0", IP: "10.0.0.1", Platform: "linux"}

func registerRequest() *dto.RegisterRequest {
	return &dto.RegisterRequest{
		UserName:   "reader",
		Email:      "reader@example.com",
		Phone:      "+66812345678",
		FirstName:  "ALICE",
		LastName:   "smith",
		MiddleName: "jane",
		Password:   "Secret#123",
	}
}

func TestRegister_IssuesTokensAndSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.svc.Register(ctx, registerRequest(), device)
	require.NoError(t, err)

	access, err := f.tokens.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	refresh, err := f.tokens.ValidateToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, access.Refresh)
	assert.True(t, refresh.Refresh)
	assert.Equal(t, access.SessionID, refresh.SessionID)
	assert.Equal(t, device.Signature(), refresh.DeviceHash)

	sess, err := f.sessions.Get(ctx, access.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, access.Subject, sess.Subject)

	user := f.repo.users[access.Subject]
	require.NotNil(t, user)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.True(t, user.IsActive)
	assert.Equal(t, "Alice", user.FirstName)
	assert.Equal(t, "Smith", user.LastName)
	assert.NotEqual(t, "Secret#123", user.PasswordHash)

	// the first refresh token is still redeemable
	used, err := f.tokens.IsRefreshTokenInvalid(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, used)

	assert.Equal(t, []domain.AccountEventType{domain.EventUserRegistered}, f.events.types())
}

func TestRegister_Duplicate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*dto.RegisterRequest)
	}{
		{"same email", func(r *dto.RegisterRequest) { r.UserName, r.Phone = "other", "+66899999999" }},
		{"same phone", func(r *dto.RegisterRequest) { r.UserName, r.Email = "other", "other@example.com" }},
		{"same user name", func(r *dto.RegisterRequest) { r.Email, r.Phone = "other@example.com", "+66899999999" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.svc.Register(context.Background(), registerRequest(), device)
			require.NoError(t, err)

			req := registerRequest()
			tt.mutate(req)
			_, err = f.svc.Register(context.Background(), req, device)
			assert.ErrorIs(t, err, ErrUserAlreadyExists)
			assert.Len(t, f.repo.users, 1)
		})
	}
}

func TestRegister_EmptyEmailSkipsUniqueness(t *testing.T) {
	f := newFixture(t, nil)

	first := registerRequest()
	first.Email = ""
	_, err := f.svc.Register(context.Background(), first, device)
	require.NoError(t, err)

	second := registerRequest()
	second.Email, second.Phone, second.UserName = "", "+66899999999", "other"
	_, err = f.svc.Register(context.Background(), second, device)
	assert.NoError(t, err)
}

func TestRegister_CreateError(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.createError = errors.New("db down")

	_, err := f.svc.Register(context.Background(), registerRequest(), device)
	assert.EqualError(t, err, "db down")
	assert.Empty(t, f.events.types())
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)
	f.addUser(t, "bob", "+66822222222", "Secret#123", domain.RoleUser, false)

	tests := []struct {
		name       string
		identifier string
		password   string
		wantErr    error
	}{
		{"by email", "alice@example.com", "Secret#123", nil},
		{"by phone", "+66811111111", "Secret#123", nil},
		{"wrong password", "alice@example.com", "nope", ErrInvalidCredentials},
		{"unknown user", "nobody@example.com", "Secret#123", ErrInvalidCredentials},
		{"inactive user", "bob@example.com", "Secret#123", ErrAccountDeactivated},
		{"inactive user wrong password", "bob@example.com", "nope", ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, err := f.svc.Login(context.Background(), tt.identifier, tt.password, device)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, pair)
				return
			}
			require.NoError(t, err)
			claims, err := f.tokens.ValidateToken(pair.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, "alice", claims.Subject)
		})
	}
}

func TestLogin_EachLoginOpensNewSession(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	first, err := f.svc.Login(context.Background(), "alice@example.com", "Secret#123", device)
	require.NoError(t, err)
	second, err := f.svc.Login(context.Background(), "alice@example.com", "Secret#123", device)
	require.NoError(t, err)

	a, _ := f.tokens.ValidateToken(first.AccessToken)
	b, _ := f.tokens.ValidateToken(second.AccessToken)
	assert.NotEqual(t, a.SessionID, b.SessionID)
}

func TestValidateAccessToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	pair, err := f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
	require.NoError(t, err)

	valid, err := f.svc.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, valid)

	t.Run("refresh token is not an access token", func(t *testing.T) {
		_, err := f.svc.ValidateAccessToken(ctx, pair.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidTokenPayload)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := f.svc.ValidateAccessToken(ctx, "not-a-jwt")
		assert.ErrorIs(t, err, token.ErrInvalidToken)
	})

	t.Run("missing session id", func(t *testing.T) {
		noSid, err := f.tokens.GenerateAccessToken(ctx, "alice", "", "", false)
		require.NoError(t, err)
		_, err = f.svc.ValidateAccessToken(ctx, noSid)
		assert.ErrorIs(t, err, ErrInvalidTokenPayload)
	})

	t.Run("session owned by someone else", func(t *testing.T) {
		claims, _ := f.tokens.ValidateToken(pair.AccessToken)
		forged, err := f.tokens.GenerateAccessToken(ctx, "mallory", claims.SessionID, "", false)
		require.NoError(t, err)
		_, err = f.svc.ValidateAccessToken(ctx, forged)
		assert.ErrorIs(t, err, ErrSessionMismatch)
	})

	t.Run("session gone", func(t *testing.T) {
		claims, _ := f.tokens.ValidateToken(pair.AccessToken)
		require.NoError(t, f.sessions.Delete(ctx, claims.SessionID))
		_, err := f.svc.ValidateAccessToken(ctx, pair.AccessToken)
		assert.ErrorIs(t, err, ErrSessionExpired)
	})
}

func TestRedeemRefreshToken_OnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	pair, err := f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
	require.NoError(t, err)

	access, err := f.svc.RedeemRefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	valid, err := f.svc.ValidateAccessToken(ctx, access)
	require.NoError(t, err)
	assert.True(t, valid)

	_, err = f.svc.RedeemRefreshToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, token.ErrTokenAlreadyUsed)
}

func TestRedeemRefreshToken_Concurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	pair, err := f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
	require.NoError(t, err)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.RedeemRefreshToken(ctx, pair.RefreshToken); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
}

func TestRedeemRefreshToken_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	pair, err := f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
	require.NoError(t, err)

	_, err = f.svc.RedeemRefreshToken(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidTokenType)

	_, err = f.svc.RedeemRefreshToken(ctx, "garbage")
	assert.ErrorIs(t, err, token.ErrInvalidToken)

	claims, _ := f.tokens.ValidateToken(pair.RefreshToken)
	require.NoError(t, f.sessions.Delete(ctx, claims.SessionID))
	_, err = f.svc.RedeemRefreshToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// a rejected redemption does not burn the token
	used, err := f.tokens.IsRefreshTokenInvalid(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, used)
}

func TestRefreshTokens_Rotates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	pair, err := f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
	require.NoError(t, err)

	rotated, err := f.svc.RefreshTokens(ctx, pair.RefreshToken, device)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	oldClaims, _ := f.tokens.ValidateToken(pair.RefreshToken)
	newClaims, err := f.tokens.ValidateToken(rotated.RefreshToken)
	require.NoError(t, err)
	assert.True(t, newClaims.Refresh)
	assert.Equal(t, oldClaims.SessionID, newClaims.SessionID)

	_, err = f.svc.RefreshTokens(ctx, pair.RefreshToken, device)
	assert.ErrorIs(t, err, token.ErrTokenAlreadyUsed)

	_, err = f.svc.RefreshTokens(ctx, rotated.RefreshToken, device)
	assert.NoError(t, err)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	pair, err := f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken))

	_, err = f.svc.ValidateAccessToken(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrSessionExpired)

	used, err := f.tokens.IsRefreshTokenInvalid(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, used)

	// logging out twice is harmless
	assert.NoError(t, f.svc.Logout(ctx, pair.AccessToken, ""))

	assert.Contains(t, f.events.types(), domain.EventUserLoggedOut)
}

func TestLogout_MissingSessionID(t *testing.T) {
	f := newFixture(t, nil)

	noSid, err := f.tokens.GenerateAccessToken(context.Background(), "alice", "", "", false)
	require.NoError(t, err)

	err = f.svc.Logout(context.Background(), noSid, "")
	assert.ErrorIs(t, err, ErrMissingSessionID)
}

func TestSetActive_Authorization(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "admin", "+66800000000", "Secret#123", domain.RoleAdmin, true)
	f.addUser(t, "mod", "+66800000001", "Secret#123", domain.RoleModerator, true)
	f.addUser(t, "rogue", "+66800000002", "Secret#123", domain.RoleSuperAdmin, false)
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	tests := []struct {
		name    string
		userID  string
		adminID string
		wantErr error
	}{
		{"unknown admin", "alice", "ghost", ErrAdminNotFound},
		{"deactivated admin", "alice", "rogue", ErrAccountDeactivated},
		{"moderator is not admin", "alice", "mod", ErrAdminRequired},
		{"ordinary user is not admin", "admin", "alice", ErrAdminRequired},
		{"unknown target", "ghost", "admin", ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.Ban(context.Background(), tt.userID, tt.adminID)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.True(t, f.repo.users["alice"].IsActive)
	assert.True(t, f.repo.users["admin"].IsActive)

	err := f.svc.Unban(context.Background(), "rogue", "rogue")
	assert.ErrorIs(t, err, ErrAccountDeactivated)
	assert.False(t, f.repo.users["rogue"].IsActive)
}

func TestBan_PurgesOnlyTargetSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addUser(t, "admin", "+66800000000", "Secret#123", domain.RoleSuperAdmin, true)
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)
	f.addUser(t, "bob", "+66822222222", "Secret#123", domain.RoleUser, true)

	var alice, bob []string
	for i := 0; i < 3; i++ {
		pair, err := f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
		require.NoError(t, err)
		alice = append(alice, pair.AccessToken)
	}
	for i := 0; i < 2; i++ {
		pair, err := f.svc.Login(ctx, "bob@example.com", "Secret#123", device)
		require.NoError(t, err)
		bob = append(bob, pair.AccessToken)
	}

	require.NoError(t, f.svc.Ban(ctx, "alice", "admin"))
	assert.False(t, f.repo.users["alice"].IsActive)

	for _, tok := range alice {
		_, err := f.svc.ValidateAccessToken(ctx, tok)
		assert.ErrorIs(t, err, ErrSessionExpired)
	}
	for _, tok := range bob {
		valid, err := f.svc.ValidateAccessToken(ctx, tok)
		require.NoError(t, err)
		assert.True(t, valid)
	}

	_, err := f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
	assert.ErrorIs(t, err, ErrAccountDeactivated)

	// banning again is a no-op success
	assert.NoError(t, f.svc.Ban(ctx, "alice", "admin"))

	require.NoError(t, f.svc.Unban(ctx, "alice", "admin"))
	assert.True(t, f.repo.users["alice"].IsActive)
	_, err = f.svc.Login(ctx, "alice@example.com", "Secret#123", device)
	assert.NoError(t, err)

	assert.Contains(t, f.events.types(), domain.EventUserBanned)
	assert.Contains(t, f.events.types(), domain.EventUserUnbanned)
}

func TestBan_PurgeFailureStillCommits(t *testing.T) {
	f := newFixture(t, func(s session.Store) session.Store { return failingPurgeStore{Store: s} })
	f.addUser(t, "admin", "+66800000000", "Secret#123", domain.RoleAdmin, true)
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	require.NoError(t, f.svc.Ban(context.Background(), "alice", "admin"))
	assert.False(t, f.repo.users["alice"].IsActive)
}

func TestPublishFailureDoesNotFailLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.events.err = errors.New("broker down")
	f.addUser(t, "alice", "+66811111111", "Secret#123", domain.RoleUser, true)

	_, err := f.svc.Login(context.Background(), "alice@example.com", "Secret#123", device)
	assert.NoError(t, err)
}

func TestCapitalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"  ", ""},
		{"alice", "Alice"},
		{"ALICE", "Alice"},
		{" mArY ", "Mary"},
		{"élodie", "Élodie"},
	}
	for _, tt := range tests {
		if got := capitalize(tt.in); got != tt.want {
			t.Errorf("capitalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewAuthService_Defaults(t *testing.T) {
	svc := NewAuthService(newMockUserRepository(), nil, nil, nil, nil, nil).(*authService)
	assert.Equal(t, bcrypt.DefaultCost, svc.config.BcryptCost)
	assert.IsType(t, &NoOpEventPublisher{}, svc.events)
}

func TestNewAccountEventTimestamp(t *testing.T) {
	before := time.Now().UTC().Add(-time.Second)
	e := domain.NewAccountEvent("id", domain.EventUserBanned, "alice", "admin")
	assert.True(t, e.OccurredAt.After(before))
	assert.Equal(t, "alice", e.Key())
}
