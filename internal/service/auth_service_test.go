package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/realty-api/internal/models"
	"github.com/noah-isme/realty-api/internal/repository"
	"github.com/noah-isme/realty-api/internal/token"
	appErrors "github.com/noah-isme/realty-api/pkg/errors"
)

type mockAuthRepo struct {
	usersByEmail map[string]*models.User
	usersByID    map[string]*models.User
	auditLogs    []*models.AuditLog

	findByEmailErr   error
	lastLoginUpdated bool
}

func newMockAuthRepo(users ...*models.User) *mockAuthRepo {
	repo := &mockAuthRepo{
		usersByEmail: make(map[string]*models.User),
		usersByID:    make(map[string]*models.User),
	}
	for _, u := range users {
		repo.usersByEmail[u.Email] = u
		repo.usersByID[u.ID] = u
	}
	return repo
}

func (m *mockAuthRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.findByEmailErr != nil {
		return nil, m.findByEmailErr
	}
	user, ok := m.usersByEmail[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockAuthRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := m.usersByID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockAuthRepo) Create(ctx context.Context, user *models.User) error {
	if _, exists := m.usersByEmail[user.Email]; exists {
		return repository.ErrDuplicateEmail
	}
	if user.ID == "" {
		user.ID = "generated-" + user.Email
	}
	m.usersByEmail[user.Email] = user
	m.usersByID[user.ID] = user
	return nil
}

func (m *mockAuthRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLoginUpdated = true
	return nil
}

func (m *mockAuthRepo) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	user, ok := m.usersByID[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	user.PasswordChangedAt = &changedAt
	return nil
}

func (m *mockAuthRepo) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	user, ok := m.usersByID[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.ResetTokenHash = &tokenHash
	user.ResetTokenExpiresAt = &expiresAt
	return nil
}

func (m *mockAuthRepo) FindByResetTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.User, error) {
	for _, user := range m.usersByID {
		if user.ResetTokenHash != nil && *user.ResetTokenHash == tokenHash && user.ResetTokenExpiresAt.After(now) {
			return user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthRepo) ClearResetToken(ctx context.Context, id string) error {
	user, ok := m.usersByID[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.ResetTokenHash = nil
	user.ResetTokenExpiresAt = nil
	return nil
}

func (m *mockAuthRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

// memRevocations is an in-memory RevocationStore used across the service
// tests.
type memRevocations struct {
	mu           sync.Mutex
	entries      map[string]*models.RevokedToken
	blacklistErr error
	lookupErr    error
}

func newMemRevocations() *memRevocations {
	return &memRevocations{entries: make(map[string]*models.RevokedToken)}
}

func (m *memRevocations) IsBlacklisted(ctx context.Context, tok string) (bool, error) {
	if m.lookupErr != nil {
		return false, m.lookupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[tok]
	return ok && entry.ExpiresAt.After(time.Now()), nil
}

func (m *memRevocations) Blacklist(ctx context.Context, entry *models.RevokedToken) error {
	if m.blacklistErr != nil {
		return m.blacklistErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.Token]; exists {
		return nil
	}
	m.entries[entry.Token] = entry
	return nil
}

func (m *memRevocations) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for tok, entry := range m.entries {
		if !entry.ExpiresAt.After(now) {
			delete(m.entries, tok)
			purged++
		}
	}
	return purged, nil
}

type capturingMailSender struct {
	to    string
	token string
	err   error
}

func (m *capturingMailSender) SendPasswordReset(ctx context.Context, to, resetToken string) error {
	if m.err != nil {
		return m.err
	}
	m.to = to
	m.token = resetToken
	return nil
}

func newTestCodec() *token.Codec {
	return token.NewCodec(token.Config{
		AccessSecret:  "access-secret",
		AccessTTL:     time.Hour,
		RefreshSecret: "refresh-secret",
		RefreshTTL:    24 * time.Hour,
		Issuer:        "realty-api",
		Audience:      []string{"realty-clients"},
	})
}

func activeUser(t *testing.T, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.User{ID: "u1", Email: "user@example.com", PasswordHash: string(hash), FullName: "User", Role: models.RoleCustomer, Active: true}
}

func newTestAuthService(repo *mockAuthRepo, revocations repository.RevocationStore, mail ResetMailSender) *AuthService {
	if revocations == nil {
		revocations = newMemRevocations()
	}
	if mail == nil {
		mail = &capturingMailSender{}
	}
	return NewAuthService(repo, revocations, newTestCodec(), mail, validator.New(), zap.NewNop(), 30*time.Minute)
}

func TestLoginSuccess(t *testing.T) {
	repo := newMockAuthRepo(activeUser(t, "password"))
	svc := newTestAuthService(repo, nil, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, int64(3600), res.ExpiresIn)
	assert.True(t, repo.lastLoginUpdated)
	assert.NotEmpty(t, repo.auditLogs)
}

func TestLoginDoesNotRevealWhichFactorFailed(t *testing.T) {
	repo := newMockAuthRepo(activeUser(t, "password"))
	svc := newTestAuthService(repo, nil, nil)

	_, unknownErr := svc.Login(context.Background(), models.LoginRequest{Email: "ghost@example.com", Password: "password"})
	_, wrongErr := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "wrong"})
	require.Error(t, unknownErr)
	require.Error(t, wrongErr)

	unknown := appErrors.FromError(unknownErr)
	wrong := appErrors.FromError(wrongErr)
	assert.Equal(t, unknown.Code, wrong.Code)
	assert.Equal(t, unknown.Message, wrong.Message)
	assert.Equal(t, unknown.Status, wrong.Status)
}

func TestLoginInactiveAccount(t *testing.T) {
	user := activeUser(t, "password")
	user.Active = false
	svc := newTestAuthService(newMockAuthRepo(user), nil, nil)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErrors.FromError(err).Code)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	repo := newMockAuthRepo(activeUser(t, "password"))
	svc := newTestAuthService(repo, nil, nil)

	_, err := svc.Register(context.Background(), models.RegisterRequest{Email: "user@example.com", Password: "password", FullName: "User"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrEmailExists.Code, appErrors.FromError(err).Code)
}

func TestRegisterIssuesTokens(t *testing.T) {
	repo := newMockAuthRepo()
	svc := newTestAuthService(repo, nil, nil)

	res, err := svc.Register(context.Background(), models.RegisterRequest{Email: "new@example.com", Password: "password", FullName: "New User"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, models.RoleCustomer, res.User.Role)
}

func TestLogoutBlacklistsBothTokens(t *testing.T) {
	user := activeUser(t, "password")
	repo := newMockAuthRepo(user)
	revocations := newMemRevocations()
	svc := newTestAuthService(repo, revocations, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.NoError(t, err)

	claims, _, err := svc.CheckAccessToken(context.Background(), res.AccessToken)
	require.NoError(t, err)

	svc.Logout(context.Background(), res.AccessToken, claims, models.LogoutRequest{RefreshToken: res.RefreshToken}, "127.0.0.1", "test")

	accessRevoked, err := revocations.IsBlacklisted(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.True(t, accessRevoked)

	refreshRevoked, err := revocations.IsBlacklisted(context.Background(), res.RefreshToken)
	require.NoError(t, err)
	assert.True(t, refreshRevoked)

	_, _, err = svc.CheckAccessToken(context.Background(), res.AccessToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRevokedToken.Code, appErrors.FromError(err).Code)
}

func TestLogoutSucceedsDespiteStoreFailure(t *testing.T) {
	user := activeUser(t, "password")
	repo := newMockAuthRepo(user)
	revocations := newMemRevocations()
	svc := newTestAuthService(repo, revocations, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.NoError(t, err)
	claims, _, err := svc.CheckAccessToken(context.Background(), res.AccessToken)
	require.NoError(t, err)

	revocations.blacklistErr = errors.New("store down")
	// Must not panic or surface the failure.
	svc.Logout(context.Background(), res.AccessToken, claims, models.LogoutRequest{}, "", "")
}

func TestRefreshTokenIsSingleUse(t *testing.T) {
	user := activeUser(t, "password")
	repo := newMockAuthRepo(user)
	svc := newTestAuthService(repo, nil, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.NoError(t, err)

	refreshed, err := svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: res.RefreshToken})
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, res.RefreshToken, refreshed.RefreshToken)

	// Replaying the consumed token must fail.
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: res.RefreshToken})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRevokedToken.Code, appErrors.FromError(err).Code)
}

func TestRefreshFailsClosedWhenStoreDown(t *testing.T) {
	user := activeUser(t, "password")
	repo := newMockAuthRepo(user)
	revocations := newMemRevocations()
	svc := newTestAuthService(repo, revocations, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.NoError(t, err)

	revocations.blacklistErr = errors.New("store down")
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: res.RefreshToken})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
}

func TestRefreshRejectsInactiveAccount(t *testing.T) {
	user := activeUser(t, "password")
	repo := newMockAuthRepo(user)
	svc := newTestAuthService(repo, nil, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.NoError(t, err)

	user.Active = false
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: res.RefreshToken})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErrors.FromError(err).Code)
}

func TestChangePasswordInvalidatesOldTokens(t *testing.T) {
	user := activeUser(t, "oldpassword")
	repo := newMockAuthRepo(user)
	svc := newTestAuthService(repo, nil, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "oldpassword"})
	require.NoError(t, err)

	// JWT iat has second precision; make sure the change lands strictly
	// after the token's issue time.
	time.Sleep(1100 * time.Millisecond)

	err = svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{CurrentPassword: "oldpassword", NewPassword: "newpassword"})
	require.NoError(t, err)

	_, _, err = svc.CheckAccessToken(context.Background(), res.AccessToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRevokedToken.Code, appErrors.FromError(err).Code)

	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: res.RefreshToken})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRevokedToken.Code, appErrors.FromError(err).Code)
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	user := activeUser(t, "oldpassword")
	svc := newTestAuthService(newMockAuthRepo(user), nil, nil)

	err := svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "newpassword"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestForgotAndResetPasswordFlow(t *testing.T) {
	user := activeUser(t, "oldpassword")
	repo := newMockAuthRepo(user)
	mail := &capturingMailSender{}
	svc := newTestAuthService(repo, nil, mail)

	err := svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: "user@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, mail.token)
	assert.Equal(t, "user@example.com", mail.to)
	// The raw token is never stored, only its hash.
	assert.NotEqual(t, mail.token, *user.ResetTokenHash)

	err = svc.ResetPassword(context.Background(), mail.token, models.ResetPasswordRequest{NewPassword: "brandnewpw"})
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("brandnewpw")))

	// The token is single-use.
	err = svc.ResetPassword(context.Background(), mail.token, models.ResetPasswordRequest{NewPassword: "anotherpw"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidResetToken.Code, appErrors.FromError(err).Code)
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	svc := newTestAuthService(newMockAuthRepo(), nil, nil)

	err := svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: "ghost@example.com"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestResetPasswordExpiredToken(t *testing.T) {
	user := activeUser(t, "oldpassword")
	repo := newMockAuthRepo(user)
	mail := &capturingMailSender{}
	svc := newTestAuthService(repo, nil, mail)

	require.NoError(t, svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: "user@example.com"}))

	expired := time.Now().Add(-time.Minute)
	user.ResetTokenExpiresAt = &expired

	err := svc.ResetPassword(context.Background(), mail.token, models.ResetPasswordRequest{NewPassword: "brandnewpw"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidResetToken.Code, appErrors.FromError(err).Code)
}

func TestCheckAccessTokenMissingPrincipal(t *testing.T) {
	user := activeUser(t, "password")
	repo := newMockAuthRepo(user)
	svc := newTestAuthService(repo, nil, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.NoError(t, err)

	delete(repo.usersByID, user.ID)
	_, _, err = svc.CheckAccessToken(context.Background(), res.AccessToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPrincipalNotFound.Code, appErrors.FromError(err).Code)
}

func TestCheckAccessTokenMalformed(t *testing.T) {
	svc := newTestAuthService(newMockAuthRepo(), nil, nil)

	_, _, err := svc.CheckAccessToken(context.Background(), "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrMalformedToken.Code, appErrors.FromError(err).Code)
}

func TestPurgeExpiredRemovesOnlyDeadEntries(t *testing.T) {
	revocations := newMemRevocations()
	now := time.Now()

	require.NoError(t, revocations.Blacklist(context.Background(), &models.RevokedToken{Token: "dead", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, revocations.Blacklist(context.Background(), &models.RevokedToken{Token: "live", ExpiresAt: now.Add(time.Hour)}))

	purged, err := revocations.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	revoked, err := revocations.IsBlacklisted(context.Background(), "live")
	require.NoError(t, err)
	assert.True(t, revoked)
}
