package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/realty-api/internal/models"
	"github.com/noah-isme/realty-api/internal/repository"
	"github.com/noah-isme/realty-api/internal/token"
	appErrors "github.com/noah-isme/realty-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
	SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	FindByResetTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.User, error)
	ClearResetToken(ctx context.Context, id string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// ResetMailSender dispatches password reset mail out-of-band.
type ResetMailSender interface {
	SendPasswordReset(ctx context.Context, to, resetToken string) error
}

// AuthService is the session authority: the only component that mints
// or revokes tokens.
type AuthService struct {
	repo        authUserRepository
	revocations repository.RevocationStore
	codec       *token.Codec
	mail        ResetMailSender
	validator   *validator.Validate
	logger      *zap.Logger

	resetTokenTTL time.Duration
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, revocations repository.RevocationStore, codec *token.Codec, mail ResetMailSender, validate *validator.Validate, logger *zap.Logger, resetTokenTTL time.Duration) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if resetTokenTTL <= 0 {
		resetTokenTTL = 30 * time.Minute
	}
	return &AuthService{
		repo:          repo,
		revocations:   revocations,
		codec:         codec,
		mail:          mail,
		validator:     validate,
		logger:        logger,
		resetTokenTTL: resetTokenTTL,
	}
}

// Register creates a new account and logs it straight in.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		FullName:     req.FullName,
		Phone:        req.Phone,
		Role:         models.RoleCustomer,
		Active:       true,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, appErrors.Clone(appErrors.ErrEmailExists, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	accessToken, refreshToken, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, user.ID, models.AuditActionRegister, req.IP, req.UserAgent)

	return &models.LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
		IssuedAt:     time.Now().UTC(),
		User:         publicView(user),
	}, nil
}

// Login authenticates a user and returns issued tokens. Unknown email
// and wrong password produce the same error payload.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.repo.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	accessToken, refreshToken, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.audit(ctx, user.ID, models.AuditActionLogin, req.IP, req.UserAgent)

	return &models.LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
		IssuedAt:     time.Now().UTC(),
		User:         publicView(user),
	}, nil
}

// Logout blacklists the presented access token and, when supplied, the
// session refresh token. Revocation store failures are logged but never
// surfaced: client-side state is cleared regardless, so logout must not
// fail from the caller's perspective.
func (s *AuthService) Logout(ctx context.Context, rawAccessToken string, claims *models.Claims, req models.LogoutRequest, ip, userAgent string) {
	s.blacklist(ctx, rawAccessToken, models.TokenTypeAccess, claims.UserID, models.RevocationReasonLogout, claims.ExpiresAt.Time)

	if req.RefreshToken != "" {
		if refreshClaims, err := s.codec.VerifyRefresh(req.RefreshToken); err == nil {
			s.blacklist(ctx, req.RefreshToken, models.TokenTypeRefresh, refreshClaims.UserID, models.RevocationReasonLogout, refreshClaims.ExpiresAt.Time)
		}
	}

	s.audit(ctx, claims.UserID, models.AuditActionLogout, ip, userAgent)
}

// Refresh exchanges a refresh token for a new pair. A refresh token is
// single-use: the consumed token is blacklisted before the new pair is
// returned, so replaying it always fails.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	revoked, err := s.revocations.IsBlacklisted(ctx, req.RefreshToken)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check revocation")
	}
	if revoked {
		return nil, appErrors.Clone(appErrors.ErrRevokedToken, "refresh token has been revoked")
	}

	claims, err := s.codec.VerifyRefresh(req.RefreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}
	if issuedBeforePasswordChange(claims, user) {
		return nil, appErrors.Clone(appErrors.ErrRevokedToken, "password changed since token was issued")
	}

	entry := &models.RevokedToken{
		Token:     req.RefreshToken,
		TokenType: models.TokenTypeRefresh,
		UserID:    user.ID,
		Reason:    models.RevocationReasonLogout,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if err := s.revocations.Blacklist(ctx, entry); err != nil {
		// Fail closed: handing out a new pair without consuming the old
		// token would allow replay.
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}

	accessToken, refreshToken, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, user.ID, models.AuditActionTokenRefresh, req.IP, req.UserAgent)

	return &models.RefreshTokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
		IssuedAt:     time.Now().UTC(),
	}, nil
}

// ChangePassword changes the password for the given user ID. Bumping
// password_changed_at invalidates every token issued before the change.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrPrincipalNotFound, "")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		return appErrors.Clone(appErrors.ErrInvalidCredentials, "current password does not match")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.repo.UpdatePassword(ctx, userID, string(newHash), time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	s.audit(ctx, userID, models.AuditActionPasswordChange, "", "")

	return nil
}

// ForgotPassword generates a time-boxed single-use reset token and mails
// it out-of-band. Only the token's hash is stored.
func (s *AuthService) ForgotPassword(ctx context.Context, req models.ForgotPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid forgot password payload")
	}

	user, err := s.repo.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "email is not registered")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	resetToken, err := generateResetToken()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate reset token")
	}

	expiresAt := time.Now().UTC().Add(s.resetTokenTTL)
	if err := s.repo.SetResetToken(ctx, user.ID, hashResetToken(resetToken), expiresAt); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store reset token")
	}

	if err := s.mail.SendPasswordReset(ctx, user.Email, resetToken); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to send reset email")
	}

	return nil
}

// ResetPassword completes the reset flow using the emailed token.
func (s *AuthService) ResetPassword(ctx context.Context, rawToken string, req models.ResetPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reset password payload")
	}

	user, err := s.repo.FindByResetTokenHash(ctx, hashResetToken(rawToken), time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidResetToken, "")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up reset token")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.repo.UpdatePassword(ctx, user.ID, string(newHash), time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if err := s.repo.ClearResetToken(ctx, user.ID); err != nil {
		s.logger.Warn("failed to clear reset token", zap.Error(err))
	}

	s.audit(ctx, user.ID, models.AuditActionPasswordReset, "", "")

	return nil
}

// CheckAccessToken runs the full per-request authorization pipeline:
// revocation lookup, signature/expiry verification, principal load.
func (s *AuthService) CheckAccessToken(ctx context.Context, rawToken string) (*models.Claims, *models.User, error) {
	revoked, err := s.revocations.IsBlacklisted(ctx, rawToken)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check revocation")
	}
	if revoked {
		return nil, nil, appErrors.Clone(appErrors.ErrRevokedToken, "")
	}

	claims, err := s.codec.VerifyAccess(rawToken)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.repo.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrPrincipalNotFound, "")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}
	if issuedBeforePasswordChange(claims, user) {
		return nil, nil, appErrors.Clone(appErrors.ErrRevokedToken, "password changed since token was issued")
	}

	return claims, user, nil
}

func (s *AuthService) issuePair(user *models.User) (string, string, error) {
	accessToken, _, err := s.codec.IssueAccess(user)
	if err != nil {
		return "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	refreshToken, _, err := s.codec.IssueRefresh(user)
	if err != nil {
		return "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}
	return accessToken, refreshToken, nil
}

func (s *AuthService) blacklist(ctx context.Context, rawToken string, tokenType models.TokenType, userID string, reason models.RevocationReason, expiresAt time.Time) {
	entry := &models.RevokedToken{
		Token:     rawToken,
		TokenType: tokenType,
		UserID:    userID,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}
	if err := s.revocations.Blacklist(ctx, entry); err != nil {
		s.logger.Warn("failed to blacklist token",
			zap.String("token_type", string(tokenType)),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (s *AuthService) audit(ctx context.Context, userID, action, ip, userAgent string) {
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: &userID,
		NewValues:  []byte(`{"status":"success"}`),
		IPAddress:  ip,
		UserAgent:  userAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func issuedBeforePasswordChange(claims *models.Claims, user *models.User) bool {
	if user.PasswordChangedAt == nil || claims.IssuedAt == nil {
		return false
	}
	return claims.IssuedAt.Time.Before(*user.PasswordChangedAt)
}

func publicView(user *models.User) models.UserInfo {
	return models.UserInfo{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     user.Role,
	}
}

func generateResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashResetToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
