package chatsync

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// Configuration
// ============================================================================

// AuthServiceConfig configures an AuthService.
type AuthServiceConfig struct {
	// Secret signs id tokens (HS256).
	Secret string
	// TokenTTL is the lifetime of an id token.
	TokenTTL time.Duration
	// RecentLoginWindow bounds how old a sign-in may be for sensitive
	// operations (email change, account deletion).
	RecentLoginWindow time.Duration
	SignInPerMinute   int
	SignInBurst       int
	BcryptCost        int
	Now               func() time.Time
	Logger            *zerolog.Logger
}

func (c *AuthServiceConfig) defaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = time.Hour
	}
	if c.RecentLoginWindow == 0 {
		c.RecentLoginWindow = 5 * time.Minute
	}
	if c.SignInPerMinute == 0 {
		c.SignInPerMinute = 10
	}
	if c.SignInBurst == 0 {
		c.SignInBurst = 5
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// TokenClaims is the payload of an id token. Subject is the user id.
type TokenClaims struct {
	Email    string `json:"email"`
	AuthTime int64  `json:"auth_time"`
	jwt.RegisteredClaims
}

// ============================================================================
// AuthService
// ============================================================================

type account struct {
	uid   string
	email string
	hash  string
}

// AuthService is an email/password identity provider issuing signed id tokens.
type AuthService struct {
	cfg     AuthServiceConfig
	limiter *limiterStore

	mu       sync.RWMutex
	accounts map[string]*account
	byEmail  map[string]string
}

// NewAuthService creates an AuthService. Call Close to stop the limiter.
func NewAuthService(cfg AuthServiceConfig) (*AuthService, error) {
	cfg.defaults()
	if cfg.Secret == "" {
		return nil, errors.New("auth service: secret is required")
	}
	return &AuthService{
		cfg:      cfg,
		limiter:  newLimiterStore(cfg.SignInPerMinute, cfg.SignInBurst, time.Minute),
		accounts: make(map[string]*account),
		byEmail:  make(map[string]string),
	}, nil
}

// Close releases background resources.
func (s *AuthService) Close() error {
	s.limiter.stop()
	return nil
}

// SignUp creates an account and signs it in.
func (s *AuthService) SignUp(email, password string) (*Identity, error) {
	email = normalizeEmail(email)
	if !emailPattern.MatchString(email) {
		return nil, authError(CodeInvalidEmail, "The email address is badly formatted.")
	}
	if len(password) < MinPasswordLength {
		return nil, authError(CodeWeakPassword, "Password should be at least 6 characters.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	if _, taken := s.byEmail[email]; taken {
		s.mu.Unlock()
		return nil, authError(CodeEmailAlreadyInUse, "The email address is already in use by another account.")
	}
	acct := &account{
		uid:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		email: email,
		hash:  string(hash),
	}
	s.accounts[acct.uid] = acct
	s.byEmail[email] = acct.uid
	s.mu.Unlock()

	s.cfg.Logger.Info().Str("uid", acct.uid).Msg("account created")
	return s.issue(acct, s.cfg.Now())
}

// SignIn checks the password of the account registered under email.
func (s *AuthService) SignIn(email, password string) (*Identity, error) {
	email = normalizeEmail(email)
	if !s.limiter.allow("email:" + email) {
		s.cfg.Logger.Warn().Str("email", email).Msg("sign-in throttled")
		return nil, authError(CodeTooManyRequests, "Access to this account has been temporarily disabled due to many failed login attempts.")
	}

	s.mu.RLock()
	acct := s.accounts[s.byEmail[email]]
	s.mu.RUnlock()
	if acct == nil {
		return nil, authError(CodeUserNotFound, "There is no user record corresponding to this identifier.")
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.hash), []byte(password)) != nil {
		return nil, authError(CodeWrongPassword, "The password is invalid.")
	}
	return s.issue(acct, s.cfg.Now())
}

// VerifyToken validates token and returns its claims. Tokens of deleted
// accounts are rejected.
func (s *AuthService) VerifyToken(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithTimeFunc(s.cfg.Now))
	if err != nil || !parsed.Valid {
		return nil, authError(CodeInvalidToken, "The user's credential is no longer valid.")
	}

	s.mu.RLock()
	_, ok := s.accounts[claims.Subject]
	s.mu.RUnlock()
	if !ok {
		return nil, authError(CodeUserNotFound, "There is no user record corresponding to this identifier.")
	}
	return claims, nil
}

// Reauthenticate checks password for the holder of token and returns a
// fresh identity whose sign-in time is now.
func (s *AuthService) Reauthenticate(token, password string) (*Identity, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	acct := s.lookup(claims.Subject)
	if acct == nil {
		return nil, authError(CodeUserNotFound, "There is no user record corresponding to this identifier.")
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.hash), []byte(password)) != nil {
		return nil, authError(CodeWrongPassword, "The password is invalid.")
	}
	return s.issue(acct, s.cfg.Now())
}

// UpdateEmail changes the email of the holder of token. The sign-in must be recent.
func (s *AuthService) UpdateEmail(token, email string) (*Identity, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	if err := s.requireRecent(claims); err != nil {
		return nil, err
	}
	email = normalizeEmail(email)
	if !emailPattern.MatchString(email) {
		return nil, authError(CodeInvalidEmail, "The email address is badly formatted.")
	}

	s.mu.Lock()
	acct := s.accounts[claims.Subject]
	if acct == nil {
		s.mu.Unlock()
		return nil, authError(CodeUserNotFound, "There is no user record corresponding to this identifier.")
	}
	if owner, taken := s.byEmail[email]; taken && owner != acct.uid {
		s.mu.Unlock()
		return nil, authError(CodeEmailAlreadyInUse, "The email address is already in use by another account.")
	}
	delete(s.byEmail, acct.email)
	acct.email = email
	s.byEmail[email] = acct.uid
	s.mu.Unlock()

	return s.issue(acct, time.Unix(claims.AuthTime, 0))
}

// DeleteAccount removes the holder of token. The sign-in must be recent.
func (s *AuthService) DeleteAccount(token string) error {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return err
	}
	if err := s.requireRecent(claims); err != nil {
		return err
	}
	s.mu.Lock()
	if acct, ok := s.accounts[claims.Subject]; ok {
		delete(s.byEmail, acct.email)
		delete(s.accounts, claims.Subject)
	}
	s.mu.Unlock()
	s.cfg.Logger.Info().Str("uid", claims.Subject).Msg("account deleted")
	return nil
}

func (s *AuthService) lookup(uid string) *account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[uid]
}

func (s *AuthService) requireRecent(claims *TokenClaims) error {
	if s.cfg.Now().Sub(time.Unix(claims.AuthTime, 0)) > s.cfg.RecentLoginWindow {
		return authError(CodeRequiresRecentLogin, "This operation is sensitive and requires recent authentication.")
	}
	return nil
}

func (s *AuthService) issue(acct *account, authTime time.Time) (*Identity, error) {
	now := s.cfg.Now()
	claims := &TokenClaims{
		Email:    acct.email,
		AuthTime: authTime.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.uid,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Identity{
		ID:       acct.uid,
		Email:    acct.email,
		Token:    token,
		AuthTime: time.Unix(claims.AuthTime, 0),
	}, nil
}
