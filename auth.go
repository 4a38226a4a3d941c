package chatsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Auth Errors
// ============================================================================

// Auth error codes.
const (
	CodeInvalidCredential   = "auth/invalid-credential"
	CodeUserNotFound        = "auth/user-not-found"
	CodeWrongPassword       = "auth/wrong-password"
	CodeTooManyRequests     = "auth/too-many-requests"
	CodeRequiresRecentLogin = "auth/requires-recent-login"
	CodeEmailAlreadyInUse   = "auth/email-already-in-use"
	CodeInvalidEmail        = "auth/invalid-email"
	CodeWeakPassword        = "auth/weak-password"
	CodeInvalidToken        = "auth/invalid-user-token"
)

// AuthError is a coded failure from the authentication service.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func authError(code, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

// ErrorCode returns the auth code carried by err, or "".
func ErrorCode(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// UserMessage maps err to the text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe FieldErrors
	if errors.As(err, &fe) {
		return fe.Error()
	}
	switch ErrorCode(err) {
	case CodeUserNotFound:
		return "No user found with this email."
	case CodeWrongPassword, CodeInvalidCredential:
		return "Incorrect password."
	case CodeTooManyRequests:
		return "Too many login attempts. Please try again later."
	case CodeRequiresRecentLogin:
		return "Please sign in again to continue."
	case CodeEmailAlreadyInUse:
		return "This email is already in use."
	case CodeInvalidEmail:
		return "Invalid email address."
	case CodeWeakPassword:
		return "Password must be at least 6 characters."
	}
	return "An unexpected error occurred."
}

// ============================================================================
// Auth Interface
// ============================================================================

// Identity is the signed-in user as seen by the auth service.
type Identity struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	PhotoURL    string    `json:"photoURL,omitempty"`
	Token       string    `json:"token,omitempty"`
	AuthTime    time.Time `json:"authTime"`
}

// Auth is the authentication service consumed by the engine.
type Auth interface {
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	SignOut(ctx context.Context) error
	CurrentIdentity() *Identity
	Reauthenticate(ctx context.Context, password string) error
	UpdateEmail(ctx context.Context, email string) error
	DeleteAccount(ctx context.Context) error
}

// ============================================================================
// Reauthentication
// ============================================================================

// Reauthenticator asks the user for their password again.
type Reauthenticator interface {
	Password(ctx context.Context) (string, error)
}

// ReauthFunc adapts a func to Reauthenticator.
type ReauthFunc func(ctx context.Context) (string, error)

// Password calls f.
func (f ReauthFunc) Password(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticPassword is a Reauthenticator that always answers with the same password.
type StaticPassword string

// Password returns p.
func (p StaticPassword) Password(context.Context) (string, error) {
	return string(p), nil
}

// WithReauth runs op. If it fails with auth/requires-recent-login, the user is
// asked for their password, reauthenticated, and op runs once more.
func WithReauth(ctx context.Context, a Auth, prompt Reauthenticator, op func(context.Context) error) error {
	err := op(ctx)
	if ErrorCode(err) != CodeRequiresRecentLogin || prompt == nil {
		return err
	}
	password, perr := prompt.Password(ctx)
	if perr != nil {
		return fmt.Errorf("reauthentication prompt: %w", perr)
	}
	if err := a.Reauthenticate(ctx, password); err != nil {
		return err
	}
	return op(ctx)
}
