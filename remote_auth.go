package chatsync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RemoteAuth is an Auth client for the relay's /auth/v1 routes.
type RemoteAuth struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	current *Identity
}

// NewRemoteAuth creates a signed-out client for the relay at baseURL. A nil
// hc uses a client with a 30 second timeout.
func NewRemoteAuth(baseURL string, hc *http.Client) *RemoteAuth {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteAuth{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *RemoteAuth) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	id, err := a.call(ctx, http.MethodPost, "/auth/v1/token", "", credentialsRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	a.set(id)
	return id, nil
}

func (a *RemoteAuth) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	id, err := a.call(ctx, http.MethodPost, "/auth/v1/signup", "", credentialsRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	a.set(id)
	return id, nil
}

func (a *RemoteAuth) SignOut(context.Context) error {
	a.set(nil)
	return nil
}

func (a *RemoteAuth) CurrentIdentity() *Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return nil
	}
	id := *a.current
	return &id
}

// Restore installs an identity obtained earlier, e.g. from a saved session.
func (a *RemoteAuth) Restore(id *Identity) {
	a.set(id)
}

// Token returns the current id token or "".
func (a *RemoteAuth) Token() string {
	if id := a.CurrentIdentity(); id != nil {
		return id.Token
	}
	return ""
}

func (a *RemoteAuth) Reauthenticate(ctx context.Context, password string) error {
	token := a.Token()
	if token == "" {
		return ErrNotAuthenticated
	}
	id, err := a.call(ctx, http.MethodPost, "/auth/v1/reauthenticate", token, map[string]string{"password": password})
	if err != nil {
		return err
	}
	a.set(id)
	return nil
}

func (a *RemoteAuth) UpdateEmail(ctx context.Context, email string) error {
	token := a.Token()
	if token == "" {
		return ErrNotAuthenticated
	}
	id, err := a.call(ctx, http.MethodPut, "/auth/v1/user", token, map[string]string{"email": email})
	if err != nil {
		return err
	}
	a.set(id)
	return nil
}

func (a *RemoteAuth) DeleteAccount(ctx context.Context) error {
	token := a.Token()
	if token == "" {
		return ErrNotAuthenticated
	}
	body, status, err := doRequest(ctx, a.httpClient, http.MethodDelete, a.baseURL+"/auth/v1/user", nil, bearer(token))
	if err != nil {
		return err
	}
	if status >= 300 {
		return responseError(status, body)
	}
	a.set(nil)
	return nil
}

func (a *RemoteAuth) call(ctx context.Context, method, path, token string, body any) (*Identity, error) {
	var h http.Header
	if token != "" {
		h = bearer(token)
	}
	data, status, err := doRequest(ctx, a.httpClient, method, a.baseURL+path, body, h)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, responseError(status, data)
	}
	return decodeJSON[Identity](data)
}

func (a *RemoteAuth) set(id *Identity) {
	a.mu.Lock()
	a.current = id
	a.mu.Unlock()
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
