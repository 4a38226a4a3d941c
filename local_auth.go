package chatsync

import (
	"context"
	"sync"
)

// LocalAuth is an Auth client bound to an in-process AuthService.
type LocalAuth struct {
	svc *AuthService

	mu      sync.RWMutex
	current *Identity
}

// NewLocalAuth creates a signed-out client of svc.
func NewLocalAuth(svc *AuthService) *LocalAuth {
	return &LocalAuth{svc: svc}
}

func (a *LocalAuth) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := a.svc.SignIn(email, password)
	if err != nil {
		return nil, err
	}
	a.set(id)
	return id, nil
}

func (a *LocalAuth) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := a.svc.SignUp(email, password)
	if err != nil {
		return nil, err
	}
	a.set(id)
	return id, nil
}

func (a *LocalAuth) SignOut(context.Context) error {
	a.set(nil)
	return nil
}

func (a *LocalAuth) CurrentIdentity() *Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return nil
	}
	id := *a.current
	return &id
}

func (a *LocalAuth) Reauthenticate(ctx context.Context, password string) error {
	cur := a.CurrentIdentity()
	if cur == nil {
		return ErrNotAuthenticated
	}
	id, err := a.svc.Reauthenticate(cur.Token, password)
	if err != nil {
		return err
	}
	a.set(id)
	return nil
}

func (a *LocalAuth) UpdateEmail(ctx context.Context, email string) error {
	cur := a.CurrentIdentity()
	if cur == nil {
		return ErrNotAuthenticated
	}
	id, err := a.svc.UpdateEmail(cur.Token, email)
	if err != nil {
		return err
	}
	a.set(id)
	return nil
}

func (a *LocalAuth) DeleteAccount(ctx context.Context) error {
	cur := a.CurrentIdentity()
	if cur == nil {
		return ErrNotAuthenticated
	}
	if err := a.svc.DeleteAccount(cur.Token); err != nil {
		return err
	}
	a.set(nil)
	return nil
}

func (a *LocalAuth) set(id *Identity) {
	a.mu.Lock()
	a.current = id
	a.mu.Unlock()
}
