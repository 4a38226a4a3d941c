package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrProfileNotFound is returned when users/{uid} holds no profile.
var ErrProfileNotFound = errors.New("chatsync: profile not found")

var photoExts = map[string]bool{"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "heic": true}

// Account runs the registration, sign-in and profile flows of the signed-in user.
type Account struct {
	auth    Auth
	store   RealtimeStore
	storage ObjectStorage
	kv      KeyValueStore
	dir     *Directory
	log     zerolog.Logger
	now     func() time.Time
}

// Register validates form, creates the account and writes its profile.
func (a *Account) Register(ctx context.Context, form RegistrationForm) (*Identity, error) {
	if err := form.Validate(); err != nil {
		return nil, err
	}
	id, err := a.auth.SignUp(ctx, strings.TrimSpace(form.Email), form.Password)
	if err != nil {
		return nil, err
	}

	profile := UserProfile{
		UID:         id.ID,
		FullName:    strings.TrimSpace(form.FullName),
		Email:       id.Email,
		PhoneNumber: strings.TrimSpace(form.PhoneNumber),
		CreatedAt:   a.now().UTC().Format(time.RFC3339),
	}
	if err := a.store.Write(ctx, UserPath(id.ID), profile); err != nil {
		a.log.Error().Err(err).Str("uid", id.ID).Msg("save profile failed")
		return id, fmt.Errorf("save profile: %w", err)
	}
	a.dir.Patch(id.ID, profile)
	a.log.Info().Str("uid", id.ID).Msg("registered")
	return id, nil
}

// SignIn validates the form, signs in and remembers the credentials for
// RestoreSession.
func (a *Account) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	if err := ValidateSignIn(email, password); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	id, err := a.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	a.remember(email, password)
	return id, nil
}

// RestoreSession signs in with the saved credentials. It reports false when
// none are saved.
func (a *Account) RestoreSession(ctx context.Context) (*Identity, bool, error) {
	if a.kv == nil {
		return nil, false, nil
	}
	email, okEmail, err := a.kv.Get(KeyUserEmail)
	if err != nil {
		return nil, false, err
	}
	password, okPassword, err := a.kv.Get(KeyUserPassword)
	if err != nil {
		return nil, false, err
	}
	if !okEmail || !okPassword {
		return nil, false, nil
	}
	id, err := a.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, true, err
	}
	return id, true, nil
}

// SignOut signs out and forgets the saved credentials.
func (a *Account) SignOut(ctx context.Context) error {
	if err := a.auth.SignOut(ctx); err != nil {
		return err
	}
	a.forget()
	return nil
}

// Profile reads the signed-in user's profile once.
func (a *Account) Profile(ctx context.Context) (UserProfile, error) {
	id := a.auth.CurrentIdentity()
	if id == nil {
		return UserProfile{}, ErrNotAuthenticated
	}
	snap, err := a.store.Read(ctx, UserPath(id.ID))
	if err != nil {
		return UserProfile{}, fmt.Errorf("read profile: %w", err)
	}
	if !snap.Exists() {
		return UserProfile{}, ErrProfileNotFound
	}
	var p UserProfile
	if err := snap.Decode(&p); err != nil {
		return UserProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.UID == "" {
		p.UID = id.ID
	}
	return p, nil
}

// UpdateProfile changes the display fields. A changed email goes through the
// auth service first; if that needs a recent sign-in, prompt is asked for the
// password and the whole update runs once more.
func (a *Account) UpdateProfile(ctx context.Context, edit ProfileEdit, prompt Reauthenticator) error {
	if err := edit.Validate(); err != nil {
		return err
	}
	id := a.auth.CurrentIdentity()
	if id == nil {
		return ErrNotAuthenticated
	}
	uid := id.ID
	edit.FullName = strings.TrimSpace(edit.FullName)
	edit.Email = strings.TrimSpace(edit.Email)
	edit.PhoneNumber = strings.TrimSpace(edit.PhoneNumber)

	err := WithReauth(ctx, a.auth, prompt, func(ctx context.Context) error {
		cur := a.auth.CurrentIdentity()
		if cur == nil {
			return ErrNotAuthenticated
		}
		if normalizeEmail(edit.Email) != normalizeEmail(cur.Email) {
			if err := a.auth.UpdateEmail(ctx, edit.Email); err != nil {
				return err
			}
		}
		return a.store.Update(ctx, UserPath(uid), map[string]any{
			"fullName":    edit.FullName,
			"email":       edit.Email,
			"phoneNumber": edit.PhoneNumber,
		})
	})
	if err != nil {
		a.log.Warn().Err(err).Str("uid", uid).Msg("profile update failed")
		return err
	}

	p, ok := a.dir.Get(uid)
	if !ok {
		p = UserProfile{UID: uid}
	}
	p.FullName, p.Email, p.PhoneNumber = edit.FullName, edit.Email, edit.PhoneNumber
	a.dir.Patch(uid, p)
	return nil
}

// UploadPhoto stores a new profile photo and points the profile at it.
func (a *Account) UploadPhoto(ctx context.Context, data []byte, ext string) (string, error) {
	id := a.auth.CurrentIdentity()
	if id == nil {
		return "", ErrNotAuthenticated
	}
	if a.storage == nil {
		return "", errors.New("chatsync: no object storage configured")
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if !photoExts[ext] {
		return "", FieldErrors{"photo": "Unsupported image type"}
	}
	if len(data) == 0 {
		return "", FieldErrors{"photo": "Image is empty"}
	}

	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	objectPath := fmt.Sprintf("%s/%s_%s.%s", id.ID, id.ID, random, ext)
	url, err := a.storage.Upload(ctx, objectPath, data, ImageContentType(ext))
	if err != nil {
		a.log.Error().Err(err).Str("path", objectPath).Msg("photo upload failed")
		return "", fmt.Errorf("upload photo: %w", err)
	}
	if err := a.store.Update(ctx, UserPath(id.ID), map[string]any{"photoUri": url}); err != nil {
		return "", fmt.Errorf("save photo uri: %w", err)
	}

	p, ok := a.dir.Get(id.ID)
	if !ok {
		p = UserProfile{UID: id.ID}
	}
	p.PhotoURI = &url
	a.dir.Patch(id.ID, p)
	return url, nil
}

// DeleteAccount asks for the password, then removes the user's photos,
// profile and account. Photo cleanup failures are logged and skipped.
func (a *Account) DeleteAccount(ctx context.Context, prompt Reauthenticator) error {
	id := a.auth.CurrentIdentity()
	if id == nil {
		return ErrNotAuthenticated
	}
	if prompt == nil {
		return errors.New("chatsync: account deletion needs the password")
	}
	password, err := prompt.Password(ctx)
	if err != nil {
		return fmt.Errorf("reauthentication prompt: %w", err)
	}
	if err := a.auth.Reauthenticate(ctx, password); err != nil {
		return err
	}

	a.removePhotos(ctx, id.ID)

	if err := a.store.Delete(ctx, UserPath(id.ID)); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if err := a.auth.DeleteAccount(ctx); err != nil {
		return err
	}
	_ = a.auth.SignOut(ctx)
	a.forget()
	a.dir.Remove(id.ID)
	a.log.Info().Str("uid", id.ID).Msg("account deleted")
	return nil
}

func (a *Account) removePhotos(ctx context.Context, uid string) {
	if a.storage == nil {
		return
	}
	paths, err := a.storage.List(ctx, uid)
	if err != nil {
		a.log.Warn().Err(err).Str("uid", uid).Msg("list photos failed")
		return
	}
	for _, p := range paths {
		if err := a.storage.Delete(ctx, p); err != nil {
			a.log.Warn().Err(err).Str("path", p).Msg("delete photo failed")
		}
	}
}

func (a *Account) remember(email, password string) {
	if a.kv == nil {
		return
	}
	if err := a.kv.Set(KeyUserEmail, email); err != nil {
		a.log.Warn().Err(err).Msg("save credentials failed")
		return
	}
	if err := a.kv.Set(KeyUserPassword, password); err != nil {
		a.log.Warn().Err(err).Msg("save credentials failed")
	}
}

func (a *Account) forget() {
	if a.kv == nil {
		return
	}
	for _, k := range []string{KeyUserEmail, KeyUserPassword} {
		if err := a.kv.Delete(k); err != nil {
			a.log.Warn().Err(err).Str("key", k).Msg("forget credentials failed")
		}
	}
}
