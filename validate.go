package chatsync

import (
	"regexp"
	"sort"
	"strings"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// FieldErrors maps form field names to validation messages.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fe[k])
	}
	return strings.Join(parts, "; ")
}

// orNil returns fe, or nil when no field failed.
func (fe FieldErrors) orNil() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// ValidEmail reports whether e looks like an email address.
func ValidEmail(e string) bool {
	return emailPattern.MatchString(strings.TrimSpace(e))
}

// ValidateSignIn checks the sign-in form.
func ValidateSignIn(email, password string) error {
	fe := FieldErrors{}
	if !ValidEmail(email) {
		fe["email"] = "Invalid email address"
	}
	if len(password) < MinPasswordLength {
		fe["password"] = "Password must be at least 6 characters"
	}
	return fe.orNil()
}

// RegistrationForm is the input of Account.Register.
type RegistrationForm struct {
	FullName        string
	Email           string
	PhoneNumber     string
	Password        string
	ConfirmPassword string
	AcceptTerms     bool
}

// Validate checks every field and returns FieldErrors when any is invalid.
func (f RegistrationForm) Validate() error {
	fe := FieldErrors{}
	if strings.TrimSpace(f.FullName) == "" {
		fe["fullName"] = "Full name is required"
	}
	if strings.TrimSpace(f.Email) == "" {
		fe["email"] = "Email is required"
	} else if !ValidEmail(f.Email) {
		fe["email"] = "Invalid email address"
	}
	if strings.TrimSpace(f.PhoneNumber) == "" {
		fe["phoneNumber"] = "Phone number is required"
	}
	if len(f.Password) < MinPasswordLength {
		fe["password"] = "Password must be at least 6 characters"
	}
	if f.ConfirmPassword != f.Password {
		fe["confirmPassword"] = "Passwords do not match"
	}
	if !f.AcceptTerms {
		fe["terms"] = "You must accept the terms and conditions"
	}
	return fe.orNil()
}

// ProfileEdit is the input of Account.UpdateProfile.
type ProfileEdit struct {
	FullName    string
	Email       string
	PhoneNumber string
}

// Validate checks the edited fields.
func (p ProfileEdit) Validate() error {
	fe := FieldErrors{}
	if strings.TrimSpace(p.FullName) == "" {
		fe["fullName"] = "Full name is required"
	}
	if !ValidEmail(p.Email) {
		fe["email"] = "Invalid email address"
	}
	return fe.orNil()
}
