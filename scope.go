package stepup

import "strings"

// Scope is a sensitivity domain that requires its own step-up grant.
//
// The set of scopes is closed: the only valid values are the package-level Scope
// variables, and the zero Scope is invalid. Code outside this package cannot mint new
// scopes, so every switch over AllScopes stays exhaustive as the set grows.
type Scope struct {
	id uint8
}

const (
	scopeInvalid uint8 = iota
	scopeLogin
	scopeSecurity
	scopeAdminManagement
	scopeContentPublishing
	scopeCount
)

var (
	// ScopeLogin covers the primary admin session. It is issued once per password login.
	ScopeLogin = Scope{id: scopeLogin}
	// ScopeSecurity covers security settings such as second-factor enrollment.
	ScopeSecurity = Scope{id: scopeSecurity}
	// ScopeAdminManagement covers creating, disabling and re-roling admin accounts.
	ScopeAdminManagement = Scope{id: scopeAdminManagement}
	// ScopeContentPublishing covers publishing i18n and content documents.
	ScopeContentPublishing = Scope{id: scopeContentPublishing}
)

var scopeNames = [scopeCount]string{
	scopeInvalid:           "",
	scopeLogin:             "LOGIN",
	scopeSecurity:          "SECURITY",
	scopeAdminManagement:   "ADMIN_MANAGEMENT",
	scopeContentPublishing: "CONTENT_PUBLISHING",
}

// AllScopes returns every valid scope in declaration order.
func AllScopes() []Scope {
	out := make([]Scope, 0, scopeCount-1)
	for id := scopeLogin; id < scopeCount; id++ {
		out = append(out, Scope{id: id})
	}
	return out
}

// ParseScope resolves a persisted or wire scope name. Matching is case-insensitive.
func ParseScope(name string) (Scope, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for id := scopeLogin; id < scopeCount; id++ {
		if scopeNames[id] == upper {
			return Scope{id: id}, nil
		}
	}
	return Scope{}, ErrInvalidScope
}

// MustParseScope is ParseScope for static names; it panics on unknown input.
func MustParseScope(name string) Scope {
	s, err := ParseScope(name)
	if err != nil {
		panic("stepup: unknown scope " + name)
	}
	return s
}

// Valid reports whether s is one of the declared scopes.
func (s Scope) Valid() bool {
	return s.id > scopeInvalid && s.id < scopeCount
}

// IsLogin reports whether s is the primary-session scope.
func (s Scope) IsLogin() bool {
	return s.id == scopeLogin
}

// String returns the stable persisted name, or "INVALID" for the zero value.
func (s Scope) String() string {
	if !s.Valid() {
		return "INVALID"
	}
	return scopeNames[s.id]
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrInvalidScope
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
