package model

import "strings"

// Role — сторона обмена пожертвованиями (поставщик или получатель).
type Role string

const (
	RoleSupplier  Role = "supplier"
	RoleRequester Role = "requester"
)

// ParseRole принимает имя роли в любом регистре. Для неизвестного имени ok=false.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSupplier:
		return RoleSupplier, true
	case RoleRequester:
		return RoleRequester, true
	}
	return "", false
}

// Counterpart — роль, которой пользователь роли r может писать.
func (r Role) Counterpart() Role {
	switch r {
	case RoleSupplier:
		return RoleRequester
	case RoleRequester:
		return RoleSupplier
	}
	return ""
}

// CanMessage: может ли пользователь роли r писать пользователю роли other.
func (r Role) CanMessage(other Role) bool {
	c := r.Counterpart()
	return c != "" && c == other
}

// User приходит из внешнего справочника; ядро переписки его не меняет.
type User struct {
	ID          int64  `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// PeerSummary — данные пользователя, показываемые рядом с перепиской.
type PeerSummary struct {
	ID          int64  `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func (u *User) ToSummary() PeerSummary {
	return PeerSummary{
		ID:          u.ID,
		Role:        u.Role,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}
