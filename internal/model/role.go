package model

import "fmt"

// Role описывает роль аутентифицированного участника. Набор значений закрыт.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleProvider
	RoleAdmin
)

// Area обозначает раздел приложения, доступ к которому определяется ролью.
type Area uint8

const (
	AreaUser Area = iota + 1
	AreaProvider
	AreaAdmin
)

// ParseRole разбирает имя роли в формате бэкенда (ROLE_USER и т.д.).
func ParseRole(s string) (Role, error) {
	switch s {
	case "ROLE_USER":
		return RoleUser, nil
	case "ROLE_PROVIDER":
		return RoleProvider, nil
	case "ROLE_ADMIN":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// String возвращает имя роли в формате бэкенда.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "ROLE_USER"
	case RoleProvider:
		return "ROLE_PROVIDER"
	case RoleAdmin:
		return "ROLE_ADMIN"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// MarshalText реализует encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	switch r {
	case RoleUser, RoleProvider, RoleAdmin:
		return []byte(r.String()), nil
	}
	return nil, fmt.Errorf("invalid role %d", uint8(r))
}

// UnmarshalText реализует encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// CanAccess решает, открыт ли роли раздел. Других проверок доступа нет.
func (r Role) CanAccess(a Area) bool {
	switch r {
	case RoleUser:
		return a == AreaUser
	case RoleProvider:
		return a == AreaProvider
	case RoleAdmin:
		return a == AreaAdmin
	}
	return false
}
