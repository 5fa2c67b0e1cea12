package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the only role the admin surface accepts.
const RoleAdmin = "admin"

// AdminTokenPayload captures the data available when minting a staff JWT.
type AdminTokenPayload struct {
	Subject string
	Role    string
	JTI     string
}

// AdminClaims is the staff token verified on admin routes.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (c *AdminClaims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}
