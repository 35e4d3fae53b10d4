package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the engine cares about: standard registered
// claims plus the tenant company the token is scoped to.
type Claims struct {
	jwt.RegisteredClaims

	// CompanyID selects the tenant storage account.
	CompanyID string `json:"company_id"`
}
