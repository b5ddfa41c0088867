package auth

import (
	"context"
	"strings"

	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// UserService resolves bearer tokens to user identities. It implements
// store.TokenService on top of any types.TokenValidator.
type UserService struct {
	validator types.TokenValidator
}

// NewUserService wraps a token validator.
func NewUserService(validator types.TokenValidator) *UserService {
	return &UserService{validator: validator}
}

// GetUserFromToken validates the token and derives a display name from the
// name claim, the email local part, or the subject, in that order.
func (s *UserService) GetUserFromToken(_ context.Context, token string) (*types.User, error) {
	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		return nil, types.NewError(types.CodeInvalidToken, "invalid token")
	}
	return &types.User{
		ID:          types.UserIDType(claims.Subject),
		DisplayName: types.DisplayNameType(DisplayNameFromClaims(claims)),
		Email:       claims.Email,
	}, nil
}

// DisplayNameFromClaims picks the best available human-readable name.
func DisplayNameFromClaims(claims *types.TokenClaims) string {
	if claims.Name != "" {
		return claims.Name
	}
	if claims.Email != "" {
		return strings.SplitN(claims.Email, "@", 2)[0]
	}
	return claims.Subject
}
