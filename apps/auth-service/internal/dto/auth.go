package dto

import (
	"regexp"
	"strings"
	"unicode"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// RegisterRequest represents registration request
type RegisterRequest struct {
	UserName   string `json:"user_name" binding:"required,min=3,max=64"`
	Email      string `json:"email" binding:"omitempty,max=64"`
	Phone      string `json:"phone" binding:"required,min=11,max=16"`
	FirstName  string `json:"first_name" binding:"required,min=3,max=32"`
	LastName   string `json:"last_name" binding:"required,min=3,max=32"`
	MiddleName string `json:"middle_name" binding:"required,min=3,max=32"`
	Password   string `json:"password" binding:"required,min=8,max=72"`
	IsSeller   bool   `json:"is_seller"`
}

// ValidatePassword validates password strength requirements:
// - 8 to 72 characters (bcrypt ignores anything longer)
// - at least one uppercase letter, one lowercase letter and one digit
// - at least one special character
func (r *RegisterRequest) ValidatePassword() (bool, string) {
	password := r.Password

	if len(password) < 8 {
		return false, "Password must be at least 8 characters"
	}

	if len(password) > 72 {
		return false, "Password must not exceed 72 characters"
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			hasUpper = true
		case unicode.IsLower(c):
			hasLower = true
		case unicode.IsDigit(c):
			hasDigit = true
		case unicode.IsPunct(c) || unicode.IsSymbol(c):
			hasSpecial = true
		}
	}

	if !hasUpper {
		return false, "Password must contain at least one uppercase letter"
	}
	if !hasLower {
		return false, "Password must contain at least one lowercase letter"
	}
	if !hasDigit {
		return false, "Password must contain at least one digit"
	}
	if !hasSpecial {
		return false, "Password must contain at least one special character"
	}

	return true, ""
}

// ValidateEmail checks the optional email more strictly than the binding tag
func (r *RegisterRequest) ValidateEmail() (bool, string) {
	if r.Email == "" {
		return true, ""
	}
	if !emailRegex.MatchString(r.Email) {
		return false, "Invalid email format"
	}
	return true, ""
}

// LoginRequest accepts either a generic identifier or an explicit email/phone
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Password   string `json:"password" binding:"required"`
}

// Credential returns the first identifier supplied
func (r *LoginRequest) Credential() string {
	for _, v := range []string{r.Identifier, r.Email, r.Phone} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// RefreshTokenRequest represents refresh token request
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// LogoutRequest optionally carries the refresh token to burn with the session
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AccountStateRequest is the body of ban and unban
type AccountStateRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

// TokenPairResponse is returned by register, login and refresh
type TokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ValidResponse is returned by the access token check
type ValidResponse struct {
	Valid bool `json:"valid"`
}

// SuccessResponse acknowledges logout, ban and unban
type SuccessResponse struct {
	Success bool `json:"success"`
}
