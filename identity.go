package chatcore

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user a session belongs to.
type Identity struct {
	UserID      string
	DisplayName string
	AccessToken string
}

// Name returns the name shown to call recipients.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.UserID
}

// Validate checks the identity before any socket is opened. An access token
// that is a JWT with an expiry in the past is rejected as an authentication
// error: the broker would refuse it and retrying cannot help.
func (i Identity) Validate() error {
	err := validation.ValidateStruct(&i,
		validation.Field(&i.UserID, validation.Required, validation.Length(1, 128)),
	)
	if err != nil {
		return NewErrorWithCause(ErrCodeValidation, "invalid identity", err)
	}

	exp, ok := tokenExpiry(i.AccessToken)
	if ok && time.Now().After(exp) {
		return NewError(ErrCodeAuthentication, "access token expired at "+exp.Format(time.RFC3339))
	}
	return nil
}

// tokenExpiry reads the exp claim of a JWT without verifying its signature.
// The server verifies; the client only avoids connecting with a dead token.
func tokenExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
