package authkit

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession indicates the request carries no usable session.
	ErrNoSession = errors.New("session.no_session")
	// ErrMissingCode indicates an empty one-time login code.
	ErrMissingCode = errors.New("session.missing_code")
	// ErrProviderRejected indicates the identity provider refused a token, code, or request.
	ErrProviderRejected = errors.New("provider.rejected")
	// ErrProviderUnavailable indicates a transport or server failure at the identity provider.
	ErrProviderUnavailable = errors.New("provider.unavailable")
	// ErrProviderNotConfigured indicates no identity provider URL was supplied.
	ErrProviderNotConfigured = errors.New("provider.not_configured")
)

// ProviderError carries the provider's status and human-readable message.
type ProviderError struct {
	Operation string
	Status    int
	Message   string
	Err       error
}

func (providerErr *ProviderError) Error() string {
	if providerErr.Message == "" {
		return fmt.Sprintf("provider.%s: %v (status %d)", providerErr.Operation, providerErr.Err, providerErr.Status)
	}
	return fmt.Sprintf("provider.%s: %v (status %d): %s", providerErr.Operation, providerErr.Err, providerErr.Status, providerErr.Message)
}

func (providerErr *ProviderError) Unwrap() error {
	return providerErr.Err
}

// UserMessage returns a message suitable for the login page error parameter.
func UserMessage(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Message != "" {
		return providerErr.Message
	}
	switch {
	case errors.Is(err, ErrMissingCode):
		return "Login link is missing its code"
	case errors.Is(err, ErrProviderRejected):
		return "Login link is invalid or has expired"
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrProviderNotConfigured):
		return "Sign-in is temporarily unavailable"
	default:
		return "Unable to sign in"
	}
}
