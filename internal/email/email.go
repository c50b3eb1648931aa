package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// MaxAddressLength bounds from/to addresses, matching the store column width.
const MaxAddressLength = 256

var (
	// ErrInvalidAddress indicates the address failed validation.
	ErrInvalidAddress = errors.New("invalid email address")
)

// ParseAddress validates a bare mailbox address and returns it normalised.
// Display names are rejected: the envelope carries exactly one mailbox.
func ParseAddress(address string) (string, error) {
	if strings.ContainsAny(address, "\r\n") {
		return "", fmt.Errorf("%w: unexpected newline", ErrInvalidAddress)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if len(address) > MaxAddressLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidAddress, MaxAddressLength)
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if parsed.Name != "" || parsed.Address != strings.Trim(address, "<>") {
		return "", fmt.Errorf("%w: expected a bare address", ErrInvalidAddress)
	}
	if _, err := Domain(parsed.Address); err != nil {
		return "", err
	}

	return parsed.Address, nil
}

// Domain returns the domain component of a validated email address.
func Domain(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return strings.ToLower(domain), nil
}
