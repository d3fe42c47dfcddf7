package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidAddress indicates the address failed validation.
var ErrInvalidAddress = errors.New("invalid email address")

// ParseAddress extracts and normalises the bare address from a header-style
// value such as "Jane Doe <jane@example.com>" or "<jane@example.com>".
func ParseAddress(value string) (string, error) {
	if strings.ContainsAny(value, "\r\n") {
		return "", fmt.Errorf("%w: unexpected newline", ErrInvalidAddress)
	}

	addr := strings.TrimSpace(value)
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	return parsed.Address, nil
}

// Envelope returns the bare addresses for a list of header-style values,
// dropping duplicates while keeping the first occurrence order.
func Envelope(values ...[]string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, list := range values {
		for _, v := range list {
			addr, err := ParseAddress(v)
			if err != nil {
				return nil, err
			}
			key := strings.ToLower(addr)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, addr)
		}
	}
	return out, nil
}

// Domain returns the lower-cased domain component of a validated email address.
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
