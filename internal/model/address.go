package model

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// ValidEmail reports whether email is a bare, deliverable looking address.
// Display names and angle brackets are rejected.
func ValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || strings.ContainsAny(email, " <>\t") {
		return false
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || !strings.EqualFold(addr.Address, email) {
		return false
	}

	at := strings.LastIndex(addr.Address, "@")
	domain := addr.Address[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}

	return true
}

// ParseAddressList splits a header style address list into display names and
// normalized emails.
func ParseAddressList(list string) ([]*mail.Address, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	addrs, err := mail.ParseAddressList(list)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		a.Address = NormalizeEmail(a.Address)
	}
	return addrs, nil
}
