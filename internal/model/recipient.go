// Package model holds the data types shared by the send pipeline.
package model

import (
	"strings"
	"time"
)

// SendingType is the header a recipient is addressed in.
type SendingType int

const (
	To SendingType = iota
	Cc
	Bcc
)

func (t SendingType) String() string {
	switch t {
	case Cc:
		return "cc"
	case Bcc:
		return "bcc"
	default:
		return "to"
	}
}

// ParseSendingType accepts "to", "cc" and "bcc" in any case; anything else is To.
func ParseSendingType(s string) SendingType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cc":
		return Cc
	case "bcc":
		return Bcc
	default:
		return To
	}
}

// RecipientStatus is the result of evaluating a recipient address.
type RecipientStatus int

const (
	Evaluating RecipientStatus = iota
	Wrong
	Failed
	NoPgp
	HasPgp
	Attested
	Expired
)

func (s RecipientStatus) String() string {
	switch s {
	case Evaluating:
		return "evaluating"
	case Wrong:
		return "wrong"
	case Failed:
		return "failed"
	case NoPgp:
		return "no_pgp"
	case HasPgp:
		return "has_pgp"
	case Attested:
		return "attested"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// HasKey reports whether the status carries key material.
func (s RecipientStatus) HasKey() bool {
	return s == HasPgp || s == Attested || s == Expired
}

// KeySource tells which kind of client published a key.
type KeySource int

const (
	// ThirdPartyPgp keys come from any OpenPGP client.
	ThirdPartyPgp KeySource = iota
	// Self keys were published by a client of the same system as the sender.
	Self
)

// PublicKey is an immutable view of a parsed public key.
type PublicKey struct {
	Armored             string
	Fingerprint         string
	ExpiresAt           *time.Time
	UsableForEncryption bool
	Source              KeySource
}

// Expired reports whether the key expired at or before now.
func (k *PublicKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Recipient is a single address of the message being composed.
type Recipient struct {
	ID          string
	Email       string
	Display     string
	SendingType SendingType
	Status      RecipientStatus
	Key         *PublicKey
	// Forced marks a Wrong or Failed recipient the user chose to keep anyway.
	Forced bool
}

// NormalizeEmail lowercases and trims an address so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
