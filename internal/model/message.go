package model

import "time"

// SendMode is the encryption strategy picked for one send attempt.
type SendMode int

const (
	SignOnly SendMode = iota
	EncryptPublicKey
	EncryptPasswordFallback
)

func (m SendMode) String() string {
	switch m {
	case SignOnly:
		return "sign_only"
	case EncryptPublicKey:
		return "encrypt_public_key"
	case EncryptPasswordFallback:
		return "encrypt_password_fallback"
	}
	return "unknown"
}

// SendPlan is the output of strategy selection.
type SendPlan struct {
	Mode                 SendMode
	RecipientsMissingKey []string
	IncludeSenderPubkey  bool
	// PubkeyRecipients are the usable keys of recipients that have one.
	PubkeyRecipients []PublicKey
}

// Bodies holds the plain and optional HTML variants of a message body.
type Bodies struct {
	Plain string
	HTML  string
}

// Attachment is a file carried by the outgoing message.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Size returns the attachment length in bytes.
func (a Attachment) Size() int64 {
	return int64(len(a.Data))
}

// OutgoingMessage is built once per send attempt and never mutated after it
// is handed to a transport.
type OutgoingMessage struct {
	From        string
	Headers     map[string]string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Bodies      Bodies
	Attachments []Attachment
	ThreadRef   string
}

// Recipients returns To, Cc and Bcc in that order.
func (m *OutgoingMessage) Recipients() []string {
	all := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	all = append(all, m.Bcc...)
	return all
}

// UploadedFile is an attachment stored on the relay.
type UploadedFile struct {
	Name      string
	MimeType  string
	Size      int64
	URL       string
	AdminCode string
}

// UploadResult describes a password-protected message stored on the relay.
type UploadResult struct {
	ShortID     string
	AdminCode   string
	Attachments []UploadedFile
}

// AdminCodes is the persisted record of codes for one short id.
type AdminCodes struct {
	Date  time.Time `json:"date"`
	Codes []string  `json:"codes"`
}
