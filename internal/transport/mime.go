// Package transport turns an OutgoingMessage into MIME and hands it to the
// Gmail API or an SMTP server.
package transport

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/hal9000y/gmail-pgp/internal/model"
)

// Build writes msg as an RFC 5322 message and returns its Message-ID. The Bcc
// header is written only when withBcc is set.
func Build(w io.Writer, msg *model.OutgoingMessage, date time.Time, withBcc bool) (string, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return "", fmt.Errorf("mail.ParseAddress failed: %w", err)
	}

	var h mail.Header
	for k, v := range msg.Headers {
		if v != "" {
			h.SetText(k, v)
		}
	}
	h.SetDate(date)
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{from})

	lists := []addressField{{"To", msg.To}, {"Cc", msg.Cc}}
	if withBcc {
		lists = append(lists, addressField{"Bcc", msg.Bcc})
	}
	for _, l := range lists {
		if len(l.addrs) == 0 {
			continue
		}
		addrs, err := toAddresses(l.addrs)
		if err != nil {
			return "", fmt.Errorf("%s: %w", l.key, err)
		}
		h.SetAddressList(l.key, addrs)
	}

	id := messageID(from.Address)
	h.SetMessageID(id)

	switch {
	case len(msg.Attachments) == 0 && msg.Bodies.HTML == "":
		err = writeSinglePlain(w, h, msg.Bodies.Plain)
	case len(msg.Attachments) == 0:
		err = writeAlternative(w, h, msg.Bodies)
	default:
		err = writeMixed(w, h, msg.Bodies, msg.Attachments)
	}
	if err != nil {
		return "", err
	}

	return id, nil
}

type addressField struct {
	key   string
	addrs []string
}

func toAddresses(in []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(in))
	for _, s := range in {
		a, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("mail.ParseAddress(%q) failed: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func messageID(from string) string {
	domain := "localhost"
	if _, d, ok := strings.Cut(from, "@"); ok && d != "" {
		domain = d
	}
	return uuid.NewString() + "@" + domain
}

func writeSinglePlain(w io.Writer, h mail.Header, plain string) error {
	h.SetContentType("text/plain", map[string]string{"charset": "UTF-8"})
	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("mail.CreateSingleInlineWriter failed: %w", err)
	}
	if _, err := io.WriteString(bw, plain); err != nil {
		return fmt.Errorf("write body failed: %w", err)
	}

	return bw.Close()
}

func writeAlternative(w io.Writer, h mail.Header, b model.Bodies) error {
	iw, err := mail.CreateInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("mail.CreateInlineWriter failed: %w", err)
	}
	if err := writeParts(iw, b); err != nil {
		return err
	}

	return iw.Close()
}

func writeMixed(w io.Writer, h mail.Header, b model.Bodies, atts []model.Attachment) error {
	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("mail.CreateWriter failed: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("CreateInline failed: %w", err)
	}
	if err := writeParts(iw, b); err != nil {
		return err
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("inline close failed: %w", err)
	}

	for _, a := range atts {
		if err := writeAttachment(mw, a); err != nil {
			return fmt.Errorf("attachment %s: %w", a.Name, err)
		}
	}

	return mw.Close()
}

type textPart struct {
	mime string
	body string
}

func writeParts(iw *mail.InlineWriter, b model.Bodies) error {
	parts := []textPart{{"text/plain", b.Plain}}
	if b.HTML != "" {
		parts = append(parts, textPart{"text/html", b.HTML})
	}

	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.mime, map[string]string{"charset": "UTF-8"})

		pw, err := iw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("CreatePart failed: %w", err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return fmt.Errorf("write %s failed: %w", p.mime, err)
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("%s close failed: %w", p.mime, err)
		}
	}

	return nil
}

func writeAttachment(mw *mail.Writer, a model.Attachment) error {
	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var ah mail.AttachmentHeader
	ah.SetContentType(mimeType, map[string]string{"name": a.Name})
	// setting the filename sets the content disposition
	ah.SetFilename(a.Name)

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("CreateAttachment failed: %w", err)
	}
	if _, err := aw.Write(a.Data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	return aw.Close()
}
