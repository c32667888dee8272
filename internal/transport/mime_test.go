package transport_test

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-pgp/internal/model"
	"github.com/hal9000y/gmail-pgp/internal/transport"
)

var testDate = time.Date(2025, 9, 14, 12, 12, 32, 0, time.UTC)

type readPart struct {
	mime     string
	filename string
	body     string
}

func readMessage(t *testing.T, raw []byte) (*mail.Reader, []readPart) {
	t.Helper()

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	var parts []readPart
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)

		rp := readPart{body: string(body)}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			rp.mime, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			rp.mime, _, _ = h.ContentType()
			rp.filename, _ = h.Filename()
		}
		parts = append(parts, rp)
	}

	return r, parts
}

func TestBuildPlain(t *testing.T) {
	msg := &model.OutgoingMessage{
		From:    "Me <me@example.com>",
		To:      []string{"a@x.com"},
		Cc:      []string{"c@x.com"},
		Bcc:     []string{"hidden@x.com"},
		Subject: "Héllo",
		Bodies:  model.Bodies{Plain: "-----BEGIN PGP MESSAGE-----\nabc\n-----END PGP MESSAGE-----\n"},
		Headers: map[string]string{"In-Reply-To": "<orig@x.com>"},
	}

	var buf bytes.Buffer
	id, err := transport.Build(&buf, msg, testDate, false)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@example.com"), id)

	r, parts := readMessage(t, buf.Bytes())

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Héllo", subject)

	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "a@x.com", to[0].Address)

	msgID, err := r.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, id, msgID)

	date, err := r.Header.Date()
	require.NoError(t, err)
	assert.True(t, testDate.Equal(date))

	assert.Equal(t, "<orig@x.com>", r.Header.Get("In-Reply-To"))
	assert.Empty(t, r.Header.Get("Bcc"))

	require.Len(t, parts, 1)
	assert.Equal(t, "text/plain", parts[0].mime)
	assert.Equal(t, msg.Bodies.Plain, parts[0].body)
}

func TestBuildWithBcc(t *testing.T) {
	msg := &model.OutgoingMessage{
		From:   "me@example.com",
		To:     []string{"a@x.com"},
		Bcc:    []string{"hidden@x.com"},
		Bodies: model.Bodies{Plain: "hi"},
	}

	var buf bytes.Buffer
	_, err := transport.Build(&buf, msg, testDate, true)
	require.NoError(t, err)

	r, _ := readMessage(t, buf.Bytes())
	bcc, err := r.Header.AddressList("Bcc")
	require.NoError(t, err)
	require.Len(t, bcc, 1)
	assert.Equal(t, "hidden@x.com", bcc[0].Address)
}

func TestBuildAlternativeAndAttachments(t *testing.T) {
	msg := &model.OutgoingMessage{
		From:    "me@example.com",
		To:      []string{"a@x.com"},
		Subject: "files",
		Bodies:  model.Bodies{Plain: "plain body", HTML: "<p>html body</p>"},
		Attachments: []model.Attachment{
			{Name: "report.pdf.pgp", MimeType: "application/pgp-encrypted", Data: []byte{0, 1, 2}},
			{Name: "0xABCD.asc", Data: []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----")},
		},
	}

	var buf bytes.Buffer
	_, err := transport.Build(&buf, msg, testDate, false)
	require.NoError(t, err)

	_, parts := readMessage(t, buf.Bytes())
	require.Len(t, parts, 4)

	assert.Equal(t, readPart{mime: "text/plain", body: "plain body"}, parts[0])
	assert.Equal(t, readPart{mime: "text/html", body: "<p>html body</p>"}, parts[1])
	assert.Equal(t, readPart{mime: "application/pgp-encrypted", filename: "report.pdf.pgp", body: string([]byte{0, 1, 2})}, parts[2])
	assert.Equal(t, "application/octet-stream", parts[3].mime)
	assert.Equal(t, "0xABCD.asc", parts[3].filename)
}

func TestBuildAlternativeOnly(t *testing.T) {
	msg := &model.OutgoingMessage{
		From:   "me@example.com",
		To:     []string{"a@x.com"},
		Bodies: model.Bodies{Plain: "plain", HTML: "<b>rich</b>"},
	}

	var buf bytes.Buffer
	_, err := transport.Build(&buf, msg, testDate, false)
	require.NoError(t, err)

	r, parts := readMessage(t, buf.Bytes())
	ct, _, err := r.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", ct)
	require.Len(t, parts, 2)
	assert.Equal(t, "<b>rich</b>", parts[1].body)
}

func TestBuildInvalidAddress(t *testing.T) {
	cases := []*model.OutgoingMessage{
		{From: "not an address", To: []string{"a@x.com"}},
		{From: "me@example.com", To: []string{"a@x.com", "broken<"}},
	}

	for _, msg := range cases {
		_, err := transport.Build(io.Discard, msg, testDate, false)
		assert.Error(t, err)
	}
}
