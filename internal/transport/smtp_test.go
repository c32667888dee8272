package transport_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/transport"
)

type received struct {
	from string
	to   []string
	data []byte
}

type backendMock struct {
	mu       sync.Mutex
	password string
	got      []received
}

func (b *backendMock) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &sessionMock{backend: b}, nil
}

func (b *backendMock) messages() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.got...)
}

type sessionMock struct {
	backend *backendMock
	cur     received
}

func (s *sessionMock) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *sessionMock) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username == "me" && password == s.backend.password {
			return nil
		}
		return smtp.ErrAuthFailed
	}), nil
}

func (s *sessionMock) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *sessionMock) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *sessionMock) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = data

	s.backend.mu.Lock()
	s.backend.got = append(s.backend.got, s.cur)
	s.backend.mu.Unlock()
	return nil
}

func (s *sessionMock) Reset() {
	s.cur = received{}
}

func (s *sessionMock) Logout() error {
	return nil
}

func newSMTPServer(t *testing.T, maxBytes int64) (*backendMock, string) {
	t.Helper()

	be := &backendMock{password: "secret"}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.MaxMessageBytes = maxBytes

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return be, ln.Addr().String()
}

func TestSMTPSend(t *testing.T) {
	be, addr := newSMTPServer(t, 1<<20)

	s, err := transport.NewSMTP("smtp+insecure://me@"+addr, "secret", "client.local")
	require.NoError(t, err)

	id, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Contains(t, id, "@example.com")

	got := be.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "me@example.com", got[0].from)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, got[0].to)

	r, parts := readMessage(t, got[0].data)
	assert.Empty(t, r.Header.Get("Bcc"))
	require.Len(t, parts, 1)
	assert.Equal(t, "ciphertext", parts[0].body)
}

func TestSMTPSendTooLarge(t *testing.T) {
	_, addr := newSMTPServer(t, 64)

	s, err := transport.NewSMTP("smtp+insecure://me@"+addr, "secret", "")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testMessage())
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.True(t, e.PayloadTooLarge())
	assert.Equal(t, errs.ReduceSize, errs.NoticeFor(err).Action)
}

func TestSMTPSendBadPassword(t *testing.T) {
	be, addr := newSMTPServer(t, 1<<20)

	s, err := transport.NewSMTP("smtp+insecure://me:wrong@"+addr, "ignored", "")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, errs.AuthExpired, errs.KindOf(err))
	assert.Empty(t, be.messages())
}

func TestSMTPSendCancelled(t *testing.T) {
	_, addr := newSMTPServer(t, 1<<20)

	s, err := transport.NewSMTP("smtp+insecure://me@"+addr, "secret", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Send(ctx, testMessage())
	require.Error(t, err)
	assert.Equal(t, errs.Cancelled, errs.KindOf(err))
}

func TestNewSMTPRejectsScheme(t *testing.T) {
	for _, u := range []string{"jmap://me@host", "smtp+oauth+x+y://host", "smtp+xoauth2://me@host"} {
		_, err := transport.NewSMTP(u, "", "")
		assert.Error(t, err, u)
	}
}
