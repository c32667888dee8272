package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/miolini/datacounter"

	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

// SMTP sends through a submission server addressed by an
// smtp://, smtps:// or smtp+insecure:// URL, optionally with a
// +plain or +login auth suffix.
type SMTP struct {
	protocol string
	auth     string
	uri      *url.URL
	domain   string
	now      func() time.Time
	// TLS overrides the client TLS config. Mostly useful in tests.
	TLS *tls.Config
}

// NewSMTP parses rawURL. password is used when the URL carries none.
func NewSMTP(rawURL, password, domain string) (*SMTP, error) {
	uri, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse failed: %w", err)
	}

	protocol, auth, err := parseScheme(uri)
	if err != nil {
		return nil, err
	}
	switch protocol {
	case "smtp", "smtps", "smtp+insecure":
	default:
		return nil, fmt.Errorf("not a smtp protocol %q", protocol)
	}

	if _, err := newSaslClient(auth, uri); err != nil {
		return nil, err
	}

	if uri.User != nil {
		if _, ok := uri.User.Password(); !ok && password != "" {
			uri.User = url.UserPassword(uri.User.Username(), password)
		}
	}

	return &SMTP{protocol: protocol, auth: auth, uri: uri, domain: domain, now: time.Now}, nil
}

func parseScheme(uri *url.URL) (protocol string, auth string, err error) {
	auth = "plain"
	parts := strings.Split(uri.Scheme, "+")
	switch len(parts) {
	case 1:
		protocol = parts[0]
	case 2:
		if parts[1] == "insecure" {
			protocol = uri.Scheme
		} else {
			protocol = parts[0]
			auth = parts[1]
		}
	case 3:
		protocol = parts[0] + "+" + parts[1]
		auth = parts[2]
	default:
		return "", "", fmt.Errorf("unknown scheme %s", uri.Scheme)
	}

	return protocol, auth, nil
}

func newSaslClient(auth string, uri *url.URL) (sasl.Client, error) {
	if uri.User == nil {
		return nil, nil
	}

	password, _ := uri.User.Password()
	switch auth {
	case "", "none":
		return nil, nil
	case "login":
		return sasl.NewLoginClient(uri.User.Username(), password), nil
	case "plain":
		return sasl.NewPlainClient("", uri.User.Username(), password), nil
	default:
		return nil, fmt.Errorf("unsupported auth mechanism %s", auth)
	}
}

// Send delivers msg to every To, Cc and Bcc recipient and returns the
// Message-ID.
func (s *SMTP) Send(ctx context.Context, msg *model.OutgoingMessage) (string, error) {
	const op = "transport.SMTP.Send"

	conn, err := s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", errs.Wrap(errs.Cancelled, op, ctx.Err())
		}
		return "", smtpError(op, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	id, n, err := s.deliver(conn, msg)
	if err != nil {
		if ctx.Err() != nil {
			return "", errs.Wrap(errs.Cancelled, op, ctx.Err())
		}
		return "", smtpError(op, err)
	}

	if err := conn.Quit(); err != nil {
		log.Println(fmt.Errorf("conn.Quit failed: %w", err))
	}
	log.Printf("Sent %s over %s (%s)", id, s.uri.Host, humanize.Bytes(n))

	return id, nil
}

func (s *SMTP) deliver(conn *smtp.Client, msg *model.OutgoingMessage) (string, uint64, error) {
	saslClient, err := newSaslClient(s.auth, s.uri)
	if err != nil {
		return "", 0, err
	}
	if saslClient != nil {
		if err := conn.Auth(saslClient); err != nil {
			return "", 0, fmt.Errorf("conn.Auth failed: %w", err)
		}
	}

	from, err := toAddresses([]string{msg.From})
	if err != nil {
		return "", 0, err
	}
	if err := conn.Mail(from[0].Address, nil); err != nil {
		return "", 0, fmt.Errorf("conn.Mail failed: %w", err)
	}

	rcpts, err := toAddresses(msg.Recipients())
	if err != nil {
		return "", 0, err
	}
	for _, rcpt := range rcpts {
		if err := conn.Rcpt(rcpt.Address, nil); err != nil {
			return "", 0, fmt.Errorf("conn.Rcpt failed: %w", err)
		}
	}

	wc, err := conn.Data()
	if err != nil {
		return "", 0, fmt.Errorf("conn.Data failed: %w", err)
	}

	ctr := datacounter.NewWriterCounter(wc)
	id, err := Build(ctr, msg, s.now(), false)
	if err != nil {
		_ = wc.Close()
		return "", 0, fmt.Errorf("Build failed: %w", err)
	}
	if err := wc.Close(); err != nil {
		return "", 0, fmt.Errorf("data close failed: %w", err)
	}

	return id, ctr.Count(), nil
}

func (s *SMTP) connect(ctx context.Context) (*smtp.Client, error) {
	host := s.uri.Host
	serverName := s.uri.Hostname()
	if s.uri.Port() == "" {
		if s.protocol == "smtps" {
			host += ":465"
		} else {
			host += ":587"
		}
	}

	tlsConfig := s.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: serverName}
	}

	var (
		conn *smtp.Client
		err  error
	)
	switch s.protocol {
	case "smtps":
		d := &tls.Dialer{Config: tlsConfig}
		var nc net.Conn
		if nc, err = d.DialContext(ctx, "tcp", host); err != nil {
			return nil, fmt.Errorf("tls.Dial failed: %w", err)
		}
		conn = smtp.NewClient(nc)
	default:
		var d net.Dialer
		var nc net.Conn
		if nc, err = d.DialContext(ctx, "tcp", host); err != nil {
			return nil, fmt.Errorf("net.Dial failed: %w", err)
		}
		if s.protocol == "smtp" {
			if conn, err = smtp.NewClientStartTLS(nc, tlsConfig); err != nil {
				_ = nc.Close()
				return nil, fmt.Errorf("smtp.NewClientStartTLS failed: %w", err)
			}
		} else {
			conn = smtp.NewClient(nc)
		}
	}

	if s.domain != "" {
		if err := conn.Hello(s.domain); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("conn.Hello failed: %w", err)
		}
	}

	return conn, nil
}

func smtpError(op string, err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		switch se.Code {
		case 552:
			return &errs.Error{Kind: errs.Transport, Op: op, StatusCode: 413, Err: err}
		case 530, 534, 535:
			return errs.Wrap(errs.AuthExpired, op, err)
		default:
			return &errs.Error{Kind: errs.Transport, Op: op, StatusCode: se.Code, Err: err}
		}
	}

	return errs.Normalize(err, op, errs.Transport)
}
