package keyserver

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

const maxKeyBytes = 1 << 20

var zbase32 = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

// WKD looks keys up in the Web Key Directory of the address domain using the
// direct method.
type WKD struct {
	httpClient *http.Client
	// baseURL replaces https://<domain> when set.
	baseURL string
}

// NewWKD creates a WKD client.
func NewWKD(timeout time.Duration) *WKD {
	return &WKD{httpClient: &http.Client{Timeout: timeout}}
}

// NewWKDAt creates a WKD client that queries baseURL instead of the address domain.
func NewWKDAt(baseURL string, timeout time.Duration) *WKD {
	w := NewWKD(timeout)
	w.baseURL = strings.TrimRight(baseURL, "/")
	return w
}

// HashLocalPart returns the z-base-32 encoded SHA-1 of the lower cased local part.
func HashLocalPart(local string) string {
	sum := sha1.Sum([]byte(strings.ToLower(local)))
	return zbase32.EncodeToString(sum[:])
}

// LookupEmail fetches the key of email from its Web Key Directory.
func (w *WKD) LookupEmail(ctx context.Context, email string) (Result, error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return Result{}, fmt.Errorf("wkd: malformed address %q", email)
	}
	local, domain := email[:at], strings.ToLower(email[at+1:])

	base := w.baseURL
	if base == "" {
		base = "https://" + domain
	}
	u := fmt.Sprintf("%s/.well-known/openpgpkey/hu/%s?l=%s", base, HashLocalPart(local), url.QueryEscape(local))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("wkd lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("wkd lookup: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("reading response body: %w", err)
	}
	if len(raw) == 0 {
		return Result{}, nil
	}

	armored, err := armorKey(raw)
	if err != nil {
		return Result{}, err
	}

	return Result{Found: true, PubKey: armored}, nil
}

// armorKey returns raw as an armored public key block. Already armored input
// is returned unchanged.
func armorKey(raw []byte) (string, error) {
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("-----BEGIN")) {
		return string(raw), nil
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("armor.Encode failed: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("armor write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("armor close failed: %w", err)
	}

	return buf.String(), nil
}
