// Package keyserver looks up public keys for email addresses on remote
// services: the attester lookup API and Web Key Directories.
package keyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Result is what a remote lookup learned about an address. Found is false
// when the service answered but holds no key.
type Result struct {
	Found            bool
	PubKey           string
	HasNativeSupport bool
	Attested         bool
}

// Attester is a client for the attester lookup API.
type Attester struct {
	baseURL    string
	httpClient *http.Client
}

// NewAttester creates a client for the attester at baseURL.
func NewAttester(baseURL string, timeout time.Duration) *Attester {
	return &Attester{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type lookupRequest struct {
	Email string `json:"email"`
}

type lookupResponse struct {
	Pubkey     *string `json:"pubkey"`
	HasCryptup bool    `json:"has_cryptup"`
	Attested   bool    `json:"attested"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// LookupEmail asks the attester for the key of email. Transport failures and
// unexpected responses are returned as errors.
func (a *Attester) LookupEmail(ctx context.Context, email string) (Result, error) {
	body, err := json.Marshal(lookupRequest{Email: email})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/lookup/email", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("attester lookup failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Result{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("attester lookup: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out lookupResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("unmarshaling attester response: %w", err)
	}
	if out.Error != nil {
		return Result{}, fmt.Errorf("attester error: %s", out.Error.Message)
	}

	res := Result{HasNativeSupport: out.HasCryptup, Attested: out.Attested}
	if out.Pubkey != nil && strings.TrimSpace(*out.Pubkey) != "" {
		res.Found = true
		res.PubKey = *out.Pubkey
	}

	return res, nil
}
