// Package relay stores password-protected messages and their attachments on
// the relay service and links to them from the outgoing message.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hal9000y/gmail-pgp/internal/errs"
)

// Approval is a presigned slot for one file.
type Approval struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// ConfirmedFile is a file the relay accepted.
type ConfirmedFile struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	AdminCode string `json:"admin_code"`
}

// MessageRef identifies a stored message.
type MessageRef struct {
	Short     string `json:"short"`
	AdminCode string `json:"admin_code"`
}

// Client talks to the relay HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	putClient  *http.Client
}

// NewClient creates a client authenticating every API call with tokens from ts.
func NewClient(baseURL string, ts oauth2.TokenSource, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport},
			Timeout:   timeout,
		},
		putClient: &http.Client{Timeout: timeout},
	}
}

// Presign asks for one upload slot per file length.
func (c *Client) Presign(ctx context.Context, lengths []int64) ([]Approval, error) {
	var out struct {
		Approvals []Approval `json:"approvals"`
	}
	if err := c.post(ctx, "relay.Presign", "/upload/presign", map[string]any{"lengths": lengths}, &out); err != nil {
		return nil, err
	}

	return out.Approvals, nil
}

// Put uploads data to a presigned URL.
func (c *Client) Put(ctx context.Context, url string, data []byte) error {
	const op = "relay.Put"

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return errs.Wrap(errs.Upload, op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.putClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return statusError(op, resp.StatusCode, nil)
}

// Confirm tells the relay the uploads are done and returns the files it accepted.
func (c *Client) Confirm(ctx context.Context, keys []string) ([]ConfirmedFile, error) {
	var out struct {
		Confirmed []ConfirmedFile `json:"confirmed"`
	}
	if err := c.post(ctx, "relay.Confirm", "/upload/confirm", map[string]any{"keys": keys}, &out); err != nil {
		return nil, err
	}

	return out.Confirmed, nil
}

// UploadMessage stores an armored password-encrypted message.
func (c *Client) UploadMessage(ctx context.Context, ciphertext string) (MessageRef, error) {
	var out MessageRef
	if err := c.post(ctx, "relay.UploadMessage", "/message/upload", map[string]any{"content": ciphertext}, &out); err != nil {
		return MessageRef{}, err
	}
	if out.Short == "" {
		return MessageRef{}, errs.New(errs.Upload, "relay.UploadMessage", "The relay did not return a message id. Please try sending again.")
	}

	return out, nil
}

// ReplyToken returns a one time token linking replies to the sender. It fails
// with errs.ErrSubscriptionRequired when the account has no subscription.
func (c *Client) ReplyToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "relay.ReplyToken", "/message/token", struct{}{}, &out); err != nil {
		return "", err
	}

	return out.Token, nil
}

func (c *Client) post(ctx context.Context, op, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.Upload, op, fmt.Errorf("marshaling request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errs.Wrap(errs.Upload, op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(op, fmt.Errorf("reading response body: %w", err))
	}
	if err := statusError(op, resp.StatusCode, raw); err != nil {
		return err
	}

	if err := json.Unmarshal(raw, result); err != nil {
		return errs.Wrap(errs.Upload, op, fmt.Errorf("unmarshaling response: %w", err))
	}

	return nil
}

func transportError(op string, err error) error {
	switch errs.KindOf(err) {
	case errs.AuthExpired:
		return errs.Wrap(errs.AuthExpired, op, err)
	case errs.Cancelled:
		return errs.Wrap(errs.Cancelled, op, err)
	}

	return &errs.Error{
		Kind: errs.Upload,
		Op:   op,
		Msg:  "Could not reach the relay. Please check your connection and try sending again.",
		Err:  err,
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func statusError(op string, status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	detail := fmt.Errorf("unexpected status %d", status)
	var ae apiError
	if len(raw) > 0 && json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
		detail = fmt.Errorf("status %d: %s", status, ae.Error.Message)
	}

	e := &errs.Error{Kind: errs.Upload, Op: op, StatusCode: status, Err: detail}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = errs.AuthExpired
	case http.StatusPaymentRequired:
		e.Msg = "An active subscription is required."
		e.Err = errors.Join(errs.ErrSubscriptionRequired, detail)
	case http.StatusRequestEntityTooLarge:
		e.Kind = errs.Oversize
		e.Msg = "The message is too large for the relay."
	}

	return e
}
