package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

type gmailAPI interface {
	SendRaw(ctx context.Context, raw []byte, threadID string) (string, error)
	DeleteDraft(ctx context.Context, draftID string) error
}

// Gmail sends through the Gmail API. Gmail strips the Bcc header itself, so
// it is kept in the raw message.
type Gmail struct {
	api gmailAPI
	now func() time.Time
}

func NewGmail(api gmailAPI) *Gmail {
	return &Gmail{api: api, now: time.Now}
}

// Send returns the Gmail message id.
func (g *Gmail) Send(ctx context.Context, msg *model.OutgoingMessage) (string, error) {
	const op = "transport.Gmail.Send"

	var buf bytes.Buffer
	if _, err := Build(&buf, msg, g.now(), true); err != nil {
		return "", errs.Wrap(errs.Validation, op, fmt.Errorf("Build failed: %w", err))
	}

	id, err := g.api.SendRaw(ctx, buf.Bytes(), msg.ThreadRef)
	if err != nil {
		return "", gmailError(op, err)
	}

	return id, nil
}

func (g *Gmail) DeleteDraft(ctx context.Context, draftID string) error {
	if err := g.api.DeleteDraft(ctx, draftID); err != nil {
		return gmailError("transport.Gmail.DeleteDraft", err)
	}
	return nil
}

func gmailError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return errs.Wrap(errs.AuthExpired, op, err)
		default:
			return &errs.Error{Kind: errs.Transport, Op: op, StatusCode: apiErr.Code, Err: err}
		}
	}

	return errs.Normalize(err, op, errs.Transport)
}
