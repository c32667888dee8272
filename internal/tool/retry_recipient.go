package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type RetryRecipientRequest struct {
	SessionID string `json:"session_id" jsonschema:"compose session ID"`
	Email     string `json:"email" jsonschema:"recipient address"`
	Refresh   bool   `json:"refresh,omitempty" jsonschema:"look the key up again even when it is cached"`
	Force     bool   `json:"force,omitempty" jsonschema:"keep a wrong or failed recipient instead of looking it up again"`
}

type RetryRecipientResponse struct {
	Recipient     RecipientInfo `json:"recipient" jsonschema:"the recipient after the retry"`
	IncludePubkey bool          `json:"include_pubkey" jsonschema:"whether the sender public key would be attached"`
}

func NewRetryRecipient(sessions *Sessions) *RetryRecipient {
	return &RetryRecipient{sessions: sessions}
}

type RetryRecipient struct {
	sessions *Sessions
}

func (t *RetryRecipient) RetryRecipient(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input RetryRecipientRequest,
) (*mcp.CallToolResult, RetryRecipientResponse, error) {
	if input.Refresh && input.Force {
		return nil, RetryRecipientResponse{}, errors.New("refresh and force cannot be combined")
	}

	sess, err := t.sessions.Get(input.SessionID)
	if err != nil {
		return nil, RetryRecipientResponse{}, fmt.Errorf("sessions.Get failed: %w", err)
	}

	ev := sess.Recipients
	switch {
	case input.Force:
		err = ev.Force(input.Email)
	case input.Refresh:
		_, err = ev.Refresh(ctx, input.Email)
	default:
		_, err = ev.Retry(ctx, input.Email)
	}
	if err != nil {
		return nil, RetryRecipientResponse{}, fmt.Errorf("retry %s failed: %w", input.Email, err)
	}

	r, ok := ev.Get(input.Email)
	if !ok {
		return nil, RetryRecipientResponse{}, fmt.Errorf("recipient %s was removed", input.Email)
	}

	return nil, RetryRecipientResponse{
		Recipient:     toRecipientInfo(r),
		IncludePubkey: sess.IncludePubkey(),
	}, nil
}
