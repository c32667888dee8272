package tool

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/gmail-pgp/internal/model"
)

type EvaluateRecipientsRequest struct {
	SessionID string   `json:"session_id,omitempty" jsonschema:"compose session to update, empty starts a new one"`
	To        []string `json:"to,omitempty" jsonschema:"To recipients, each entry may hold a comma separated address list"`
	Cc        []string `json:"cc,omitempty" jsonschema:"Cc recipients"`
	Bcc       []string `json:"bcc,omitempty" jsonschema:"Bcc recipients"`
	Remove    []string `json:"remove,omitempty" jsonschema:"addresses to drop from the session"`
}

type EvaluateRecipientsResponse struct {
	SessionID        string          `json:"session_id" jsonschema:"compose session ID"`
	Recipients       []RecipientInfo `json:"recipients" jsonschema:"recipients in the order they were added"`
	MissingSenderKey []string        `json:"missing_sender_key,omitempty" jsonschema:"recipients with a key who have not received the sender public key yet"`
	IncludePubkey    bool            `json:"include_pubkey" jsonschema:"whether the sender public key would be attached"`
}

func NewEvaluateRecipients(sessions *Sessions) *EvaluateRecipients {
	return &EvaluateRecipients{sessions: sessions}
}

type EvaluateRecipients struct {
	sessions *Sessions
}

func (t *EvaluateRecipients) EvaluateRecipients(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input EvaluateRecipientsRequest,
) (*mcp.CallToolResult, EvaluateRecipientsResponse, error) {
	sess, err := t.sessions.Get(input.SessionID)
	if err != nil {
		return nil, EvaluateRecipientsResponse{}, fmt.Errorf("sessions.Get failed: %w", err)
	}

	for _, email := range input.Remove {
		sess.Recipients.Remove(email)
	}
	addRecipients(sess.Recipients, model.To, input.To)
	addRecipients(sess.Recipients, model.Cc, input.Cc)
	addRecipients(sess.Recipients, model.Bcc, input.Bcc)

	recipients := sess.Recipients.Evaluate(ctx)
	if err := ctx.Err(); err != nil {
		return nil, EvaluateRecipientsResponse{}, fmt.Errorf("evaluate recipients: %w", err)
	}

	return nil, EvaluateRecipientsResponse{
		SessionID:        sess.ID,
		Recipients:       toRecipientInfos(recipients),
		MissingSenderKey: sess.Recipients.MissingSenderKey(),
		IncludePubkey:    sess.IncludePubkey(),
	}, nil
}
