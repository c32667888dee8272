package tool

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/gmail-pgp/internal/model"
	"github.com/hal9000y/gmail-pgp/internal/send"
)

type AttachmentInput struct {
	Name          string `json:"name" jsonschema:"file name"`
	MimeType      string `json:"mime_type,omitempty" jsonschema:"MIME type of the file"`
	ContentBase64 string `json:"content_base64" jsonschema:"base64 encoded file content"`
}

type SendMessageRequest struct {
	SessionID     string            `json:"session_id,omitempty" jsonschema:"compose session from evaluate_recipients, empty starts a new one"`
	To            []string          `json:"to,omitempty" jsonschema:"additional To recipients"`
	Cc            []string          `json:"cc,omitempty" jsonschema:"additional Cc recipients"`
	Bcc           []string          `json:"bcc,omitempty" jsonschema:"additional Bcc recipients"`
	Subject       string            `json:"subject,omitempty" jsonschema:"email subject"`
	Body          string            `json:"body,omitempty" jsonschema:"plain text body"`
	HTML          string            `json:"html,omitempty" jsonschema:"HTML body"`
	RichText      bool              `json:"rich_text,omitempty" jsonschema:"encrypt the HTML body instead of the plain text"`
	Password      string            `json:"password,omitempty" jsonschema:"message password for recipients without a public key"`
	Sign          bool              `json:"sign,omitempty" jsonschema:"sign the message instead of encrypting it"`
	IncludePubkey *bool             `json:"include_pubkey,omitempty" jsonschema:"attach the sender public key, automatic when omitted"`
	ReplyTo       string            `json:"reply_to,omitempty" jsonschema:"ID of the message being replied to"`
	DraftID       string            `json:"draft_id,omitempty" jsonschema:"draft to delete after sending"`
	Attachments   []AttachmentInput `json:"attachments,omitempty" jsonschema:"files to attach"`
	ConfirmEmpty  bool              `json:"confirm_empty,omitempty" jsonschema:"send even when the subject or body is empty"`
}

type SendMessageResponse struct {
	SessionID            string   `json:"session_id" jsonschema:"compose session ID"`
	MessageID            string   `json:"message_id" jsonschema:"provider message ID"`
	Mode                 string   `json:"mode" jsonschema:"sign_only, encrypt_public_key or encrypt_password_fallback"`
	ShortID              string   `json:"short_id,omitempty" jsonschema:"ID of the password-protected message"`
	Link                 string   `json:"link,omitempty" jsonschema:"decrypt link sent to recipients without a key"`
	RecipientsMissingKey []string `json:"recipients_missing_key,omitempty" jsonschema:"recipients reading the message through the password"`
	IncludedPubkey       bool     `json:"included_pubkey" jsonschema:"the sender public key was attached"`
}

type sender interface {
	Send(ctx context.Context, s *send.Session, decide send.Decider) (send.Result, error)
}

type threadSvc interface {
	GetMessageMetadata(ctx context.Context, msgID string) (*gmail.Message, error)
}

type linker interface {
	URL(shortID string) string
}

func NewSendMessage(sessions *Sessions, sender sender, threads threadSvc, links linker, from string) *SendMessage {
	return &SendMessage{sessions: sessions, sender: sender, threads: threads, links: links, from: from}
}

type SendMessage struct {
	sessions *Sessions
	sender   sender
	threads  threadSvc
	links    linker
	from     string
}

func (t *SendMessage) SendMessage(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SendMessageRequest,
) (*mcp.CallToolResult, SendMessageResponse, error) {
	sess, err := t.sessions.Get(input.SessionID)
	if err != nil {
		return nil, SendMessageResponse{}, fmt.Errorf("sessions.Get failed: %w", err)
	}

	draft, err := t.draft(ctx, sess, input)
	if err != nil {
		return nil, SendMessageResponse{}, err
	}
	sess.SetDraft(draft)
	if input.IncludePubkey != nil {
		sess.SetIncludePubkey(*input.IncludePubkey)
	}

	decide := func(context.Context, send.Question) bool { return input.ConfirmEmpty }
	res, err := t.sender.Send(ctx, sess, decide)

	var failure *send.Failure
	switch {
	case errors.As(err, &failure):
		return nil, SendMessageResponse{}, failureError(sess.ID, failure)
	case err != nil:
		return nil, SendMessageResponse{}, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	t.sessions.Drop(sess.ID)

	out := SendMessageResponse{
		SessionID:            sess.ID,
		MessageID:            res.MessageID,
		Mode:                 res.Plan.Mode.String(),
		ShortID:              res.ShortID,
		RecipientsMissingKey: res.Plan.RecipientsMissingKey,
		IncludedPubkey:       res.Plan.IncludeSenderPubkey,
	}
	if res.ShortID != "" && t.links != nil {
		out.Link = t.links.URL(res.ShortID)
	}

	return nil, out, nil
}

func (t *SendMessage) draft(ctx context.Context, sess *send.Session, input SendMessageRequest) (send.Draft, error) {
	d := send.Draft{
		From:     t.from,
		Subject:  input.Subject,
		Bodies:   model.Bodies{Plain: input.Body, HTML: input.HTML},
		Sign:     input.Sign,
		Password: input.Password,
		RichText: input.RichText,
		DraftID:  input.DraftID,
	}

	for _, a := range input.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.ContentBase64)
		if err != nil {
			return send.Draft{}, fmt.Errorf("attachment %s: %w", a.Name, err)
		}
		d.Attachments = append(d.Attachments, model.Attachment{Name: a.Name, MimeType: a.MimeType, Data: data})
	}

	to := input.To
	if input.ReplyTo != "" {
		msg, err := t.threads.GetMessageMetadata(ctx, input.ReplyTo)
		if err != nil {
			return send.Draft{}, fmt.Errorf("threads.GetMessageMetadata failed: %w", err)
		}

		h := replyHeaders(msg)
		d.ThreadRef = msg.ThreadId
		d.Headers = map[string]string{}
		if h.messageID != "" {
			d.Headers["In-Reply-To"] = h.messageID
			d.Headers["References"] = strings.TrimSpace(h.references + " " + h.messageID)
		}
		if d.Subject == "" {
			d.Subject = replySubject(h.subject)
		}
		if len(to) == 0 && len(sess.Recipients.Recipients()) == 0 {
			to = []string{h.from}
		}
	}

	addRecipients(sess.Recipients, model.To, to)
	addRecipients(sess.Recipients, model.Cc, input.Cc)
	addRecipients(sess.Recipients, model.Bcc, input.Bcc)

	return d, nil
}

type threadHeaders struct {
	from       string
	subject    string
	messageID  string
	references string
}

func replyHeaders(msg *gmail.Message) threadHeaders {
	var h threadHeaders
	if msg.Payload == nil {
		return h
	}

	for _, header := range msg.Payload.Headers {
		switch strings.ToLower(header.Name) {
		case "from":
			h.from = header.Value
		case "subject":
			h.subject = header.Value
		case "message-id":
			h.messageID = header.Value
		case "references":
			h.references = header.Value
		}
	}

	return h
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func failureError(sessionID string, f *send.Failure) error {
	msg := fmt.Sprintf("send aborted while %s: %s (action: %s", f.State, f.Notice.Message, f.Notice.Action)
	if f.Notice.Field != "" {
		msg += ", field: " + f.Notice.Field
	}
	return fmt.Errorf("%s, session_id: %s)", msg, sessionID)
}
