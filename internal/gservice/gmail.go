// Package gservice wraps the Gmail API calls used when sending.
package gservice

import (
	"context"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const gmailUserID = "me"

type tokenSourcer interface {
	TokenSource(ctx context.Context) oauth2.TokenSource
}

// NewGmail creates a Gmail API wrapper. opts are appended to the client
// options of every service instance.
func NewGmail(tok tokenSourcer, opts ...option.ClientOption) *GMail {
	return &GMail{
		tok:  tok,
		opts: opts,
	}
}

type GMail struct {
	tok  tokenSourcer
	opts []option.ClientOption
}

// SendRaw sends an RFC 5322 message, optionally inside threadID, and
// returns the id Gmail assigned to it.
func (m *GMail) SendRaw(ctx context.Context, raw []byte, threadID string) (string, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return "", fmt.Errorf("newSvc failed: %w", err)
	}

	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: threadID,
	}

	sent, err := svc.Users.Messages.Send(gmailUserID, msg).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("messages.Send failed: %w", err)
	}

	return sent.Id, nil
}

func (m *GMail) DeleteDraft(ctx context.Context, draftID string) error {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return fmt.Errorf("newSvc failed: %w", err)
	}

	if err := svc.Users.Drafts.Delete(gmailUserID, draftID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("drafts.Delete failed: %w", err)
	}

	return nil
}

// GetMessageMetadata returns the headers needed to reply to msgID.
func (m *GMail) GetMessageMetadata(ctx context.Context, msgID string) (*gmail.Message, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	msg, err := svc.Users.Messages.Get(gmailUserID, msgID).
		Format("METADATA").
		MetadataHeaders("From", "To", "Cc", "Subject", "Date", "Message-ID", "References").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("messages.Get failed: %w", err)
	}

	return msg, nil
}

func (m *GMail) newSvc(ctx context.Context) (*gmail.Service, error) {
	clt := oauth2.NewClient(ctx, m.tok.TokenSource(ctx))

	opts := append([]option.ClientOption{option.WithHTTPClient(clt)}, m.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}

	return svc, nil
}
