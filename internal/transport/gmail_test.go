package transport_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/model"
	"github.com/hal9000y/gmail-pgp/internal/transport"
)

type gmailAPIMock struct {
	SendRawFunc     func(ctx context.Context, raw []byte, threadID string) (string, error)
	DeleteDraftFunc func(ctx context.Context, draftID string) error
}

func (m *gmailAPIMock) SendRaw(ctx context.Context, raw []byte, threadID string) (string, error) {
	return m.SendRawFunc(ctx, raw, threadID)
}

func (m *gmailAPIMock) DeleteDraft(ctx context.Context, draftID string) error {
	return m.DeleteDraftFunc(ctx, draftID)
}

func testMessage() *model.OutgoingMessage {
	return &model.OutgoingMessage{
		From:      "me@example.com",
		To:        []string{"a@x.com"},
		Bcc:       []string{"b@x.com"},
		Subject:   "hi",
		Bodies:    model.Bodies{Plain: "ciphertext"},
		ThreadRef: "thread-1",
	}
}

func TestGmailSend(t *testing.T) {
	var gotRaw []byte
	var gotThread string
	g := transport.NewGmail(&gmailAPIMock{
		SendRawFunc: func(_ context.Context, raw []byte, threadID string) (string, error) {
			gotRaw, gotThread = raw, threadID
			return "sent-1", nil
		},
	})

	id, err := g.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
	assert.Equal(t, "thread-1", gotThread)

	r, parts := readMessage(t, gotRaw)
	bcc, err := r.Header.AddressList("Bcc")
	require.NoError(t, err)
	require.Len(t, bcc, 1)
	require.Len(t, parts, 1)
	assert.Equal(t, "ciphertext", parts[0].body)
}

func TestGmailSendErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		kind     errs.Kind
		tooLarge bool
		action   errs.Action
	}{
		{
			name:     "payload too large",
			err:      &googleapi.Error{Code: http.StatusRequestEntityTooLarge},
			kind:     errs.Transport,
			tooLarge: true,
			action:   errs.ReduceSize,
		},
		{
			name:   "unauthorized",
			err:    &googleapi.Error{Code: http.StatusUnauthorized},
			kind:   errs.AuthExpired,
			action: errs.Reauthenticate,
		},
		{
			name:   "server error",
			err:    &googleapi.Error{Code: http.StatusInternalServerError},
			kind:   errs.Transport,
			action: errs.Resend,
		},
		{
			name:   "token refresh failed",
			err:    errs.New(errs.AuthExpired, "auth.Token", ""),
			kind:   errs.AuthExpired,
			action: errs.Reauthenticate,
		},
		{
			name:   "network",
			err:    errors.New("connection reset"),
			kind:   errs.Transport,
			action: errs.Resend,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := transport.NewGmail(&gmailAPIMock{
				SendRawFunc: func(context.Context, []byte, string) (string, error) {
					return "", tc.err
				},
			})

			_, err := g.Send(context.Background(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tc.kind, errs.KindOf(err))
			assert.Equal(t, tc.action, errs.NoticeFor(err).Action)

			var e *errs.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tc.tooLarge, e.PayloadTooLarge())
		})
	}
}

func TestGmailSendBadMessage(t *testing.T) {
	called := false
	g := transport.NewGmail(&gmailAPIMock{
		SendRawFunc: func(context.Context, []byte, string) (string, error) {
			called = true
			return "", nil
		},
	})

	msg := testMessage()
	msg.To = []string{"<<"}
	_, err := g.Send(context.Background(), msg)
	assert.Error(t, err)
	assert.False(t, called)
}

func TestGmailDeleteDraft(t *testing.T) {
	var got string
	g := transport.NewGmail(&gmailAPIMock{
		DeleteDraftFunc: func(_ context.Context, id string) error {
			got = id
			return nil
		},
	})
	require.NoError(t, g.DeleteDraft(context.Background(), "d-1"))
	assert.Equal(t, "d-1", got)

	g = transport.NewGmail(&gmailAPIMock{
		DeleteDraftFunc: func(context.Context, string) error {
			return &googleapi.Error{Code: http.StatusNotFound}
		},
	})
	assert.Equal(t, errs.Transport, errs.KindOf(g.DeleteDraft(context.Background(), "gone")))
}
