package body_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-pgp/internal/body"
	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/format"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

type tokensMock struct {
	replyTokenFn func(ctx context.Context) (string, error)
	calls        int
}

func (m *tokensMock) ReplyToken(ctx context.Context) (string, error) {
	m.calls++
	return m.replyTokenFn(ctx)
}

var (
	passwordPlan = model.SendPlan{Mode: model.EncryptPasswordFallback, RecipientsMissingKey: []string{"b@y.com"}}
	pubkeyPlan   = model.SendPlan{Mode: model.EncryptPublicKey}
	threaded     = body.ReplyContext{Sender: "me@x.com", Recipients: []string{"b@y.com"}, Subject: "Hi", Threaded: true}
	footer       = body.Footer{Plain: "-- \nSent securely", HTML: "<i>Sent securely</i>"}
	files        = []model.UploadedFile{{Name: "report.pdf", MimeType: "application/pdf", Size: 2048, URL: "https://relay.example/f/1"}}
)

func TestComposeFooterIsLast(t *testing.T) {
	tokens := &tokensMock{replyTokenFn: func(context.Context) (string, error) { return "tok-1", nil }}
	c := body.NewComposer(tokens, footer)

	cases := []struct {
		name     string
		plan     model.SendPlan
		reply    body.ReplyContext
		uploaded []model.UploadedFile
	}{
		{name: "plain", plan: pubkeyPlan},
		{name: "reply_token", plan: passwordPlan, reply: threaded},
		{name: "attachments", plan: passwordPlan, uploaded: files},
		{name: "everything", plan: passwordPlan, reply: threaded, uploaded: files},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := c.Compose(context.Background(), model.Bodies{Plain: "Hello"}, tc.plan, tc.reply, tc.uploaded)
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(out.Plain, "Hello"))
			assert.True(t, strings.HasSuffix(out.Plain, footer.Plain), out.Plain)
			assert.True(t, strings.HasSuffix(out.HTML, footer.HTML), out.HTML)
		})
	}
}

func TestComposeReplyBlock(t *testing.T) {
	tokens := &tokensMock{replyTokenFn: func(context.Context) (string, error) { return "tok-1", nil }}
	c := body.NewComposer(tokens, body.Footer{})

	out, err := c.Compose(context.Background(), model.Bodies{Plain: "Hello"}, passwordPlan, threaded, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.calls)

	raw, ok := format.FindAttr(out.HTML, body.ReplyClass, body.DataAttr)
	require.True(t, ok)

	var data body.ReplyData
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	assert.Equal(t, body.ReplyData{Sender: "me@x.com", Recipient: []string{"b@y.com"}, Subject: "Hi", Token: "tok-1"}, data)

	_, ok = format.FindAttr(out.Plain, body.ReplyClass, body.DataAttr)
	assert.True(t, ok, "the block is part of the encrypted plaintext too")
}

func TestComposeReplyBlockOnlyWhenNeeded(t *testing.T) {
	tokens := &tokensMock{replyTokenFn: func(context.Context) (string, error) { return "tok", nil }}
	c := body.NewComposer(tokens, body.Footer{})

	_, err := c.Compose(context.Background(), model.Bodies{Plain: "x"}, pubkeyPlan, threaded, nil)
	require.NoError(t, err)

	unthreaded := threaded
	unthreaded.Threaded = false
	_, err = c.Compose(context.Background(), model.Bodies{Plain: "x"}, passwordPlan, unthreaded, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, tokens.calls)
}

func TestComposeReplyTokenFailures(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind errs.Kind
		degrade  bool
	}{
		{name: "subscription_required_degrades", err: fmt.Errorf("relay: %w", errs.ErrSubscriptionRequired), degrade: true},
		{name: "auth_expired_aborts", err: errs.New(errs.AuthExpired, "relay.ReplyToken", ""), wantKind: errs.AuthExpired},
		{name: "network_aborts", err: errors.New("connection refused"), wantKind: errs.Upload},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tokens := &tokensMock{replyTokenFn: func(context.Context) (string, error) { return "", tc.err }}
			c := body.NewComposer(tokens, footer)

			out, err := c.Compose(context.Background(), model.Bodies{Plain: "Hello"}, passwordPlan, threaded, nil)
			if tc.degrade {
				require.NoError(t, err)
				_, ok := format.FindAttr(out.HTML, body.ReplyClass, body.DataAttr)
				assert.False(t, ok)
				assert.True(t, strings.HasSuffix(out.Plain, footer.Plain))
				return
			}

			require.Error(t, err)
			assert.Equal(t, tc.wantKind, errs.KindOf(err))
			assert.NotEmpty(t, errs.NoticeFor(err).Message)
		})
	}
}

func TestComposeAttachmentLinks(t *testing.T) {
	c := body.NewComposer(nil, body.Footer{})

	out, err := c.Compose(context.Background(), model.Bodies{Plain: "See attached"}, passwordPlan, body.ReplyContext{}, files)
	require.NoError(t, err)

	assert.Contains(t, out.Plain, "report.pdf (2.0 kB, application/pdf): https://relay.example/f/1")

	raw, ok := format.FindAttr(out.HTML, body.FileClass, body.DataAttr)
	require.True(t, ok)
	var data body.FileData
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	assert.Equal(t, body.FileData{Name: "report.pdf", Type: "application/pdf", Size: 2048}, data)

	href, ok := format.FindAttr(out.HTML, body.FileClass, "href")
	require.True(t, ok)
	assert.Equal(t, "https://relay.example/f/1", href)
}

func TestComposeFillsMissingVariant(t *testing.T) {
	c := body.NewComposer(nil, body.Footer{Plain: "bye"})

	out, err := c.Compose(context.Background(), model.Bodies{HTML: "<p>Hi <b>there</b></p>"}, pubkeyPlan, body.ReplyContext{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there\n\nbye", out.Plain)
	assert.Equal(t, "<p>Hi <b>there</b></p><br><br>bye", out.HTML)
}
