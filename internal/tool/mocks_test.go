package tool_test

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/gmail-pgp/internal/contacts"
	"github.com/hal9000y/gmail-pgp/internal/keydir"
	"github.com/hal9000y/gmail-pgp/internal/model"
	"github.com/hal9000y/gmail-pgp/internal/recipient"
	"github.com/hal9000y/gmail-pgp/internal/send"
	"github.com/hal9000y/gmail-pgp/internal/tool"
)

type directoryMock struct {
	outcome map[string]keydir.LookupOutcome
}

func (m *directoryMock) Resolve(_ context.Context, email string) keydir.LookupOutcome {
	if out, ok := m.outcome[email]; ok {
		return out
	}
	return keydir.LookupOutcome{Kind: keydir.NotFound}
}

func (m *directoryMock) Refresh(ctx context.Context, email string) keydir.LookupOutcome {
	return m.Resolve(ctx, email)
}

type senderMock struct {
	SendFunc func(ctx context.Context, s *send.Session, decide send.Decider) (send.Result, error)
}

func (m *senderMock) Send(ctx context.Context, s *send.Session, decide send.Decider) (send.Result, error) {
	return m.SendFunc(ctx, s, decide)
}

type threadSvcMock struct {
	GetMessageMetadataFunc func(ctx context.Context, msgID string) (*gmail.Message, error)
}

func (m *threadSvcMock) GetMessageMetadata(ctx context.Context, msgID string) (*gmail.Message, error) {
	return m.GetMessageMetadataFunc(ctx, msgID)
}

type contactsMock struct {
	SearchFunc func(ctx context.Context, substring string) ([]contacts.Contact, error)
}

func (m *contactsMock) Search(ctx context.Context, substring string) ([]contacts.Contact, error) {
	return m.SearchFunc(ctx, substring)
}

type passphraseMock struct {
	pending  map[string]bool
	provided map[string]string
}

func (m *passphraseMock) Provide(fingerprint, passphrase string) bool {
	if !m.pending[fingerprint] {
		return false
	}
	m.provided[fingerprint] = passphrase
	return true
}

type linksMock struct{}

func (linksMock) URL(shortID string) string { return "https://relay.example.com/" + shortID }

func keyFor(armored string) keydir.LookupOutcome {
	return keydir.LookupOutcome{
		Kind: keydir.Found,
		Key:  &model.PublicKey{Armored: armored, Fingerprint: "FP-" + armored, UsableForEncryption: true},
	}
}

func newSessions(dir *directoryMock) *tool.Sessions {
	return tool.NewSessions(func() *send.Session {
		return send.NewSession(recipient.NewEvaluator(dir, nil))
	})
}

func connect(t *testing.T, d tool.Deps) *mcp.ClientSession {
	t.Helper()

	server := tool.NewServer(d)
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client"}, nil)
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	ctx := context.Background()

	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { serverSession.Close() })

	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientSession.Close() })

	return clientSession
}
