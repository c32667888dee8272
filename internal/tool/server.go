package tool

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Deps are the services behind the tools.
type Deps struct {
	Sessions    *Sessions
	Sender      sender
	Threads     threadSvc
	Links       linker
	Contacts    contactSearcher
	Passphrases passphraseProvider
	// From is the sender address written to outgoing messages.
	From string
	// OwnFingerprint is used when provide_passphrase gets no fingerprint.
	OwnFingerprint string
}

// NewServer creates an MCP server with the encrypted send tools.
func NewServer(d Deps) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "gmail-pgp", Version: "v1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "evaluate_recipients",
		Description: "Add recipients to a compose session and report which of them have a usable public key",
	}, NewEvaluateRecipients(d.Sessions).EvaluateRecipients)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "retry_recipient",
		Description: "Look up a recipient key again, refresh it, or keep a recipient whose lookup failed",
	}, NewRetryRecipient(d.Sessions).RetryRecipient)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_message",
		Description: "Encrypt and send a message; recipients without a key get a password-protected link",
	}, NewSendMessage(d.Sessions, d.Sender, d.Threads, d.Links, d.From).SendMessage)

	if d.Passphrases != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "provide_passphrase",
			Description: "Answer a pending request for the pass phrase of the sender private key",
		}, NewProvidePassphrase(d.Passphrases, d.OwnFingerprint).ProvidePassphrase)
	}

	if d.Contacts != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "search_contacts",
			Description: "Search cached contacts and their public keys",
		}, NewSearchContacts(d.Contacts).SearchContacts)
	}

	return server
}
