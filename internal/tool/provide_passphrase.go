package tool

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type ProvidePassphraseRequest struct {
	Fingerprint string `json:"fingerprint,omitempty" jsonschema:"key fingerprint, defaults to the sender key"`
	Passphrase  string `json:"passphrase" jsonschema:"the pass phrase of the private key"`
}

type ProvidePassphraseResponse struct {
	Accepted bool `json:"accepted" jsonschema:"true when a waiting send received the pass phrase"`
}

type passphraseProvider interface {
	Provide(fingerprint, passphrase string) bool
}

func NewProvidePassphrase(prompt passphraseProvider, ownFingerprint string) *ProvidePassphrase {
	return &ProvidePassphrase{prompt: prompt, ownFingerprint: ownFingerprint}
}

type ProvidePassphrase struct {
	prompt         passphraseProvider
	ownFingerprint string
}

func (t *ProvidePassphrase) ProvidePassphrase(
	_ context.Context,
	req *mcp.CallToolRequest,
	input ProvidePassphraseRequest,
) (*mcp.CallToolResult, ProvidePassphraseResponse, error) {
	fp := input.Fingerprint
	if fp == "" {
		fp = t.ownFingerprint
	}

	if !t.prompt.Provide(fp, input.Passphrase) {
		return nil, ProvidePassphraseResponse{}, fmt.Errorf("no send is waiting for the pass phrase of %s", fp)
	}

	return nil, ProvidePassphraseResponse{Accepted: true}, nil
}
