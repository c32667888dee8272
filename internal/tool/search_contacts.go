package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/gmail-pgp/internal/contacts"
)

type SearchContactsRequest struct {
	Query      string `json:"query" jsonschema:"part of the email address or name"`
	MaxResults int64  `json:"max_results,omitempty" jsonschema:"max results"`
}

type ContactInfo struct {
	Email       string `json:"email" jsonschema:"the email address"`
	Name        string `json:"name,omitempty" jsonschema:"the display name"`
	HasPGP      bool   `json:"has_pgp" jsonschema:"a public key is known for the address"`
	Fingerprint string `json:"fingerprint,omitempty" jsonschema:"fingerprint of the cached key"`
	Attested    bool   `json:"attested,omitempty" jsonschema:"the key was confirmed by the attester"`
	LastUse     string `json:"last_use,omitempty" jsonschema:"when a message was last encrypted to the key"`
}

type SearchContactsResponse struct {
	Contacts     []ContactInfo `json:"contacts" jsonschema:"matching contacts"`
	TotalResults int           `json:"total_results" jsonschema:"number of contacts returned"`
}

type contactSearcher interface {
	Search(ctx context.Context, substring string) ([]contacts.Contact, error)
}

func NewSearchContacts(store contactSearcher) *SearchContacts {
	return &SearchContacts{store: store}
}

type SearchContacts struct {
	store contactSearcher
}

func (t *SearchContacts) SearchContacts(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SearchContactsRequest,
) (*mcp.CallToolResult, SearchContactsResponse, error) {
	maxResults := normalizeMaxResults(input.MaxResults)

	found, err := t.store.Search(ctx, input.Query)
	if err != nil {
		return nil, SearchContactsResponse{}, fmt.Errorf("store.Search failed: %w", err)
	}

	list := make([]ContactInfo, 0, len(found))
	for _, c := range found {
		if int64(len(list)) == maxResults {
			break
		}
		info := ContactInfo{
			Email:       c.Email,
			Name:        c.Name,
			HasPGP:      c.HasPGP,
			Fingerprint: c.Fingerprint,
			Attested:    c.Attested,
		}
		if !c.LastUse.IsZero() {
			info.LastUse = c.LastUse.Format(time.RFC3339)
		}
		list = append(list, info)
	}

	return nil, SearchContactsResponse{Contacts: list, TotalResults: len(list)}, nil
}

func normalizeMaxResults(maxResults int64) int64 {
	if maxResults == 0 {
		return 10
	}
	if maxResults > 50 {
		return 50
	}
	return maxResults
}
