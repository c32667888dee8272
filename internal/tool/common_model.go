package tool

import (
	"strings"

	"github.com/hal9000y/gmail-pgp/internal/model"
	"github.com/hal9000y/gmail-pgp/internal/recipient"
)

// RecipientInfo is the evaluated state of one recipient.
type RecipientInfo struct {
	Email       string `json:"email" jsonschema:"the email address"`
	Name        string `json:"name,omitempty" jsonschema:"the display name"`
	Type        string `json:"type" jsonschema:"to, cc or bcc"`
	Status      string `json:"status" jsonschema:"evaluating, wrong, failed, no_pgp, has_pgp, attested or expired"`
	Fingerprint string `json:"fingerprint,omitempty" jsonschema:"fingerprint of the recipient public key"`
	Forced      bool   `json:"forced,omitempty" jsonschema:"kept in the message despite a wrong address or failed lookup"`
}

func toRecipientInfo(r model.Recipient) RecipientInfo {
	info := RecipientInfo{
		Email:  r.Email,
		Name:   r.Display,
		Type:   r.SendingType.String(),
		Status: r.Status.String(),
		Forced: r.Forced,
	}
	if r.Key != nil {
		info.Fingerprint = r.Key.Fingerprint
	}
	return info
}

func toRecipientInfos(list []model.Recipient) []RecipientInfo {
	out := make([]RecipientInfo, 0, len(list))
	for _, r := range list {
		out = append(out, toRecipientInfo(r))
	}
	return out
}

// addRecipients adds every address of lists. Entries that do not parse as an
// address list are added verbatim so they surface as wrong recipients.
func addRecipients(ev *recipient.Evaluator, st model.SendingType, lists []string) {
	for _, list := range lists {
		addrs, err := model.ParseAddressList(list)
		if err != nil || len(addrs) == 0 {
			if raw := strings.TrimSpace(list); raw != "" {
				ev.Add(raw, "", st)
			}
			continue
		}
		for _, a := range addrs {
			ev.Add(a.Address, a.Name, st)
		}
	}
}
