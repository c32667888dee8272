// Package plan decides how a message is protected: signed, encrypted to the
// recipients' public keys, or encrypted with a password for recipients
// without keys.
package plan

import (
	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

const op = "plan.Select"

// Input is everything Select needs to know about a send attempt.
type Input struct {
	Recipients         []model.Recipient
	Sign               bool
	Password           string
	SubscriptionActive bool
	HasAttachments     bool
	// IncludeSenderPubkey comes from the attach-own-key toggle.
	IncludeSenderPubkey bool
}

// Select picks the send plan or rejects the send with a Validation error.
func Select(in Input) (model.SendPlan, error) {
	if len(in.Recipients) == 0 {
		return model.SendPlan{}, errs.Invalid(op, "recipients", "Please add a recipient.")
	}

	p := model.SendPlan{IncludeSenderPubkey: in.IncludeSenderPubkey}
	if in.Sign {
		p.Mode = model.SignOnly
		return p, nil
	}

	for _, r := range in.Recipients {
		if r.Status == model.Evaluating {
			return model.SendPlan{}, errs.New(errs.Validation, op, "Recipients are still being checked.")
		}
		if missingKey(r) {
			p.RecipientsMissingKey = appendUnique(p.RecipientsMissingKey, r.Email)
			continue
		}
		if r.Key != nil && (r.Status == model.HasPgp || r.Status == model.Attested) {
			p.PubkeyRecipients = append(p.PubkeyRecipients, *r.Key)
		}
	}

	if len(p.RecipientsMissingKey) == 0 {
		p.Mode = model.EncryptPublicKey
		return p, nil
	}

	if in.Password == "" {
		return model.SendPlan{}, errs.Invalid(op, "password",
			"Some recipients don't have encryption set up. Please add a password for recipients without keys.")
	}
	if in.HasAttachments && !in.SubscriptionActive {
		return model.SendPlan{}, errs.Invalid(op, "attachments",
			"Attachments for recipients without encryption need an active subscription. Remove the attachments or upgrade.")
	}

	p.Mode = model.EncryptPasswordFallback
	return p, nil
}

// missingKey reports whether r can only read the message through a password.
// Expired keys cannot be encrypted to, so their owners count as well.
func missingKey(r model.Recipient) bool {
	switch r.Status {
	case model.NoPgp, model.Expired:
		return true
	case model.Wrong, model.Failed:
		return r.Forced
	}
	return false
}

func appendUnique(list []string, email string) []string {
	for _, e := range list {
		if e == email {
			return list
		}
	}
	return append(list, email)
}
