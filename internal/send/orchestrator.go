package send

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message/mail"

	"github.com/hal9000y/gmail-pgp/internal/body"
	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/model"
	"github.com/hal9000y/gmail-pgp/internal/plan"
	"github.com/hal9000y/gmail-pgp/internal/relay"
)

// ErrAlreadySending is returned, without side effects, when Send is called
// on a session that is not idle.
var ErrAlreadySending = errors.New("a send is already in progress")

type cryptoEngine interface {
	Encrypt(plaintext []byte, pubkeys []string, password string) (string, error)
	EncryptBinary(data []byte, pubkeys []string, password string) ([]byte, error)
	Sign(plaintext []byte, entity *openpgp.Entity) (string, error)
}

type unlocker interface {
	Unlock(ctx context.Context) (*openpgp.Entity, error)
}

type ownPublicKey interface {
	PublicKeyArmored() (string, error)
	Fingerprint() string
}

type composer interface {
	Compose(ctx context.Context, raw model.Bodies, p model.SendPlan, reply body.ReplyContext, uploaded []model.UploadedFile) (model.Bodies, error)
}

type uploader interface {
	UploadAttachments(ctx context.Context, files []relay.EncryptedFile) ([]model.UploadedFile, error)
	Upload(ctx context.Context, ciphertext string, attachments []model.UploadedFile) (model.UploadResult, error)
}

type linkFormatter interface {
	Format(sender string, res model.UploadResult, ciphertext string, inline bool) model.Bodies
}

type transport interface {
	Send(ctx context.Context, msg *model.OutgoingMessage) (string, error)
}

type draftDeleter interface {
	DeleteDraft(ctx context.Context, draftID string) error
}

type keyHistory interface {
	AddPubkeySentTo(emails ...string) error
}

type reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// Deps are the collaborators of an Orchestrator. Unlocker, OwnKey, Drafts,
// History and Reauth may be nil.
type Deps struct {
	Crypto    cryptoEngine
	Unlocker  unlocker
	OwnKey    ownPublicKey
	Composer  composer
	Uploader  uploader
	Links     linkFormatter
	Transport transport
	Drafts    draftDeleter
	History   keyHistory
	Reauth    reauthenticator
}

// Options tune an Orchestrator.
type Options struct {
	// MaxAttachmentBytes caps the combined attachment size. Zero disables it.
	MaxAttachmentBytes int64
	SubscriptionActive bool
	// Threaded is set when the relay links replies to password messages.
	Threaded bool
}

// Question is a confirmation the user must give before sending.
type Question int

const (
	ConfirmEmptyBody Question = iota
	ConfirmEmptySubject
)

// Decider answers a Question. A nil Decider declines everything.
type Decider func(ctx context.Context, q Question) bool

// Result describes a delivered message.
type Result struct {
	MessageID string
	Plan      model.SendPlan
	// ShortID is set for password-protected messages.
	ShortID string
}

// Failure is returned when a send attempt aborts. The session is idle again.
type Failure struct {
	State  State
	Notice errs.Notice
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("send aborted while %s: %v", f.State, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type Orchestrator struct {
	deps Deps
	opts Options
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{deps: deps, opts: opts}
}

type step struct {
	state State
	run   func(context.Context, *Session, *attempt) error
}

// attempt carries the values produced by one run of Send.
type attempt struct {
	draft      Draft
	decide     Decider
	recipients []model.Recipient
	plan       model.SendPlan
	composed   model.Bodies
	uploaded   []model.UploadedFile
	pubkeys    []string
	ciphertext string
	outBodies  model.Bodies
	outFiles   []model.Attachment
	shortID    string
	reauthed   bool
}

// Send runs one attempt for s. Only one attempt runs per session; calls made
// while one is running return ErrAlreadySending and do nothing. A failed
// attempt is returned as *Failure.
func (o *Orchestrator) Send(ctx context.Context, s *Session, decide Decider) (Result, error) {
	if !s.begin() {
		return Result{}, ErrAlreadySending
	}

	a := &attempt{draft: s.Draft(), decide: decide}
	if err := o.validate(ctx, s, a); err != nil {
		return Result{}, o.fail(s, Validating, err)
	}

	steps := []step{
		{Resolving, o.resolve},
		{Planning, o.choosePlan},
		{Composing, o.compose},
		{Encrypting, o.encrypt},
		{Uploading, o.upload},
	}
	for _, st := range steps {
		if st.state == Uploading && a.plan.Mode != model.EncryptPasswordFallback {
			continue
		}
		s.enter(st.state)
		if err := st.run(ctx, s, a); err != nil {
			return Result{}, o.fail(s, st.state, err)
		}
	}

	s.enter(Sending)
	id, err := o.deliver(ctx, s, a)
	if err != nil {
		return Result{}, o.fail(s, Sending, err)
	}

	o.cleanup(ctx, a)
	s.enter(Done)
	s.Close()

	return Result{MessageID: id, Plan: a.plan, ShortID: a.shortID}, nil
}

func (o *Orchestrator) fail(s *Session, state State, err error) error {
	e := errs.Normalize(err, "send."+state.String(), errs.Unknown)
	if e.Kind != errs.Validation {
		log.Println(fmt.Errorf("send %s failed while %s: %w", s.ID, state, err))
	}

	n := errs.NoticeFor(e)
	s.abort(n)

	return &Failure{State: state, Notice: n, Err: e}
}

func (o *Orchestrator) validate(ctx context.Context, s *Session, a *attempt) error {
	const op = "send.Validate"

	if len(s.Recipients.Recipients()) == 0 {
		return errs.Invalid(op, "recipients", "Please add a recipient.")
	}

	ask := func(q Question) bool { return a.decide != nil && a.decide(ctx, q) }
	if strings.TrimSpace(a.draft.Bodies.Plain) == "" && strings.TrimSpace(a.draft.Bodies.HTML) == "" && !ask(ConfirmEmptyBody) {
		return errs.Invalid(op, "body", "The message is empty. Confirm to send it anyway.")
	}
	if strings.TrimSpace(a.draft.Subject) == "" && !ask(ConfirmEmptySubject) {
		return errs.Invalid(op, "subject", "The subject is empty. Confirm to send it anyway.")
	}

	var total int64
	for _, att := range a.draft.Attachments {
		total += att.Size()
	}
	if o.opts.MaxAttachmentBytes > 0 && total > o.opts.MaxAttachmentBytes {
		return errs.New(errs.Oversize, op, fmt.Sprintf("Attachments are %s, the limit is %s.",
			humanize.Bytes(uint64(total)), humanize.Bytes(uint64(o.opts.MaxAttachmentBytes))))
	}

	return nil
}

func (o *Orchestrator) resolve(ctx context.Context, s *Session, a *attempt) error {
	const op = "send.Resolve"

	a.recipients = s.Recipients.Evaluate(ctx)
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, op, err)
	}

	for _, r := range a.recipients {
		if r.Forced {
			continue
		}
		switch r.Status {
		case model.Wrong:
			return errs.Invalid(op, "recipients", fmt.Sprintf("%s is not a valid email address.", r.Email))
		case model.Failed:
			return &errs.Error{Kind: errs.LookupFailed, Op: op, Field: r.Email,
				Msg: fmt.Sprintf("Could not look up the public key of %s. Retry or keep the recipient anyway.", r.Email)}
		}
	}

	return nil
}

func (o *Orchestrator) choosePlan(_ context.Context, s *Session, a *attempt) error {
	p, err := plan.Select(plan.Input{
		Recipients:          a.recipients,
		Sign:                a.draft.Sign,
		Password:            a.draft.Password,
		SubscriptionActive:  o.opts.SubscriptionActive,
		HasAttachments:      len(a.draft.Attachments) > 0,
		IncludeSenderPubkey: o.deps.OwnKey != nil && s.IncludePubkey(),
	})
	if err != nil {
		return err
	}

	a.plan = p
	return nil
}

func (o *Orchestrator) compose(ctx context.Context, s *Session, a *attempt) error {
	const op = "send.Compose"

	if a.plan.Mode == model.EncryptPasswordFallback && len(a.draft.Attachments) > 0 {
		files := make([]relay.EncryptedFile, 0, len(a.draft.Attachments))
		for _, att := range a.draft.Attachments {
			data, err := o.deps.Crypto.EncryptBinary(att.Data, nil, a.draft.Password)
			if err != nil {
				return errs.Wrap(errs.Crypto, op, fmt.Errorf("attachment %s: %w", att.Name, err))
			}
			files = append(files, relay.EncryptedFile{Name: att.Name, MimeType: att.MimeType, Size: att.Size(), Data: data})
		}

		err := o.withReauth(ctx, s, a, func() error {
			var err error
			a.uploaded, err = o.deps.Uploader.UploadAttachments(ctx, files)
			return err
		})
		if err != nil {
			return err
		}
	}

	emails := make([]string, 0, len(a.recipients))
	for _, r := range a.recipients {
		emails = append(emails, r.Email)
	}
	reply := body.ReplyContext{
		Sender:     a.draft.From,
		Recipients: emails,
		Subject:    a.draft.Subject,
		Threaded:   o.opts.Threaded,
	}

	composed, err := o.deps.Composer.Compose(ctx, a.draft.Bodies, a.plan, reply, a.uploaded)
	if err != nil {
		return err
	}

	a.composed = composed
	return nil
}

func (o *Orchestrator) encrypt(ctx context.Context, _ *Session, a *attempt) error {
	const op = "send.Encrypt"

	text := a.composed.Plain
	if a.draft.RichText {
		text = a.composed.HTML
	}

	if a.plan.Mode == model.SignOnly {
		if o.deps.Unlocker == nil {
			return errs.New(errs.Crypto, op, "No private key is configured for signing.")
		}
		entity, err := o.deps.Unlocker.Unlock(ctx)
		if err != nil {
			return err
		}
		signed, err := o.deps.Crypto.Sign([]byte(a.composed.Plain), entity)
		if err != nil {
			return errs.Wrap(errs.Crypto, op, err)
		}
		a.outBodies = model.Bodies{Plain: signed}
		a.outFiles = append(a.outFiles, a.draft.Attachments...)
		return nil
	}

	for _, k := range a.plan.PubkeyRecipients {
		a.pubkeys = append(a.pubkeys, k.Armored)
	}
	if o.deps.OwnKey != nil {
		own, err := o.deps.OwnKey.PublicKeyArmored()
		if err != nil {
			return errs.Wrap(errs.Crypto, op, fmt.Errorf("OwnKey.PublicKeyArmored failed: %w", err))
		}
		a.pubkeys = append(a.pubkeys, own)
	}

	password := ""
	if a.plan.Mode == model.EncryptPasswordFallback {
		password = a.draft.Password
	}

	ciphertext, err := o.deps.Crypto.Encrypt([]byte(text), a.pubkeys, password)
	if err != nil {
		return errs.Wrap(errs.Crypto, op, err)
	}
	a.ciphertext = ciphertext

	if a.plan.Mode == model.EncryptPasswordFallback {
		return nil
	}

	a.outBodies = model.Bodies{Plain: ciphertext}
	for _, att := range a.draft.Attachments {
		data, err := o.deps.Crypto.EncryptBinary(att.Data, a.pubkeys, "")
		if err != nil {
			return errs.Wrap(errs.Crypto, op, fmt.Errorf("attachment %s: %w", att.Name, err))
		}
		a.outFiles = append(a.outFiles, model.Attachment{
			Name:     att.Name + ".pgp",
			MimeType: "application/pgp-encrypted",
			Data:     data,
		})
	}

	return nil
}

func (o *Orchestrator) upload(ctx context.Context, s *Session, a *attempt) error {
	var res model.UploadResult
	err := o.withReauth(ctx, s, a, func() error {
		var err error
		res, err = o.deps.Uploader.Upload(ctx, a.ciphertext, a.uploaded)
		return err
	})
	if err != nil {
		return err
	}

	a.shortID = res.ShortID
	a.outBodies = o.deps.Links.Format(a.draft.From, res, a.ciphertext, len(a.plan.PubkeyRecipients) > 0)
	return nil
}

// withReauth runs fn and, when it fails with AuthExpired, asks the user to
// sign in and runs it exactly once more. An attempt signs in at most once.
func (o *Orchestrator) withReauth(ctx context.Context, s *Session, a *attempt, fn func() error) error {
	err := fn()
	if !errs.Is(err, errs.AuthExpired) || o.deps.Reauth == nil || a.reauthed {
		return err
	}

	a.reauthed = true
	s.notice(errs.NoticeFor(err))
	if err := o.deps.Reauth.Reauthenticate(ctx); err != nil {
		return err
	}

	return fn()
}

func (o *Orchestrator) deliver(ctx context.Context, s *Session, a *attempt) (string, error) {
	const op = "send.Deliver"

	msg := &model.OutgoingMessage{
		From:        a.draft.From,
		Headers:     a.draft.Headers,
		Subject:     a.draft.Subject,
		Bodies:      a.outBodies,
		Attachments: a.outFiles,
		ThreadRef:   a.draft.ThreadRef,
	}
	for _, r := range a.recipients {
		addr := (&mail.Address{Name: r.Display, Address: r.Email}).String()
		switch r.SendingType {
		case model.Cc:
			msg.Cc = append(msg.Cc, addr)
		case model.Bcc:
			msg.Bcc = append(msg.Bcc, addr)
		default:
			msg.To = append(msg.To, addr)
		}
	}

	if a.plan.IncludeSenderPubkey && o.deps.OwnKey != nil {
		armored, err := o.deps.OwnKey.PublicKeyArmored()
		if err != nil {
			return "", errs.Wrap(errs.Crypto, op, fmt.Errorf("OwnKey.PublicKeyArmored failed: %w", err))
		}
		msg.Attachments = append(msg.Attachments, model.Attachment{
			Name:     "0x" + o.deps.OwnKey.Fingerprint() + ".asc",
			MimeType: "application/pgp-keys",
			Data:     []byte(armored),
		})
	}

	var id string
	err := o.withReauth(ctx, s, a, func() error {
		var err error
		id, err = o.deps.Transport.Send(ctx, msg)
		return err
	})

	return id, err
}

// cleanup runs after a successful delivery. Its failures are only logged.
func (o *Orchestrator) cleanup(ctx context.Context, a *attempt) {
	if a.draft.DraftID != "" && o.deps.Drafts != nil {
		if err := o.deps.Drafts.DeleteDraft(ctx, a.draft.DraftID); err != nil {
			log.Println(fmt.Errorf("Drafts.DeleteDraft failed: %w", err))
		}
	}

	if a.plan.IncludeSenderPubkey && o.deps.History != nil {
		emails := make([]string, 0, len(a.recipients))
		for _, r := range a.recipients {
			emails = append(emails, r.Email)
		}
		if err := o.deps.History.AddPubkeySentTo(emails...); err != nil {
			log.Println(fmt.Errorf("History.AddPubkeySentTo failed: %w", err))
		}
	}
}
