package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

type api interface {
	Presign(ctx context.Context, lengths []int64) ([]Approval, error)
	Put(ctx context.Context, url string, data []byte) error
	Confirm(ctx context.Context, keys []string) ([]ConfirmedFile, error)
	UploadMessage(ctx context.Context, ciphertext string) (MessageRef, error)
}

type adminCodeStore interface {
	SaveAdminCodes(shortID string, date time.Time, codes ...string) error
}

// EncryptedFile is an attachment already encrypted with the message password.
type EncryptedFile struct {
	Name     string
	MimeType string
	// Size is the length of the original file.
	Size int64
	Data []byte
}

// Uploader publishes password-encrypted messages and attachments.
type Uploader struct {
	api             api
	codes           adminCodeStore
	maxMessageBytes int64
	maxFileBytes    int64
	now             func() time.Time
}

// NewUploader creates an Uploader. Messages longer than maxMessageBytes and
// attachments whose original sizes add up to more than maxFileBytes are
// rejected before any network call. Zero disables a limit.
func NewUploader(api api, codes adminCodeStore, maxMessageBytes, maxFileBytes int64) *Uploader {
	return &Uploader{
		api:             api,
		codes:           codes,
		maxMessageBytes: maxMessageBytes,
		maxFileBytes:    maxFileBytes,
		now:             time.Now,
	}
}

// UploadAttachments stores files on the relay and returns their links. The
// admin code of every confirmed file is saved under its relay key right away,
// so it survives a send that fails later.
func (u *Uploader) UploadAttachments(ctx context.Context, files []EncryptedFile) ([]model.UploadedFile, error) {
	const op = "relay.UploadAttachments"

	if len(files) == 0 {
		return nil, nil
	}

	var total int64
	lengths := make([]int64, 0, len(files))
	for _, f := range files {
		total += f.Size
		lengths = append(lengths, int64(len(f.Data)))
	}
	if err := checkSize(op, "Attachments are", total, u.maxFileBytes); err != nil {
		return nil, err
	}

	approvals, err := u.api.Presign(ctx, lengths)
	if err != nil {
		return nil, err
	}
	if len(approvals) != len(files) {
		return nil, errs.New(errs.Upload, op, fmt.Sprintf("The relay approved %d of %d files. Please try again.", len(approvals), len(files)))
	}

	keys := make([]string, 0, len(files))
	for i, f := range files {
		if err := u.api.Put(ctx, approvals[i].URL, f.Data); err != nil {
			return nil, err
		}
		keys = append(keys, approvals[i].Key)
	}

	confirmed, err := u.api.Confirm(ctx, keys)
	if err != nil {
		return nil, err
	}
	if len(confirmed) < len(files) {
		return nil, errs.New(errs.Validation, op, "Some attachments failed to upload. Please try again.")
	}

	byKey := make(map[string]ConfirmedFile, len(confirmed))
	for _, c := range confirmed {
		byKey[c.Key] = c
		if c.AdminCode != "" {
			u.saveCodes(c.Key, c.AdminCode)
		}
	}

	out := make([]model.UploadedFile, 0, len(files))
	for i, f := range files {
		c, ok := byKey[keys[i]]
		if !ok {
			return nil, errs.New(errs.Validation, op, "Some attachments failed to upload. Please try again.")
		}
		out = append(out, model.UploadedFile{
			Name:      f.Name,
			MimeType:  f.MimeType,
			Size:      f.Size,
			URL:       c.URL,
			AdminCode: c.AdminCode,
		})
	}

	return out, nil
}

// Upload stores the ciphertext and records its admin code together with the
// admin codes of attachments uploaded earlier.
func (u *Uploader) Upload(ctx context.Context, ciphertext string, attachments []model.UploadedFile) (model.UploadResult, error) {
	const op = "relay.Upload"

	if err := checkSize(op, "Encrypted content is", int64(len(ciphertext)), u.maxMessageBytes); err != nil {
		return model.UploadResult{}, err
	}

	ref, err := u.api.UploadMessage(ctx, ciphertext)
	if err != nil {
		return model.UploadResult{}, err
	}

	codes := []string{ref.AdminCode}
	for _, a := range attachments {
		if a.AdminCode != "" {
			codes = append(codes, a.AdminCode)
		}
	}
	u.saveCodes(ref.Short, codes...)

	return model.UploadResult{
		ShortID:     ref.Short,
		AdminCode:   ref.AdminCode,
		Attachments: attachments,
	}, nil
}

func (u *Uploader) saveCodes(id string, codes ...string) {
	if u.codes == nil {
		return
	}
	if err := u.codes.SaveAdminCodes(id, u.now(), codes...); err != nil {
		log.Println(fmt.Errorf("codes.SaveAdminCodes failed: %w", err))
	}
}

func checkSize(op, what string, size, limit int64) error {
	if limit <= 0 || size <= limit {
		return nil
	}

	return errs.New(errs.Oversize, op, fmt.Sprintf("%s %s, the limit is %s.",
		what, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit))))
}
