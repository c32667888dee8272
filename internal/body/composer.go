// Package body builds the plaintext of an outgoing message before it is
// signed or encrypted.
package body

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"

	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/format"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

const (
	// ReplyClass marks the hidden block carrying the reply token.
	ReplyClass = "cryptup_reply"
	// FileClass marks links to attachments stored on the relay.
	FileClass = "cryptup_file"
	// DataAttr holds the machine readable JSON of a block.
	DataAttr = "cryptup-data"
)

type replyTokens interface {
	ReplyToken(ctx context.Context) (string, error)
}

// Footer is the sender configured signature.
type Footer struct {
	Plain string
	HTML  string
}

// ReplyContext describes the thread a password-protected message belongs to.
type ReplyContext struct {
	Sender     string
	Recipients []string
	Subject    string
	// Threaded is true when the relay supports threaded replies.
	Threaded bool
}

// ReplyData is the content of the hidden reply block.
type ReplyData struct {
	Sender    string   `json:"sender"`
	Recipient []string `json:"recipient"`
	Subject   string   `json:"subject"`
	Token     string   `json:"token"`
}

// FileData is the machine readable description of an uploaded attachment.
type FileData struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Composer builds message bodies.
type Composer struct {
	tokens replyTokens
	footer Footer
}

// NewComposer creates a Composer. tokens may be nil when no relay is configured.
func NewComposer(tokens replyTokens, footer Footer) *Composer {
	if footer.Plain == "" && footer.HTML != "" {
		footer.Plain = format.HTMLToText(footer.HTML)
	}
	if footer.HTML == "" && footer.Plain != "" {
		footer.HTML = format.TextToHTML(footer.Plain)
	}

	return &Composer{tokens: tokens, footer: footer}
}

// Compose returns the plain and HTML bodies to be signed or encrypted. The
// reply block comes first, then attachment links, then the footer, so both
// variants end with the footer.
func (c *Composer) Compose(ctx context.Context, raw model.Bodies, p model.SendPlan, reply ReplyContext, uploaded []model.UploadedFile) (model.Bodies, error) {
	const op = "body.Compose"

	out := raw
	if out.HTML == "" {
		out.HTML = format.TextToHTML(out.Plain)
	} else if out.Plain == "" {
		out.Plain = format.HTMLToText(out.HTML)
	}

	if p.Mode == model.EncryptPasswordFallback && reply.Threaded && c.tokens != nil {
		block, err := c.replyBlock(ctx, reply)
		switch {
		case errors.Is(err, errs.ErrSubscriptionRequired):
			log.Printf("Reply token needs a subscription, sending without it")
		case err != nil:
			e := errs.Normalize(err, op, errs.Upload)
			if e.Msg == "" && e.Kind == errs.Upload {
				e = &errs.Error{Kind: errs.Upload, Op: op, Err: err,
					Msg: "Could not prepare the reply link. Please try sending again."}
			}
			return model.Bodies{}, e
		default:
			out.Plain = appendBlock(out.Plain, "\n\n", block)
			out.HTML = appendBlock(out.HTML, "<br>", block)
		}
	}

	if len(uploaded) > 0 {
		plain, htm := links(uploaded)
		out.Plain = appendBlock(out.Plain, "\n\n", plain)
		out.HTML = appendBlock(out.HTML, "<br><br>", htm)
	}

	if c.footer.Plain != "" {
		out.Plain = appendBlock(out.Plain, "\n\n", c.footer.Plain)
		out.HTML = appendBlock(out.HTML, "<br><br>", c.footer.HTML)
	}

	return out, nil
}

func (c *Composer) replyBlock(ctx context.Context, reply ReplyContext) (string, error) {
	token, err := c.tokens.ReplyToken(ctx)
	if err != nil {
		return "", fmt.Errorf("tokens.ReplyToken failed: %w", err)
	}

	data, err := json.Marshal(ReplyData{
		Sender:    reply.Sender,
		Recipient: reply.Recipients,
		Subject:   reply.Subject,
		Token:     token,
	})
	if err != nil {
		return "", fmt.Errorf("json.Marshal failed: %w", err)
	}

	return format.HiddenDiv(ReplyClass, html.Attribute{Key: DataAttr, Val: string(data)}), nil
}

func links(files []model.UploadedFile) (string, string) {
	plain := make([]string, 0, len(files))
	htm := make([]string, 0, len(files))
	for _, f := range files {
		size := humanize.Bytes(uint64(f.Size))
		plain = append(plain, fmt.Sprintf("%s (%s, %s): %s", f.Name, size, f.MimeType, f.URL))

		data, err := json.Marshal(FileData{Name: f.Name, Type: f.MimeType, Size: f.Size})
		if err != nil {
			data = []byte("{}")
		}
		htm = append(htm, format.Anchor(f.URL, fmt.Sprintf("%s (%s)", f.Name, size),
			html.Attribute{Key: "class", Val: FileClass},
			html.Attribute{Key: DataAttr, Val: string(data)},
		))
	}

	return strings.Join(plain, "\n"), strings.Join(htm, "<br>")
}

func appendBlock(body, sep, block string) string {
	if body == "" {
		return block
	}
	return body + sep + block
}
