package relay

import (
	"strings"

	"github.com/hal9000y/gmail-pgp/internal/format"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

// LinkFormatter writes the outgoing body of a password-protected message.
type LinkFormatter struct {
	linkBase string
}

// NewLinkFormatter creates a formatter producing links under linkBase.
func NewLinkFormatter(linkBase string) LinkFormatter {
	return LinkFormatter{linkBase: strings.TrimRight(linkBase, "/")}
}

// URL returns the decrypt link of shortID.
func (f LinkFormatter) URL(shortID string) string {
	return f.linkBase + "/" + shortID
}

// Format returns the plain and HTML bodies pointing to the stored message.
// The ciphertext is included only when inline is set, for recipients that
// can decrypt it with their own key.
func (f LinkFormatter) Format(sender string, res model.UploadResult, ciphertext string, inline bool) model.Bodies {
	link := f.URL(res.ShortID)
	intro := "You have received an encrypted message"
	if sender != "" {
		intro = sender + " has sent you an encrypted message"
	}

	plain := []string{
		intro + ".",
		"To open it, visit: " + link,
	}
	htm := []string{
		format.TextToHTML(intro+".") + " " + format.Anchor(link, "Open the message"),
		"If the link does not work, copy this address into your browser: " + format.TextToHTML(link),
	}

	if inline {
		plain = append(plain, "If you use an OpenPGP client you can decrypt the message below.", ciphertext)
		htm = append(htm, "If you use an OpenPGP client you can decrypt the message below.", format.TextToHTML(ciphertext))
	}

	return model.Bodies{
		Plain: strings.Join(plain, "\n\n"),
		HTML:  strings.Join(htm, "<br><br>"),
	}
}
