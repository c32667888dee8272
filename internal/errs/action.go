package errs

// Action is what the user is offered after a failure.
type Action int

const (
	ShowMessage Action = iota
	FixInput
	RetryRecipient
	Reauthenticate
	Resend
	ReduceSize
)

func (a Action) String() string {
	switch a {
	case FixInput:
		return "fix_input"
	case RetryRecipient:
		return "retry_recipient"
	case Reauthenticate:
		return "reauthenticate"
	case Resend:
		return "resend"
	case ReduceSize:
		return "reduce_size"
	}
	return "show_message"
}

// Notice is a failure ready to be shown to the user.
type Notice struct {
	Kind    Kind
	Action  Action
	Message string
	Field   string
}

// NoticeFor maps err onto the action and message shown to the user.
func NoticeFor(err error) Notice {
	e := Normalize(err, "", Unknown)
	if e == nil {
		return Notice{}
	}
	n := Notice{Kind: e.Kind, Message: UserMessage(e), Field: e.Field}
	switch e.Kind {
	case Validation:
		n.Action = FixInput
	case LookupFailed:
		n.Action = RetryRecipient
	case AuthExpired:
		n.Action = Reauthenticate
	case Oversize:
		n.Action = ReduceSize
	case Upload:
		n.Action = Resend
	case Transport:
		if e.PayloadTooLarge() {
			n.Action = ReduceSize
		} else {
			n.Action = Resend
		}
	default:
		n.Action = ShowMessage
	}
	return n
}

// UserMessage returns the text shown to the user for e.
func UserMessage(e *Error) string {
	if e.Msg != "" {
		return e.Msg
	}
	switch e.Kind {
	case LookupFailed:
		return "Could not look up the public key. Click to retry."
	case AuthExpired:
		return "Your session expired. Please sign in again."
	case Crypto:
		if e.Err != nil {
			return "Could not encrypt the message: " + e.Err.Error()
		}
		return "Could not encrypt the message."
	case Upload:
		return "Could not upload the message. Please try sending again."
	case Transport:
		if e.PayloadTooLarge() {
			return "The message is too large to send. Remove some attachments and try again."
		}
		return "The message could not be sent. Please try sending again."
	case Oversize:
		return "Attachments are too large."
	case Cancelled:
		return "Sending was cancelled."
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "Something went wrong."
}
