package authn

// Level is the severity of a user-facing message.
type Level string

const (
	LevelStatus  Level = "status"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is shown to the person logging in.
type Message struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

// Session is what a login entry point hands back to its caller: the local
// account id on success, a blocking form error on failure, and any
// messages to display.
type Session struct {
	AccountID int64     `json:"account_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
}

// Authenticated reports whether the session carries a local identity.
func (s Session) Authenticated() bool {
	return s.AccountID != 0
}

func (s Session) withMessage(level Level, text string) Session {
	s.Messages = append(append([]Message(nil), s.Messages...), Message{Level: level, Text: text})
	return s
}

func (s Session) withError(text string) Session {
	s.Error = text
	return s
}

// User-facing texts.
const (
	msgDisallowed   = "User disallowed"
	msgUnrecognized = "Sorry, unrecognized username or password."
	msgBindFailed   = "Failed to bind to the directory server. See the error log for details."
	msgConflict     = "Your directory account could not be linked to a local account. Contact the site administrator."
	msgBlocked      = "The account %s has not been activated or is blocked."
	msgEmailUpdated = "Your email address was updated to %s to match your directory account."
)

func failureMessage(o Outcome) string {
	switch o {
	case OutcomeFind, OutcomeDisallowed:
		return msgDisallowed
	case OutcomeBind:
		return msgBindFailed
	default:
		return msgUnrecognized
	}
}
