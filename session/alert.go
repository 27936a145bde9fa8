package session

// AlertPriority orders user-visible conditions.
type AlertPriority int

const (
	Info AlertPriority = iota
	Warning
	Error
)

// AlertAction names the recovery an observer can offer the user alongside
// the message.
type AlertAction string

const (
	ActionNone    AlertAction = ""
	ActionReset   AlertAction = "reset"   // offer resetting the audio system
	ActionRestart AlertAction = "restart" // retries exhausted, restart the program
)

// Alert is a user-visible condition. Low-level errors never escape the
// session as panics; they degrade into alerts pushed on the broker.
type Alert struct {
	Message  string
	Priority AlertPriority
	Action   AlertAction
}

func (p AlertPriority) String() string {
	switch p {
	case Warning:
		return "warning"
	case Error:
		return "error"
	}
	return "info"
}
