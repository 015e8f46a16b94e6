package fieldlink

import "github.com/rs/zerolog"

// NotifyKind classifies user-facing notifications.
type NotifyKind int

const (
	NotifyInfo NotifyKind = iota
	NotifySuccess
	NotifyError
)

func (k NotifyKind) String() string {
	switch k {
	case NotifySuccess:
		return "success"
	case NotifyError:
		return "error"
	default:
		return "info"
	}
}

// Notifier is the narrow surface the core uses to reach the presentation
// layer. The core never touches presentation state beyond these calls.
type Notifier interface {
	Notify(kind NotifyKind, message string)
	ShowBusy(message string)
	HideBusy()
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(NotifyKind, string) {}
func (NopNotifier) ShowBusy(string)           {}
func (NopNotifier) HideBusy()                 {}

// LogNotifier writes notifications to the log. Useful for the agent binary,
// where there is no presentation layer to hand them to.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(kind NotifyKind, message string) {
	ev := n.Log.Info()
	if kind == NotifyError {
		ev = n.Log.Warn()
	}
	ev.Str("kind", kind.String()).Msg(message)
}

func (n LogNotifier) ShowBusy(message string) {
	n.Log.Debug().Str("busy", "show").Msg(message)
}

func (n LogNotifier) HideBusy() {
	n.Log.Debug().Str("busy", "hide").Msg("")
}
