package realtime

import "log"

// Notifier shows transient user-facing messages.
type Notifier interface {
	Error(msg string)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Error(msg string) {
	n.Logger.Printf("❌ %s", msg)
}

type NotifierFunc func(msg string)

func (f NotifierFunc) Error(msg string) {
	f(msg)
}
