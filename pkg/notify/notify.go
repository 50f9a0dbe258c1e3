// Package notify is the user-facing notification sink (toast/alert surface).
package notify

import (
	"peercall/pkg/log"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Notification struct {
	Level   Level
	Kind    string
	Message string
}

type Notifier interface {
	Notify(n Notification)
}

// Func adapts a plain function to a Notifier.
type Func func(Notification)

func (f Func) Notify(n Notification) {
	f(n)
}

// Log writes notifications to the process log. Used by the console client.
type Log struct{}

func (Log) Notify(n Notification) {
	entry := log.WithFields(log.Fields{"kind": n.Kind})
	if n.Level == LevelError {
		entry.Error(n.Message)

		return
	}

	entry.Info(n.Message)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(Notification) {}
