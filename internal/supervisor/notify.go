// Package supervisor reports lifecycle state to systemd over the sd_notify
// protocol. Outside a Type=notify unit every call is a no-op.
package supervisor

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/NilsIgris/sylon/internal/events"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	notify func(unsetEnv bool, state string) (bool, error)
	logger *events.EventLogger
}

// NewNotifier returns a Notifier backed by daemon.SdNotify.
func NewNotifier(logger *events.EventLogger) *Notifier {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Notifier{notify: daemon.SdNotify, logger: logger}
}

// Ready reports that startup finished.
func (n *Notifier) Ready() bool {
	return n.send(daemon.SdNotifyReady)
}

// Stopping reports that the process is about to exit.
func (n *Notifier) Stopping() bool {
	return n.send(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool {
	return n.send("STATUS=" + msg)
}

// send reports whether the message was delivered. A missing NOTIFY_SOCKET
// yields false with no error.
func (n *Notifier) send(state string) bool {
	ok, err := n.notify(false, state)
	if err != nil {
		n.logger.Logger().Debug("sd_notify_failed", "state", state, "error", err.Error())
		return false
	}
	return ok
}
