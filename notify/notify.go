// Package notify sends desktop notifications for connection events.
// It talks to org.freedesktop.Notifications over the session bus and
// falls back to the notify-send command when no bus is available.
package notify

import (
	"os/exec"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/gp-manager/common"
)

const (
	dbusService   = "org.freedesktop.Notifications"
	dbusPath      = "/org/freedesktop/Notifications"
	dbusInterface = "org.freedesktop.Notifications.Notify"
)

// DesktopNotifier implements common.Notifier for Linux desktops.
type DesktopNotifier struct {
	conn *dbus.Conn
}

// compile-time interface check
var _ common.Notifier = (*DesktopNotifier)(nil)

// New creates a desktop notifier. Connecting to the session bus may
// fail (headless session, no bus); the notifier still works through the
// notify-send fallback in that case.
func New() *DesktopNotifier {
	conn, err := dbus.SessionBus()
	if err != nil {
		common.LogDebug("Session bus unavailable, using notify-send fallback: %v", err)
		conn = nil
	}
	return &DesktopNotifier{conn: conn}
}

// Notify sends a notification with the given title and message.
func (n *DesktopNotifier) Notify(title, message string) error {
	if n.conn != nil {
		err := n.notifyDBus(title, message)
		if err == nil {
			return nil
		}
		common.LogDebug("D-Bus notification failed: %v", err)
	}
	return n.notifySend(title, message)
}

// notifyDBus calls org.freedesktop.Notifications.Notify directly.
func (n *DesktopNotifier) notifyDBus(title, message string) error {
	obj := n.conn.Object(dbusService, dbus.ObjectPath(dbusPath))
	call := obj.Call(dbusInterface, 0,
		common.AppName,          // app_name
		uint32(0),               // replaces_id
		"network-vpn",           // app_icon
		title,                   // summary
		message,                 // body
		[]string{},              // actions
		map[string]dbus.Variant{}, // hints
		int32(5000),             // expire_timeout ms
	)
	return call.Err
}

// notifySend shells out to notify-send, the same fallback the desktop
// tooling uses everywhere.
func (n *DesktopNotifier) notifySend(title, message string) error {
	path, err := exec.LookPath("notify-send")
	if err != nil {
		return common.WrapError(err, "notify-send not available")
	}
	return exec.Command(path, "--app-name", common.AppName,
		"--icon", "network-vpn", title, message).Run()
}
