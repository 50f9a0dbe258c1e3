package call

import (
	"fmt"
	"strings"

	"peercall/pkg/media"
	"peercall/pkg/notify"

	"github.com/pkg/errors"
)

var (
	ErrMediaPermissionDenied = media.ErrPermissionDenied
	ErrMediaDeviceNotFound   = media.ErrDeviceNotFound
	ErrMediaDeviceBusy       = media.ErrDeviceBusy

	ErrSignalingDisconnected = errors.New("signaling disconnected")
	ErrRemoteOffline         = errors.New("remote user offline")
	ErrRemoteRejected        = errors.New("call rejected by remote")
	ErrRemoteEnded           = errors.New("call ended by remote")
	ErrPeerLink              = errors.New("peer link error")
	ErrPeerLinkClosed        = errors.New("peer link closed")
	ErrInviteTimeout         = errors.New("invite timed out")
	ErrConnectTimeout        = errors.New("connection timed out")
	ErrRelayFailed           = errors.New("relay could not deliver the call")
)

// Errors returned to the caller of an intent. They never touch a session.
var (
	ErrBusy            = errors.New("a call is already in progress")
	ErrNothingToAccept = errors.New("no incoming call to accept")
	ErrNothingToReject = errors.New("no incoming call to reject")
	ErrNoActiveCall    = errors.New("no call to end")
	ErrInvalidPeer     = errors.New("invalid peer")
	ErrStopped         = errors.New("call coordinator stopped")
)

type failure struct {
	err    error
	kind   string
	format string
}

// Order matters: the first sentinel matched by errors.Is wins.
var failures = []failure{
	{ErrMediaPermissionDenied, "media-permission-denied", "Camera or microphone access was denied"},
	{ErrMediaDeviceNotFound, "media-device-not-found", "No camera or microphone was found"},
	{ErrMediaDeviceBusy, "media-device-busy", "Camera or microphone is in use by another application"},
	{ErrSignalingDisconnected, "signaling-disconnected", "Lost connection to the call server, call with %s ended"},
	{ErrRemoteOffline, "remote-offline", "%s is offline"},
	{ErrRemoteRejected, "remote-rejected", "%s declined the call"},
	{ErrRemoteEnded, "remote-ended", "%s ended the call"},
	{ErrPeerLinkClosed, "peer-link-closed", "Connection to %s closed"},
	{ErrPeerLink, "peer-link-error", "Connection to %s failed"},
	{ErrInviteTimeout, "invite-timeout", "%s did not answer"},
	{ErrConnectTimeout, "connect-timeout", "Could not connect to %s in time"},
	{ErrRelayFailed, "relay-failed", "The call to %s could not be delivered"},
	{ErrNothingToAccept, "nothing-to-accept", "There is no incoming call to accept"},
}

func describe(err error) failure {
	for _, f := range failures {
		if errors.Is(err, f.err) {
			return f
		}
	}

	return failure{err: ErrPeerLink, kind: "peer-link-error", format: "Connection to %s failed"}
}

func (f failure) notification(peer string) notify.Notification {
	if peer == "" {
		peer = "the other party"
	}

	msg := f.format
	if strings.Contains(msg, "%s") {
		msg = fmt.Sprintf(msg, peer)
	}

	return notify.Notification{
		Level:   notify.LevelError,
		Kind:    f.kind,
		Message: msg,
	}
}
