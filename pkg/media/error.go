package media

import (
	"os"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")
)

// classify maps driver errors onto the three acquisition failures. Drivers
// don't always wrap errno values, so the message is checked as well.
func classify(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, os.ErrPermission),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not permitted"):
		return errors.Wrap(ErrPermissionDenied, err.Error())
	case errors.Is(err, syscall.EBUSY),
		strings.Contains(msg, "busy"):
		return errors.Wrap(ErrDeviceBusy, err.Error())
	}

	return errors.Wrap(ErrDeviceNotFound, err.Error())
}
