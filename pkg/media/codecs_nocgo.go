//go:build !cgo

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pkg/errors"
)

// The VP8 and Opus encoders are cgo bindings; without them nothing can be sent.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return nil, errors.New("built without cgo, no media encoders available")
}
