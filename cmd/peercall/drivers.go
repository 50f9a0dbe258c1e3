//go:build linux && cgo

package main

import (
	// Register capture devices with mediadevices.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
