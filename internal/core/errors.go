// Package core defines sentinel errors shared across btcap packages.
package core

import "errors"

var (
	// Usage errors — reported before any device interaction, exit code 2.
	ErrUsage         = errors.New("btcap: usage error")
	ErrUnknownFormat = errors.New("btcap: unknown log format")

	// Transport errors — diagnostic only, the session controller stays idle.
	ErrDeviceNotFound    = errors.New("btcap: device not found")
	ErrConnectionRefused = errors.New("btcap: device connection refused")
	ErrMuxProtocol       = errors.New("btcap: unexpected usbmuxd response")
	ErrServiceStart      = errors.New("btcap: could not start device service")

	// Record errors — the offending record is dropped, the session continues.
	ErrRecordTooShort = errors.New("btcap: record too short")
	ErrRecordTooLarge = errors.New("btcap: record exceeds max packet size")

	// Session errors.
	ErrSessionActive = errors.New("btcap: capture session already active")
	ErrSinkClosed    = errors.New("btcap: output sink closed")
)
