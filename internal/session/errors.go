package session

import (
	"errors"

	"github.com/user/flowterm/internal/device"
)

var (
	ErrNoDevice        = errors.New("session: no device attached")
	ErrAlreadyRunning  = errors.New("session: already running")
	ErrAlreadyFinished = errors.New("session: already finished")
	ErrNotStarted      = errors.New("session: not started")
	ErrKilled          = errors.New("session: killed")
	ErrKillTimeout     = errors.New("session: program did not exit within grace period")

	// Device errors surface unchanged through session I/O.
	ErrBusy   = device.ErrBusy
	ErrClosed = device.ErrClosed
)
