package main

import (
	"errors"
	"fmt"

	"github.com/srg/blepresence/internal/config"
	"github.com/srg/blepresence/internal/daemon"
	goble "github.com/srg/blepresence/internal/device/go-ble"
)

// Command-level errors
var (
	// ErrNotRoot is returned by hardware commands when the process cannot run hciconfig.
	ErrNotRoot = errors.New("this command needs root privileges to reset the bluetooth adapter")
)

// FormatUserError turns internal errors into a short message with a hint.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, config.ErrNotFound):
		return fmt.Sprintf("%v (create one or pass --config)", err)
	case errors.Is(err, ErrNotRoot):
		return fmt.Sprintf("%v (run with sudo)", err)
	case errors.Is(err, daemon.ErrAlreadyRunning):
		return fmt.Sprintf("%v (stop it first or point --config at another directory)", err)
	case errors.Is(err, goble.ErrBluetoothOff):
		return fmt.Sprintf("%v (check that the adapter is up)", err)
	default:
		return err.Error()
	}
}
