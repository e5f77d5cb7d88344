package config

import (
	"fmt"
	"os"
	"syscall"
)

// CheckExistingProcess returns an error when config.json records a PID that
// still belongs to a live process. Used only in local (non-container) mode
// to keep a second seller from racing the first on the same agent.
func CheckExistingProcess(root string) error {
	state, err := readFile(root)
	if err != nil {
		// No config yet means no other instance.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if state.PID <= 0 {
		return nil
	}
	if processAlive(state.PID) {
		return fmt.Errorf("seller already running with PID %d (stop it or remove the PID from config.json)", state.PID)
	}
	return nil
}

// WritePID records this process's PID in config.json.
func WritePID(root string, pid int) error {
	state, err := readFile(root)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	state.PID = pid
	return writeFile(root, state)
}

// RemovePID clears the recorded PID. Missing config is not an error.
func RemovePID(root string) error {
	state, err := readFile(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if state.PID == 0 {
		return nil
	}
	state.PID = 0
	return writeFile(root, state)
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
