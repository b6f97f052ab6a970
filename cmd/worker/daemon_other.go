//go:build !unix

package main

import (
	"errors"

	"insight-worker/internal/config"
)

var errNoDaemon = errors.New("background mode is only supported on unix systems")

func daemonize(config.Config) (int, error) {
	return 0, errNoDaemon
}

func processAlive(int) bool {
	return false
}

func signalProcess(int, bool) error {
	return errNoDaemon
}
