// Package main is the entry point for fleet-shutdown.
package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	err := Execute()
	closeLogFile()
	if err == nil {
		return
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	log.Error().Err(err).Msg("fleet-shutdown failed")
	os.Exit(1)
}
