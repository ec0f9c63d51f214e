// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var gLoggingIsPrepd = false

func PrepLogging() {
	if gLoggingIsPrepd {
		return
	}
	gLoggingIsPrepd = true

	logLevel := os.Getenv("KSCOPE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	badParse := false
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
		badParse = true
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02T15:04:05.999"})

	if badParse {
		log.Error().
			Msgf("Bad value for KSCOPE_LOG_LEVEL: %s", os.Getenv("KSCOPE_LOG_LEVEL"))
	}
}
