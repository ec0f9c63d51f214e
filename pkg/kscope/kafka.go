// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

// MetadataTimeout bounds every metadata and list offsets round trip.
const MetadataTimeout = 5 * time.Second

// ToolGroupName is the group.id used by consumers that never join or
// commit for a group, e.g. offset queries and streaming sessions.
func ToolGroupName(purpose string) string {
	return fmt.Sprintf("__kscope_%s_%s", purpose, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func librdkafkaToZerologLevel(kafkaLevel int) zerolog.Level {
	switch kafkaLevel {
	case 7:
		return zerolog.DebugLevel
	case 6:
		fallthrough
	case 5:
		return zerolog.InfoLevel
	case 4:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func PrintKafkaLogs(ctx context.Context, kafkaLogCh <-chan kafka.LogEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case logEvt := <-kafkaLogCh:
			log.WithLevel(librdkafkaToZerologLevel(logEvt.Level)).
				Str("Name", logEvt.Name).
				Str("Tag", logEvt.Tag).
				Int("Level", logEvt.Level).
				Str("Timestamp", logEvt.Timestamp.Format(time.RFC3339)).
				Msgf("Kafka Log: %s", logEvt.Message)
		}
	}
}

func KafkaErrorCode(err error) kafka.ErrorCode {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Code()
	}
	return kafka.ErrNoError
}

func IsTimedOut(err error) bool {
	return err != nil && KafkaErrorCode(err) == kafka.ErrTimedOut
}

func TimeoutMs(d time.Duration) int {
	return int(d / time.Millisecond)
}

// ContextTimeoutMs caps dflt by the context deadline, if any, for the
// librdkafka calls that only accept a timeout.
func ContextTimeoutMs(ctx context.Context, dflt time.Duration) int {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining < dflt {
			if remaining <= 0 {
				return 1
			}
			return TimeoutMs(remaining)
		}
	}
	return TimeoutMs(dflt)
}
