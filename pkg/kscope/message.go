// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

import (
	"strings"

	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

type MessageEnvelope struct {
	Key       string            `json:"key"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Headers   map[string]string `json:"headers"`
	Payload   string            `json:"payload"`
	Timestamp int64             `json:"timestamp"`
}

// NewMessageEnvelope decodes key, headers and payload as UTF-8, replacing
// invalid sequences rather than failing the message.
func NewMessageEnvelope(msg *kafka.Message) *MessageEnvelope {
	env := &MessageEnvelope{
		Key:       lossyString(msg.Key),
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Headers:   make(map[string]string, len(msg.Headers)),
		Payload:   lossyString(msg.Value),
	}
	if !msg.Timestamp.IsZero() {
		env.Timestamp = msg.Timestamp.UnixMilli()
	}
	for _, hdr := range msg.Headers {
		env.Headers[hdr.Key] = lossyString(hdr.Value)
	}
	return env
}

func lossyString(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// StreamEvent is delivered on a session's event channel: zero or more
// message events followed by exactly one event with Ended set. Err is
// only populated when the session ended because of a fetch failure.
type StreamEvent struct {
	Message *MessageEnvelope
	Ended   bool
	Err     error
}

func (evt StreamEvent) IsEnd() bool {
	return evt.Ended
}
