// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

type OffsetType string

const (
	Beginning OffsetType = "Beginning"
	End       OffsetType = "End"
	Timestamp OffsetType = "Timestamp"
	Tail      OffsetType = "Tail"
)

// OffsetRequest is a symbolic log position. Value holds epoch millis for
// Timestamp and a message count for Tail, and is ignored otherwise.
type OffsetRequest struct {
	Type  OffsetType `json:"type"`
	Value int64      `json:"content,omitempty"`
}

func BeginningOffset() OffsetRequest {
	return OffsetRequest{Type: Beginning}
}

func EndOffset() OffsetRequest {
	return OffsetRequest{Type: End}
}

func TimestampOffset(ms int64) OffsetRequest {
	return OffsetRequest{Type: Timestamp, Value: ms}
}

func TailOffset(count int64) OffsetRequest {
	return OffsetRequest{Type: Tail, Value: count}
}

func (req OffsetRequest) String() string {
	switch req.Type {
	case Timestamp:
		return fmt.Sprintf("Timestamp(%d)", req.Value)
	case Tail:
		return fmt.Sprintf("Tail(%d)", req.Value)
	default:
		return string(req.Type)
	}
}

func (req OffsetRequest) Validate() error {
	switch req.Type {
	case Beginning, End:
		return nil
	case Timestamp:
		if req.Value < 0 {
			return fmt.Errorf("negative timestamp: %d", req.Value)
		}
		return nil
	case Tail:
		if req.Value < 0 {
			return fmt.Errorf("negative tail count: %d", req.Value)
		}
		return nil
	default:
		return fmt.Errorf("unknown offset type: '%s'", req.Type)
	}
}

// KafkaOffset returns the value sent in a ListOffsets request. The broker
// interprets -2 and -1 as earliest and latest. Tail has no direct
// encoding and must be resolved from End and Beginning.
func (req OffsetRequest) KafkaOffset() (kafka.Offset, error) {
	switch req.Type {
	case Beginning:
		return kafka.OffsetBeginning, nil
	case End:
		return kafka.OffsetEnd, nil
	case Timestamp:
		return kafka.Offset(req.Value), nil
	default:
		return kafka.OffsetInvalid, fmt.Errorf("no list offsets encoding for %s", req)
	}
}

func (req *OffsetRequest) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type  string `json:"type"`
		Value int64  `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	typ := OffsetType(raw.Type)
	// the group creation contract names timestamp seeks "Offset"
	if raw.Type == "Offset" {
		typ = Timestamp
	}
	parsed := OffsetRequest{Type: typ, Value: raw.Value}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*req = parsed
	return nil
}

// ParseOffsetRequest accepts the command line forms: beginning, end,
// ts:<epoch-ms>, tail:<count> or an RFC3339 time.
func ParseOffsetRequest(s string) (OffsetRequest, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch lower {
	case "beginning", "earliest", "oldest":
		return BeginningOffset(), nil
	case "end", "latest", "newest":
		return EndOffset(), nil
	}

	if strings.HasPrefix(lower, "ts:") {
		ms, err := strconv.ParseInt(lower[3:], 10, 64)
		if err != nil {
			return OffsetRequest{}, fmt.Errorf("invalid timestamp '%s': %w", s, err)
		}
		req := TimestampOffset(ms)
		return req, req.Validate()
	}
	if strings.HasPrefix(lower, "tail:") {
		count, err := strconv.ParseInt(lower[5:], 10, 64)
		if err != nil {
			return OffsetRequest{}, fmt.Errorf("invalid tail count '%s': %w", s, err)
		}
		req := TailOffset(count)
		return req, req.Validate()
	}

	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return OffsetRequest{}, fmt.Errorf("unrecognized offset '%s'", s)
	}
	return TimestampOffset(t.UnixMilli()), nil
}
