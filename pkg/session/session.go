// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lachlanorr/kscope/pkg/kscope"
)

type State string

const (
	Created   State = "Created"
	Streaming State = "Streaming"
	Completed State = "Completed"
	Cancelled State = "Cancelled"
	Failed    State = "Failed"
)

func (state State) Terminal() bool {
	return state == Completed || state == Cancelled || state == Failed
}

// Session is one bounded or unbounded replay of a topic. Its goroutine is
// the only writer of the offset trackers and the event channel.
type Session struct {
	id    string
	topic string
	start kscope.OffsetRequest
	end   *kscope.OffsetRequest

	startOffsets kscope.PartitionOffsetMap
	current      map[int32]int64
	endBounds    map[int32]int64

	cancelCh chan struct{}
	eventCh  chan kscope.StreamEvent
	doneCh   chan struct{}

	state State
	err   error
	mtx   sync.Mutex
}

func newSessionId(now time.Time, topic string, start kscope.OffsetRequest) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("consumer_%d/%s/%s/%s", now.UnixMilli(), topic, start.String(), suffix)
}

func newSession(id string, topic string, start kscope.OffsetRequest, end *kscope.OffsetRequest, startOffsets kscope.PartitionOffsetMap, eventBuffer int) *Session {
	sess := &Session{
		id:           id,
		topic:        topic,
		start:        start,
		end:          end,
		startOffsets: startOffsets,
		current:      make(map[int32]int64),
		cancelCh:     make(chan struct{}, 1),
		eventCh:      make(chan kscope.StreamEvent, eventBuffer),
		doneCh:       make(chan struct{}),
		state:        Created,
	}
	for partition, offset := range startOffsets.Partitions(topic) {
		if offset < 0 {
			offset = 0
		}
		sess.current[partition] = offset
	}
	return sess
}

func (sess *Session) Id() string {
	return sess.id
}

func (sess *Session) Topic() string {
	return sess.topic
}

func (sess *Session) State() State {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	return sess.state
}

// Err is set once the session has Failed.
func (sess *Session) Err() error {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	return sess.err
}

// Done is closed after the session goroutine has released its consumer
// and closed the event channel.
func (sess *Session) Done() <-chan struct{} {
	return sess.doneCh
}

func (sess *Session) setState(state State, err error) {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	sess.state = state
	sess.err = err
}

// cancel is non-blocking, the single slot absorbs repeated requests.
func (sess *Session) cancel() {
	select {
	case sess.cancelCh <- struct{}{}:
	default:
	}
}

// advance records offset as consumed and reports whether the message is
// inside the end bound.
func (sess *Session) advance(partition int32, offset int64) bool {
	inBounds := true
	if sess.endBounds != nil {
		if bound, ok := sess.endBounds[partition]; ok && offset >= bound {
			inBounds = false
		}
	}
	sess.current[partition] = offset + 1
	return inBounds
}

// drained reports whether every bounded partition has reached its end.
func (sess *Session) drained() bool {
	if sess.endBounds == nil {
		return false
	}
	for partition, bound := range sess.endBounds {
		if sess.current[partition] < bound {
			return false
		}
	}
	return true
}
