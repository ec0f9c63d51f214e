// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"

	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/metadata"
	"github.com/lachlanorr/kscope/pkg/offsets"
	"github.com/lachlanorr/kscope/pkg/telem"
)

type Config struct {
	// SubscribeDelay is waited out before the end bound is resolved and
	// the consumer assigned.
	SubscribeDelay time.Duration
	// PollTimeout bounds each fetch and so the latency of Stop.
	PollTimeout time.Duration
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		SubscribeDelay: time.Second,
		PollTimeout:    time.Second,
		EventBuffer:    100,
	}
}

type Manager struct {
	strmprov kscope.StreamProvider
	mdp      *metadata.Provider
	rslv     *offsets.Resolver
	reg      *Registry
	cfg      Config

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(
	strmprov kscope.StreamProvider,
	mdp *metadata.Provider,
	rslv *offsets.Resolver,
	reg *Registry,
	cfg Config,
) *Manager {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	if cfg.EventBuffer < 0 {
		cfg.EventBuffer = 0
	}
	ctx, ctxCancel := context.WithCancel(context.Background())
	return &Manager{
		strmprov:  strmprov,
		mdp:       mdp,
		rslv:      rslv,
		reg:       reg,
		cfg:       cfg,
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}
}

// Start resolves start (falling back to End for timestamps with no later
// record), registers a session and begins streaming in the background.
// The returned channel yields zero or more message events followed by
// exactly one Ended event and is then closed. Callers must drain it.
func (mgr *Manager) Start(
	ctx context.Context,
	topic string,
	start kscope.OffsetRequest,
	end *kscope.OffsetRequest,
) (string, kscope.PartitionOffsetMap, <-chan kscope.StreamEvent, error) {
	if err := start.Validate(); err != nil {
		return "", nil, nil, kscope.NewError(kscope.ErrResolution, err, "start offset")
	}
	if end != nil {
		if err := end.Validate(); err != nil {
			return "", nil, nil, kscope.NewError(kscope.ErrResolution, err, "end offset")
		}
	}

	startOffsets, err := mgr.rslv.Resolve(ctx, []string{topic}, start, kscope.EndOffset())
	if err != nil {
		return "", nil, nil, err
	}

	id := newSessionId(time.Now(), topic, start)

	kafkaLogCtx, kafkaLogCancel := context.WithCancel(mgr.ctx)
	kafkaLogCh := make(chan kafka.LogEvent)
	go kscope.PrintKafkaLogs(kafkaLogCtx, kafkaLogCh)

	cons, err := mgr.strmprov.NewConsumer(mgr.mdp.Brokers(), kscope.ToolGroupName("stream"), kafkaLogCh)
	if err != nil {
		kafkaLogCancel()
		return "", nil, nil, kscope.NewError(kscope.ErrConnection, err, "NewConsumer topic=%s", topic)
	}

	sess := newSession(id, topic, start, end, startOffsets, mgr.cfg.EventBuffer)
	if err := mgr.reg.insert(sess); err != nil {
		cons.Close()
		kafkaLogCancel()
		return "", nil, nil, err
	}

	telem.SessionStarted(ctx, topic)
	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		defer kafkaLogCancel()
		mgr.run(sess, cons)
	}()

	return id, startOffsets.Clone(), sess.eventCh, nil
}

// Stop cancels a live session. A session can be stopped once, later calls
// and unknown ids fail with ErrSessionNotFound.
func (mgr *Manager) Stop(id string) error {
	sess, ok := mgr.reg.remove(id)
	if !ok {
		return kscope.NewError(kscope.ErrSessionNotFound, nil, "%s", id)
	}
	sess.cancel()
	log.Info().
		Str("Session", id).
		Msg("Session stop requested")
	return nil
}

func (mgr *Manager) ListActive() []string {
	return mgr.reg.Ids()
}

func (mgr *Manager) Lookup(id string) (*Session, bool) {
	return mgr.reg.Lookup(id)
}

// Close stops every session and waits for their goroutines.
func (mgr *Manager) Close() {
	for _, id := range mgr.reg.Ids() {
		_ = mgr.Stop(id)
	}
	mgr.ctxCancel()
	mgr.wg.Wait()
}

type fetchResult struct {
	msg *kafka.Message
	err error
}

// fetch reads on behalf of run so that run can select between messages
// and cancellation. Timeouts are retried here and never delivered.
func (mgr *Manager) fetch(cons kscope.Consumer, resultCh chan<- fetchResult, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		msg, err := cons.ReadMessage(mgr.cfg.PollTimeout)
		if kscope.IsTimedOut(err) {
			continue
		}
		select {
		case resultCh <- fetchResult{msg: msg, err: err}:
		case <-stopCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (mgr *Manager) resolveEnd(sess *Session) (map[int32]int64, error) {
	keys := sess.startOffsets.Keys()
	ends, err := mgr.rslv.ResolveKeys(mgr.ctx, keys, *sess.end)
	if err != nil {
		return nil, err
	}
	// a timestamp past the newest record bounds at End
	if sess.end.Type == kscope.Timestamp {
		if invalid := ends.Invalid(); len(invalid) > 0 {
			latest, err := mgr.rslv.ResolveKeys(mgr.ctx, invalid, kscope.EndOffset())
			if err != nil {
				return nil, err
			}
			ends = ends.Splice(latest, invalid)
		}
	}
	bounds := make(map[int32]int64, len(keys))
	for _, key := range keys {
		bound, _ := ends.Get(key.Topic, key.Partition)
		if bound < 0 {
			bound = 0
		}
		bounds[key.Partition] = bound
	}
	return bounds, nil
}

func (mgr *Manager) assignment(sess *Session) []kafka.TopicPartition {
	tps := make([]kafka.TopicPartition, 0, len(sess.current))
	for _, key := range sess.startOffsets.Keys() {
		topic := key.Topic
		offset, _ := sess.startOffsets.Get(key.Topic, key.Partition)
		kOffset := kafka.Offset(offset)
		if offset < 0 {
			kOffset = kafka.OffsetEnd
		}
		tps = append(tps, kafka.TopicPartition{
			Topic:     &topic,
			Partition: key.Partition,
			Offset:    kOffset,
		})
	}
	return tps
}

// emit delivers evt unless the session is cancelled first.
func (mgr *Manager) emit(sess *Session, evt kscope.StreamEvent) bool {
	select {
	case sess.eventCh <- evt:
		return true
	case <-sess.cancelCh:
		return false
	}
}

func (mgr *Manager) run(sess *Session, cons kscope.Consumer) {
	sessLog := log.With().
		Str("Session", sess.id).
		Str("Topic", sess.topic).
		Logger()

	ctx, span := telem.Start(
		mgr.ctx,
		"Session "+sess.topic,
		attribute.String("kscope.session", sess.id),
		attribute.String("kscope.start", sess.start.String()),
	)

	var (
		fetchStopCh chan struct{}
		fetchDoneCh chan struct{}
		finalState  = Completed
		finalErr    error
	)

	defer func() {
		if fetchStopCh != nil {
			close(fetchStopCh)
			<-fetchDoneCh
		}
		if err := cons.Close(); err != nil {
			sessLog.Warn().Err(err).Msg("Consumer close failed")
		}

		// no-op when Stop already removed it
		mgr.reg.remove(sess.id)
		sess.setState(finalState, finalErr)

		ended := kscope.StreamEvent{Ended: true, Err: finalErr}
		select {
		case sess.eventCh <- ended:
		case <-mgr.ctx.Done():
			// nobody is draining and the manager is closing
			select {
			case sess.eventCh <- ended:
			default:
			}
		}
		close(sess.eventCh)
		close(sess.doneCh)

		if finalErr != nil {
			telem.RecordSpanError(span, finalErr)
		}
		span.SetAttributes(attribute.String("kscope.state", string(finalState)))
		span.End()
		telem.SessionEnded(ctx, sess.topic, string(finalState))
		sessLog.Info().
			Str("State", string(finalState)).
			Msg("Session ended")
	}()

	sess.setState(Streaming, nil)
	sessLog.Info().
		Str("Start", sess.start.String()).
		Msg("Session streaming")

	if mgr.cfg.SubscribeDelay > 0 {
		select {
		case <-sess.cancelCh:
			finalState = Cancelled
			return
		case <-time.After(mgr.cfg.SubscribeDelay):
		}
	}

	if sess.end != nil && sess.end.Type != kscope.Beginning {
		bounds, err := mgr.resolveEnd(sess)
		if err != nil {
			sessLog.Error().Err(err).Msg("End offset resolution failed")
			finalState, finalErr = Failed, err
			return
		}
		sess.endBounds = bounds
		if sess.drained() {
			return
		}
	}

	err := cons.Assign(mgr.assignment(sess))
	if err != nil {
		sessLog.Error().Err(err).Msg("Assign failed")
		finalState, finalErr = Failed, kscope.NewError(kscope.ErrFetch, err, "Assign topic=%s", sess.topic)
		return
	}

	resultCh := make(chan fetchResult)
	fetchStopCh = make(chan struct{})
	fetchDoneCh = make(chan struct{})
	go mgr.fetch(cons, resultCh, fetchStopCh, fetchDoneCh)

	for {
		select {
		case <-sess.cancelCh:
			finalState = Cancelled
			return
		case res := <-resultCh:
			if res.err != nil {
				sessLog.Error().Err(res.err).Msg("Fetch failed")
				finalState, finalErr = Failed, kscope.NewError(kscope.ErrFetch, res.err, "ReadMessage topic=%s", sess.topic)
				return
			}

			partition := res.msg.TopicPartition.Partition
			offset := int64(res.msg.TopicPartition.Offset)
			if sess.advance(partition, offset) {
				if !mgr.emit(sess, kscope.StreamEvent{Message: kscope.NewMessageEnvelope(res.msg)}) {
					finalState = Cancelled
					return
				}
				telem.MessageStreamed(ctx, sess.topic)
			} else {
				sessLog.Debug().
					Int32("Partition", partition).
					Int64("Offset", offset).
					Msg("Message past end bound skipped")
			}

			if sess.drained() {
				return
			}
		}
	}
}
