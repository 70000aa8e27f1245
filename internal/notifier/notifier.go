// Package notifier publishes restore progress to an MQTT broker.
package notifier

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/autopeer-io/devicekit/internal/restore"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/log"
	"github.com/autopeer-io/devicekit/pkg/mqtt"
	"github.com/autopeer-io/devicekit/pkg/mqtt/topic"
)

const (
	queueSize      = 128
	publishTimeout = 5 * time.Second
	flushTimeout   = 15 * time.Second
)

// StepEvent is the payload published for every recorded step.
type StepEvent struct {
	Device string               `json:"device"`
	Step   v1alpha1.RestoreStep `json:"step"`
}

type message struct {
	topic   string
	retain  bool
	payload []byte
	// flushed is closed once this message has been handled.
	flushed chan struct{}
}

// Notifier is a restore.Observer publishing steps as they happen and the
// final result (retained) when the run ends. Publishing happens on a
// background worker so a slow broker never stalls the restore; steps are
// dropped, with a warning, if the queue is full.
type Notifier struct {
	client mqtt.Client
	topics *topic.TopicBuilder
	qos    int
	logger log.Logger

	queue     chan message
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ restore.Observer = (*Notifier)(nil)

// New starts a Notifier publishing through client under root.
func New(client mqtt.Client, root string, qos int, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	n := &Notifier{
		client: client,
		topics: topic.NewTopicBuilder(root),
		qos:    qos,
		logger: logger.WithName("notifier"),
		queue:  make(chan message, queueSize),
		stop:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// deviceID is the identifier used in topics and payloads; it never carries the raw UDID.
func deviceID(udid string) string {
	return log.Serial(udid).String()
}

// redact replaces the raw udid and any other identifier-looking token in s.
func redact(udid, s string) string {
	if udid != "" {
		s = strings.ReplaceAll(s, udid, deviceID(udid))
	}
	return log.RedactText(s)
}

func redactStep(udid string, step v1alpha1.RestoreStep) v1alpha1.RestoreStep {
	step.Message = redact(udid, step.Message)
	return step
}

// redactResult returns a copy of res safe to publish.
func redactResult(res *v1alpha1.RestoreResult) v1alpha1.RestoreResult {
	out := *res
	out.UDID = deviceID(res.UDID)
	if res.UDID != "" {
		out.LogFile = strings.ReplaceAll(res.LogFile, res.UDID, out.UDID)
	}
	out.Steps = make([]v1alpha1.RestoreStep, len(res.Steps))
	for i, s := range res.Steps {
		out.Steps[i] = redactStep(res.UDID, s)
	}
	return out
}

func (n *Notifier) StepRecorded(_ context.Context, udid string, step v1alpha1.RestoreStep) {
	device := deviceID(udid)
	payload, err := json.Marshal(StepEvent{Device: device, Step: redactStep(udid, step)})
	if err != nil {
		n.logger.Error(err, "Failed to encode step event")
		return
	}

	select {
	case n.queue <- message{topic: n.topics.RestoreStep(device), payload: payload}:
	default:
		n.logger.Warn("Progress queue full, dropping step", "step", step.Name)
	}
}

// Finished publishes the result and waits until everything queued before it
// has been handed to the client.
func (n *Notifier) Finished(ctx context.Context, res *v1alpha1.RestoreResult) {
	payload, err := json.Marshal(redactResult(res))
	if err != nil {
		n.logger.Error(err, "Failed to encode restore result")
		return
	}

	select {
	case <-n.stop:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	msg := message{
		topic:   n.topics.RestoreResult(deviceID(res.UDID)),
		retain:  true,
		payload: payload,
		flushed: make(chan struct{}),
	}
	select {
	case n.queue <- msg:
	case <-n.stop:
		return
	case <-ctx.Done():
		n.logger.Warn("Timed out queueing restore result")
		return
	}
	select {
	case <-msg.flushed:
	case <-n.stop:
	case <-ctx.Done():
		n.logger.Warn("Timed out publishing restore result")
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stop:
			return
		case msg := <-n.queue:
			n.publish(msg)
		}
	}
}

func (n *Notifier) publish(msg message) {
	if msg.flushed != nil {
		defer close(msg.flushed)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, msg.topic, n.qos, msg.retain, msg.payload); err != nil {
		n.logger.Warn("Failed to publish progress", "topic", msg.topic, "error", err)
	}
}

// Close stops the worker. Messages still queued are discarded.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.stop)
		n.wg.Wait()
	})
}
