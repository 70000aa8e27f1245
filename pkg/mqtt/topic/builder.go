package topic

import (
	"fmt"
	"strings"
)

// Topic segments shared with every consumer of progress events.
// Changing them breaks existing subscribers.
const (
	// SegmentRestore groups all restore events.
	// Structure: {root}/restore/{device}/{kind}
	SegmentRestore = "restore"

	// KindStep carries one recorded RestoreStep.
	KindStep = "step"

	// KindResult carries the final RestoreResult.
	KindResult = "result"
)

// TopicBuilder encapsulates the logic for constructing MQTT topic strings.
type TopicBuilder struct {
	// root is the base namespace for all topics (e.g., "dkit/v1", "lab/bench-3").
	root string
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: strings.TrimSuffix(root, "/")}
}

// RestoreStep returns the topic a run's steps are published to.
func (b *TopicBuilder) RestoreStep(device string) string {
	return b.build(SegmentRestore, sanitize(device), KindStep)
}

// RestoreResult returns the topic a run's final result is published to.
func (b *TopicBuilder) RestoreResult(device string) string {
	return b.build(SegmentRestore, sanitize(device), KindResult)
}

// RestoreWildcard subscribes to every restore event of every device.
// Result: {root}/restore/#
func (b *TopicBuilder) RestoreWildcard() string {
	return fmt.Sprintf("%s/%s/%s", b.root, SegmentRestore, MultiWildcard)
}

// RestoreResultWildcard subscribes to final results only.
// Result: {root}/restore/+/result
func (b *TopicBuilder) RestoreResultWildcard() string {
	return b.build(SegmentRestore, Wildcard, KindResult)
}

// build is a private helper to construct the final topic string.
// Pattern: {root}/{segment}/{identifier}/{kind}
func (b *TopicBuilder) build(segment, id, kind string) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.root, segment, id, kind)
}

// sanitize keeps wildcard and separator characters out of an identifier level.
func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_")
	if id = r.Replace(strings.TrimSpace(id)); id == "" {
		return "unknown"
	}
	return id
}
