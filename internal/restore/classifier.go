package restore

import (
	"regexp"
	"strings"

	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

// maxMessageLen caps the tool output copied into a step message.
const maxMessageLen = 240

type progressPattern struct {
	step string
	re   *regexp.Regexp
}

// progressPatterns are matched in order; one line may advance several steps.
var progressPatterns = []progressPattern{
	{v1alpha1.StepExtract, regexp.MustCompile(`(?i)\bextract`)},
	{v1alpha1.StepSend, regexp.MustCompile(`(?i)\bsending\b`)},
	{v1alpha1.StepRestore, regexp.MustCompile(`(?i)\brestor(e|ing)\b`)},
	{v1alpha1.StepFlash, regexp.MustCompile(`(?i)flashing`)},
	{v1alpha1.StepVerify, regexp.MustCompile(`(?i)verif`)},
	{v1alpha1.StepReboot, regexp.MustCompile(`(?i)reboot`)},
	{v1alpha1.StepWipe, regexp.MustCompile(`(?i)\b(wip|eras)(e|ed|ing)\b`)},
}

var failureMarker = regexp.MustCompile(`^\s*ERROR:`)

// Event is what one output line means for the run.
type Event struct {
	Step    string
	OK      bool
	Message string
}

// Classifier maps restore tool output to steps. Each progress step fires at
// most once per run; every failure marker fires. A Classifier belongs to a
// single run and is not safe for concurrent use.
type Classifier struct {
	seen map[string]bool
}

// NewClassifier returns a Classifier with no steps seen.
func NewClassifier() *Classifier {
	return &Classifier{seen: make(map[string]bool, len(progressPatterns))}
}

// Classify returns the events carried by line, in pattern order.
func (c *Classifier) Classify(line string) []Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if failureMarker.MatchString(line) {
		return []Event{{Step: v1alpha1.StepError, OK: false, Message: truncate(line)}}
	}

	var events []Event
	for _, p := range progressPatterns {
		if c.seen[p.step] || !p.re.MatchString(line) {
			continue
		}
		c.seen[p.step] = true
		events = append(events, Event{Step: p.step, OK: true, Message: truncate(line)})
	}
	return events
}

// Seen reports whether step has already been emitted in this run.
func (c *Classifier) Seen(step string) bool {
	return c.seen[step]
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "..."
}
