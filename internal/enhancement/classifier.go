package enhancement

import (
	"regexp"
	"strings"
)

// IntentClassifier decides whether an assistant reply is asking the user to
// confirm before it proceeds.
type IntentClassifier interface {
	Classify(text string) bool
}

// ClassifierFunc adapts a plain function to IntentClassifier.
type ClassifierFunc func(text string) bool

func (f ClassifierFunc) Classify(text string) bool { return f(text) }

var defaultConfirmationPatterns = []string{
	`(?i)\bshall i (proceed|continue|go ahead|start)\b`,
	`(?i)\bshould i (proceed|continue|go ahead|start|create|generate)\b`,
	`(?i)\bwould you like me to (proceed|continue|create|generate|build|add)\b`,
	`(?i)\bdo you want me to (proceed|continue|create|generate|build|add)\b`,
	`(?i)\b(please )?confirm (if|whether|that) (i|you)\b`,
	`(?i)\blet me know if (you'd|you would) like me to\b`,
	`(?i)\bready to (proceed|generate|create)\?`,
}

// PatternClassifier matches assistant text against a list of regular expressions.
type PatternClassifier struct {
	patterns []*regexp.Regexp
}

// NewPatternClassifier compiles patterns. It panics on an invalid pattern,
// as patterns are fixed at build time.
func NewPatternClassifier(patterns ...string) *PatternClassifier {
	c := &PatternClassifier{patterns: make([]*regexp.Regexp, len(patterns))}
	for i, p := range patterns {
		c.patterns[i] = regexp.MustCompile(p)
	}
	return c
}

// DefaultClassifier returns the built-in confirmation-request classifier.
func DefaultClassifier() *PatternClassifier {
	return NewPatternClassifier(defaultConfirmationPatterns...)
}

func (c *PatternClassifier) Classify(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, re := range c.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ApprovalInstruction is the user turn sent on the user's behalf when a
// confirmation request is auto-approved.
const ApprovalInstruction = "Yes, please proceed."

// SessionConfig is the per-session policy passed into decisions. It replaces
// any process-wide toggles so sessions with different policies can run side by side.
type SessionConfig struct {
	AutoMode bool
	// ThresholdTokens overrides the compression budget when > 0.
	ThresholdTokens int
	Classifier      IntentClassifier
}

// ShouldAutoApprove reports whether assistantText is a confirmation request
// that the session allows answering automatically.
func ShouldAutoApprove(cfg SessionConfig, assistantText string) bool {
	if !cfg.AutoMode {
		return false
	}
	c := cfg.Classifier
	if c == nil {
		c = DefaultClassifier()
	}
	return c.Classify(assistantText)
}
