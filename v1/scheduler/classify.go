package scheduler

import "strings"

// Commander is implemented by decoded events that carry a bot command.
type Commander interface {
	Command() string
}

// Backgrounder is implemented by payloads produced by bulk or maintenance
// jobs.
type Backgrounder interface {
	Background() bool
}

// DefaultEssentialCommands are lifecycle commands that must stay responsive
// under load.
var DefaultEssentialCommands = []string{"start", "help", "cancel"}

// CommandClassifier assigns tiers from a fixed command set. Critical
// (administrative) and essential commands share the top tier, background
// payloads go to the bottom tier and everything else is a user action.
type CommandClassifier struct {
	top map[string]struct{}
}

// NewCommandClassifier builds a classifier. Command names are matched
// case-insensitively, with or without a leading slash or a @botname suffix.
func NewCommandClassifier(critical, essential []string) *CommandClassifier {
	c := &CommandClassifier{top: make(map[string]struct{}, len(critical)+len(essential))}
	for _, name := range append(append([]string(nil), critical...), essential...) {
		c.top[normalizeCommand(name)] = struct{}{}
	}
	return c
}

// Classify implements Classifier.
func (c *CommandClassifier) Classify(payload any) Priority {
	if b, ok := payload.(Backgrounder); ok && b.Background() {
		return PriorityBackground
	}
	if cmd, ok := payload.(Commander); ok {
		if _, hit := c.top[normalizeCommand(cmd.Command())]; hit {
			return PriorityCritical
		}
	}
	return PriorityUser
}

func normalizeCommand(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}
