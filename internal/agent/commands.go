package agent

import (
	"strings"
)

// CommandKind classifies a parsed control command.
type CommandKind string

const (
	CommandStop    CommandKind = "STOP"
	CommandStatus  CommandKind = "STATUS"
	CommandUnknown CommandKind = "UNKNOWN"
)

// Command is a parsed control instruction. InstanceID is empty when the
// command targets every instance in the session.
type Command struct {
	Kind       CommandKind
	InstanceID string
}

var (
	stopKeywords   = []string{"stop", "pause", "halt", "停止", "暂停"}
	statusKeywords = []string{"status", "summary", "状态", "摘要"}
)

// ParseCommand interprets a natural-language control string. An optional
// "instance_id:<id>" token anywhere in the text narrows the target to one
// instance.
func ParseCommand(text string) Command {
	lower := strings.ToLower(strings.TrimSpace(text))
	cmd := Command{Kind: CommandUnknown}

	for _, field := range strings.Fields(lower) {
		if rest, ok := strings.CutPrefix(field, "instance_id:"); ok && rest != "" {
			cmd.InstanceID = rest
		}
	}

	for _, kw := range stopKeywords {
		if strings.Contains(lower, kw) {
			cmd.Kind = CommandStop
			return cmd
		}
	}
	for _, kw := range statusKeywords {
		if strings.Contains(lower, kw) {
			cmd.Kind = CommandStatus
			return cmd
		}
	}
	return cmd
}
