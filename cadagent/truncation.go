package cadagent

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how oversized tool output is cut.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Character limits per tool before output goes back to the model. The
// document-state dump and code output are the usual offenders.
var defaultToolCharLimits = map[string]int{
	"get_document_state": 20000,
	"execute_code":       30000,
	"measure":            10000,
	"export_model":       10000,
}

var defaultTruncationModes = map[string]TruncationMode{
	"get_document_state": TruncateTail,
	"execute_code":       TruncateHeadTail,
	"export_model":       TruncateTail,
}

// truncateOutput applies character-based truncation.
func truncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[Output truncated: first %d characters removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	default:
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n\n[Output truncated: %d characters removed from the middle. "+
				"Re-run with more targeted parameters if you need the rest.]\n\n", removed) +
			output[len(output)-half:]
	}
}

// truncateLines caps line count with a head/tail split.
func truncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateToolOutput bounds a tool result before it is appended to the
// conversation, first by characters and then by lines.
func TruncateToolOutput(output, toolName string, charLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = defaultToolCharLimits[toolName]
		if !ok {
			maxChars = 20000
		}
	}
	mode, ok := defaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := truncateOutput(output, maxChars, mode)
	return truncateLines(result, 400)
}
