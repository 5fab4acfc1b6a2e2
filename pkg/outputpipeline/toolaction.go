package outputpipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatToolAction renders a tool_use block as a concise status line for
// chat display, e.g. "**Read** `src/main.go`", "**Bash** `go test ./...`".
// inputJSON is the tool's raw JSON input; invalid JSON degrades gracefully
// to "?" placeholders rather than erroring.
func FormatToolAction(name, inputJSON string) string {
	var input map[string]interface{}
	_ = json.Unmarshal([]byte(inputJSON), &input)
	return formatToolAction(name, input)
}

func formatToolAction(name string, input map[string]interface{}) string {
	switch name {
	case "Read":
		return fmt.Sprintf("**Read** `%s`", stringField(input, "file_path"))
	case "Write":
		return fmt.Sprintf("**Write** `%s`", stringField(input, "file_path"))
	case "Edit":
		return fmt.Sprintf("**Edit** `%s`", stringField(input, "file_path"))
	case "Bash":
		cmd := stringField(input, "command")
		if len(cmd) > 80 {
			return fmt.Sprintf("**Bash** `%s...`", cmd[:77])
		}
		return fmt.Sprintf("**Bash** `%s`", cmd)
	case "Glob":
		return fmt.Sprintf("**Glob** `%s`", stringField(input, "pattern"))
	case "Grep":
		return fmt.Sprintf("**Grep** `%s`", stringField(input, "pattern"))
	case "WebFetch":
		return fmt.Sprintf("**WebFetch** `%s`", stringField(input, "url"))
	case "WebSearch":
		return fmt.Sprintf("**WebSearch** `%s`", stringField(input, "query"))
	case "Task":
		desc := stringFieldOr(input, "description", "subagent")
		return fmt.Sprintf("**Task** _%s_", desc)
	case "Skill":
		skill := stringField(input, "skill")
		if args, ok := input["args"].(string); ok && args != "" {
			return fmt.Sprintf("**Skill** `/%s %s`", skill, args)
		}
		return fmt.Sprintf("**Skill** `/%s`", skill)
	case "EnterPlanMode":
		return "**EnterPlanMode**"
	case "NotebookEdit":
		return fmt.Sprintf("**NotebookEdit** `%s`", stringField(input, "notebook_path"))
	case "AskUserQuestion":
		return "**AskUserQuestion**"
	default:
		if strings.HasPrefix(name, "mcp__") {
			parts := strings.Split(name, "__")
			return fmt.Sprintf("**MCP** _%s_", parts[len(parts)-1])
		}
		return fmt.Sprintf("**%s**", name)
	}
}

func stringField(input map[string]interface{}, key string) string {
	return stringFieldOr(input, key, "?")
}

func stringFieldOr(input map[string]interface{}, key, fallback string) string {
	if input == nil {
		return fallback
	}
	if v, ok := input[key].(string); ok {
		return v
	}
	return fallback
}
