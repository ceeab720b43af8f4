package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToolFunc performs one tool invocation and returns its human-readable result.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// ToolDef couples a tool with its risk classification. Sensitive tools must
// be approved by the owning user before they run.
type ToolDef struct {
	Name      string
	Sensitive bool
	Run       ToolFunc
}

// DefaultTools returns the storage tool set with simulated effects. The real
// file backend is out of scope here; these exist to exercise the approval and
// streaming paths.
func DefaultTools() map[string]ToolDef {
	tools := map[string]ToolDef{
		"read_file":   {Name: "read_file", Run: simulatedTool("read %s")},
		"search":      {Name: "search", Run: simulatedTool("searched for %s")},
		"write_file":  {Name: "write_file", Sensitive: true, Run: simulatedTool("wrote %s")},
		"move_file":   {Name: "move_file", Sensitive: true, Run: simulatedTool("moved %s")},
		"delete_file": {Name: "delete_file", Sensitive: true, Run: simulatedTool("deleted %s")},
		"share_link":  {Name: "share_link", Sensitive: true, Run: simulatedTool("created share link for %s")},
	}
	return tools
}

func simulatedTool(format string) ToolFunc {
	return func(_ context.Context, args json.RawMessage) (string, error) {
		target := argTarget(args)
		if target == "" {
			target = "the requested item"
		}
		return fmt.Sprintf(format, target), nil
	}
}

func argTarget(args json.RawMessage) string {
	for _, key := range []string{"target", "path", "query"} {
		if value := gjson.GetBytes(args, key).String(); value != "" {
			return value
		}
	}
	return ""
}

// sensitive classifies a call: either the tool itself is flagged, or the
// arguments escalate it (recursive operations, anything under a shared root).
func sensitive(def ToolDef, args json.RawMessage) bool {
	if def.Sensitive {
		return true
	}
	if gjson.GetBytes(args, "recursive").Bool() {
		return true
	}
	return strings.HasPrefix(argTarget(args), "/shared/")
}

// mergeArgs overlays the user's modified fields onto the original args,
// leaving untouched fields intact.
func mergeArgs(args, modified json.RawMessage) json.RawMessage {
	base := string(args)
	if strings.TrimSpace(base) == "" {
		base = "{}"
	}
	merged := base
	gjson.Parse(string(modified)).ForEach(func(key, value gjson.Result) bool {
		next, err := sjson.SetRaw(merged, key.String(), value.Raw)
		if err != nil {
			return true
		}
		merged = next
		return true
	})
	return json.RawMessage(merged)
}
