package relay

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/af-corp/llm-relay/internal/types"
)

var userTextPattern = regexp.MustCompile(`\{\{\s*userText\s*\}\}`)

// Render substitutes {{vars.<key>}} for every key in vars and then
// {{userText}} into tmpl. Keys match exactly and replacements are literal.
// An empty template renders the user text alone.
func Render(tmpl string, vars map[string]any, userText string) string {
	if tmpl == "" {
		tmpl = types.DefaultUserTemplate
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := tmpl
	for _, k := range keys {
		re := regexp.MustCompile(`\{\{\s*vars\.` + regexp.QuoteMeta(k) + `\s*\}\}`)
		out = re.ReplaceAllLiteralString(out, formatVar(vars[k]))
	}
	return userTextPattern.ReplaceAllLiteralString(out, userText)
}

func formatVar(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
