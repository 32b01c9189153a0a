package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

// Update is one parsed progress line from the log channel.
type Update struct {
	Progress int
	Stage    constants.Stage
}

type progressLine struct {
	Progress *float64 `json:"progress"`
	Stage    string   `json:"stage"`
}

// parseProgressLine recognizes {"progress": <n>, "stage": "<name>"} lines.
// Anything else is ordinary log text.
func parseProgressLine(line string) (Update, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") || !strings.Contains(line, `"progress"`) {
		return Update{}, false
	}
	var pl progressLine
	if err := json.Unmarshal([]byte(line), &pl); err != nil || pl.Progress == nil {
		return Update{}, false
	}
	p := int(*pl.Progress)
	p = min(max(p, 0), 100)
	return Update{Progress: p, Stage: constants.Stage(pl.Stage)}, true
}

const envelopeSchema = `{
  "type": "object",
  "properties": {
    "status":     {"type": "string"},
    "message":    {"type": "string"},
    "data":       {"type": ["object", "null"]},
    "confidence": {"type": "number"},
    "model":      {"type": "string"},
    "partial":    {"type": "boolean"}
  }
}`

var envelope = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// extractResult takes the text between the first '{' and the last '}' of
// the result channel and validates it as a result envelope.
func extractResult(out []byte) (jsonval.Value, error) {
	start := bytes.IndexByte(out, '{')
	end := bytes.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return jsonval.Null(), &OutputParseError{Output: truncate(string(out), 2<<10), Cause: errors.New("no JSON object on result channel")}
	}
	body := out[start : end+1]
	v, err := jsonval.Parse(body)
	if err != nil {
		return jsonval.Null(), &OutputParseError{Output: truncate(string(body), 2<<10), Cause: err}
	}
	if err := envelope.Validate(v.Interface()); err != nil {
		return jsonval.Null(), &OutputParseError{Output: truncate(string(body), 2<<10), Cause: fmt.Errorf("result does not match envelope: %w", err)}
	}
	return v, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return truncate(s, 512)
}
