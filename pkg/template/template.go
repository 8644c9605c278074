// Package template renders dynamic node configuration against instance data.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/vantagecrm/relay/pkg/models"
)

// RenderWithContext renders the input against the execution context of the
// node visit: accumulated state, original input, entity identity and the
// visit metadata.
func RenderWithContext(input string, executionCtx *models.ExecutionContext) (any, error) {
	data := map[string]any{
		"state":   executionCtx.State,
		"input":   executionCtx.Input,
		"trigger": executionCtx.TriggerEvent,
		"env":     getEnvVars(),
		"entity": map[string]any{
			"type": executionCtx.EntityType,
			"id":   executionCtx.EntityID,
		},
		"execution": map[string]any{
			"instance_id":   executionCtx.InstanceID,
			"definition_id": executionCtx.DefinitionID,
			"node_key":      executionCtx.NodeKey,
			"attempt":       executionCtx.Attempt,
		},
	}

	return Render(input, data)
}

// RenderConfig renders every string value of a configuration map, descending
// into nested maps and slices. Non-string values pass through untouched.
func RenderConfig(config map[string]any, executionCtx *models.ExecutionContext) (map[string]any, error) {
	rendered, err := renderValue(config, executionCtx)
	if err != nil {
		return nil, err
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rendered configuration is not a map: %T", rendered)
	}

	return result, nil
}

func renderValue(value any, executionCtx *models.ExecutionContext) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}

		return RenderWithContext(v, executionCtx)
	case map[string]any:
		result := make(map[string]any, len(v))

		for key, item := range v {
			rendered, err := renderValue(item, executionCtx)
			if err != nil {
				return nil, err
			}

			result[key] = rendered
		}

		return result, nil
	case []any:
		result := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, executionCtx)
			if err != nil {
				return nil, err
			}

			result[i] = rendered
		}

		return result, nil
	default:
		return value, nil
	}
}

// Parse checks that the input is a well-formed template without rendering
// it. Handlers use it to validate configuration up front.
func Parse(templateStr string) (*template.Template, error) {
	return template.New("config").Funcs(templateFuncs()).Parse(templateStr)
}

// Render executes the template and coerces the output: JSON objects and
// arrays decode, numerics and booleans parse, everything else stays a string.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("config").
		Funcs(templateFuncs()).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"rand": func(max int) int {
			if max <= 0 {
				return 0
			}

			num := make([]byte, 1)

			_, err := rand.Read(num)
			if err != nil {
				return 0
			}

			return int(num[0]) % max
		},
	}
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
