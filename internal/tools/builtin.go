package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/itchyny/gojq"
	"github.com/robfig/cron/v3"

	"github.com/rendis/agentgraph/pkg/schema"
)

const maxCronOccurrences = 20

// Builtins returns the tools that need no credentials. now defaults to time.Now.
func Builtins(now func() time.Time) []Tool {
	if now == nil {
		now = time.Now
	}
	return []Tool{
		currentTimeTool(now),
		delayTool(),
		cronNextTool(now),
		jsonQueryTool(),
		hashTool(),
		hmacTool(),
	}
}

const currentTimeSchema = `{
  "type": "object",
  "properties": {
    "timezone": {"type": "string", "description": "IANA zone name, default UTC"},
    "layout": {"type": "string", "description": "Go time layout, default RFC3339"}
  },
  "additionalProperties": false
}`

func currentTimeTool(now func() time.Time) Tool {
	return NewFuncTool(schema.ToolDefinition{
		Name:        "current_time",
		Description: "Returns the current date and time in a timezone.",
		Parameters:  json.RawMessage(currentTimeSchema),
	}, func(_ context.Context, args map[string]any) (any, error) {
		loc, err := loadLocation(stringParam(args, "timezone", "UTC"))
		if err != nil {
			return nil, err
		}
		t := now().In(loc)
		return map[string]any{
			"time":     t.Format(stringParam(args, "layout", time.RFC3339)),
			"timezone": loc.String(),
			"unix":     t.Unix(),
		}, nil
	})
}

const delaySchema = `{
  "type": "object",
  "required": ["duration"],
  "properties": {
    "duration": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"}
  },
  "additionalProperties": false
}`

func delayTool() Tool {
	return NewFuncTool(schema.ToolDefinition{
		Name:        "delay",
		Description: "Waits for a duration such as \"2s\" before returning.",
		Parameters:  json.RawMessage(delaySchema),
	}, func(ctx context.Context, args map[string]any) (any, error) {
		d, err := time.ParseDuration(stringParam(args, "duration", ""))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeToolArgumentInvalid, "invalid duration").WithCause(err)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return map[string]any{"waited": d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

const cronNextSchema = `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "count": {"type": "integer", "minimum": 1, "maximum": 20},
    "from": {"type": "string", "format": "date-time"},
    "timezone": {"type": "string"}
  },
  "additionalProperties": false
}`

func cronNextTool(now func() time.Time) Tool {
	return NewFuncTool(schema.ToolDefinition{
		Name:        "cron_next",
		Description: "Lists the next activation times of a standard 5-field cron expression.",
		Parameters:  json.RawMessage(cronNextSchema),
	}, func(_ context.Context, args map[string]any) (any, error) {
		expr := stringParam(args, "expression", "")
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "invalid cron expression %q", expr).WithCause(err)
		}
		loc, err := loadLocation(stringParam(args, "timezone", "UTC"))
		if err != nil {
			return nil, err
		}
		from := now()
		if s := stringParam(args, "from", ""); s != "" {
			from, err = time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeToolArgumentInvalid, "from must be RFC3339").WithCause(err)
			}
		}
		count := min(max(intParam(args, "count", 1), 1), maxCronOccurrences)

		next := make([]string, 0, count)
		t := from.In(loc)
		for range count {
			t = sched.Next(t)
			if t.IsZero() {
				break
			}
			next = append(next, t.Format(time.RFC3339))
		}
		return map[string]any{"expression": expr, "next": next}, nil
	})
}

const jsonQuerySchema = `{
  "type": "object",
  "required": ["query", "input"],
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "input": {}
  },
  "additionalProperties": false
}`

func jsonQueryTool() Tool {
	return NewFuncTool(schema.ToolDefinition{
		Name:        "json_query",
		Description: "Runs a jq query against a JSON value and returns every output.",
		Parameters:  json.RawMessage(jsonQuerySchema),
	}, func(ctx context.Context, args map[string]any) (any, error) {
		src := stringParam(args, "query", "")
		query, err := gojq.Parse(src)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "jq parse error in %q: %s", src, err.Error()).WithCause(err)
		}
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "jq compile error in %q: %s", src, err.Error()).WithCause(err)
		}

		results := []any{}
		iter := code.RunWithContext(ctx, args["input"])
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "jq evaluation failed: %s", err.Error()).WithCause(err)
			}
			results = append(results, v)
		}
		return map[string]any{"results": results}, nil
	})
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "unknown timezone %q", name).WithCause(err)
	}
	return loc, nil
}
