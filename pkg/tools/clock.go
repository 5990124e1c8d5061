package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"
)

// Clock returns a tool reporting the current time in an IANA time zone.
func Clock(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return Tool{
		Name:        "clock",
		Description: "Returns the current date and time. Use it whenever the answer depends on today's date or the time of day.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA time zone such as America/Sao_Paulo. Defaults to UTC."}
			},
			"additionalProperties": false
		}`),
		Kind: KindFunc,
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			name, _ := args["timezone"].(string)
			if name == "" {
				name = "UTC"
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", name)
			}
			t := now().In(loc)
			return map[string]string{
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
				"timezone": loc.String(),
			}, nil
		},
	}
}
