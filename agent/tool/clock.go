package tool

import (
	"context"
	"fmt"
	"time"
)

const ToolClock = "get_current_time"

type ClockOutput struct {
	Time     string `json:"time"`
	Unix     int64  `json:"unix,omitempty"`
	Weekday  string `json:"weekday,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// NewClock reports the current time. The now func is injectable so tests and
// replayed runs stay deterministic.
func NewClock(now func() time.Time) Definition {
	if now == nil {
		now = time.Now
	}
	return Definition{
		Name:        ToolClock,
		Description: "Get the current date and time. Formats: standard (YYYY-MM-DD HH:MM:SS), unix (epoch seconds), detailed (adds weekday and timezone).",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"format": map[string]any{
					"type": "string",
					"enum": []any{"standard", "unix", "detailed"},
				},
			},
			"additionalProperties": false,
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			format, _ := args["format"].(string)
			if format == "" {
				format = "standard"
			}

			t := now()
			switch format {
			case "standard":
				return ClockOutput{Time: t.Format("2006-01-02 15:04:05")}, nil
			case "unix":
				return ClockOutput{Time: fmt.Sprintf("%d", t.Unix()), Unix: t.Unix()}, nil
			case "detailed":
				zone, _ := t.Zone()
				return ClockOutput{
					Time:     t.Format("2006-01-02 15:04:05"),
					Unix:     t.Unix(),
					Weekday:  t.Weekday().String(),
					Timezone: zone,
				}, nil
			default:
				return nil, fmt.Errorf("unsupported format %q", format)
			}
		},
	}
}
