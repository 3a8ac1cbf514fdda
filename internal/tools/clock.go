package tools

import (
	"context"
	"fmt"
	"time"
)

type clockArgs struct {
	Format string `json:"format,omitempty" jsonschema:"enum=long,enum=rfc3339" jsonschema_description:"Output format. long is human readable and rfc3339 is machine readable. Default is long"`
}

// NewClockTool returns the CurrentTime tool reporting the time in loc.
// now may be nil, in which case time.Now is used.
func NewClockTool(loc *time.Location, now func() time.Time) *Tool {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Tool{
		Name:        "CurrentTime",
		Description: "Returns the current date and time in the user's timezone.",
		Parameters:  schemaFor(&clockArgs{}),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			var a clockArgs
			if err := decodeArgs(args, &a); err != nil {
				return "", err
			}
			t := now().In(loc)
			switch a.Format {
			case "", "long":
				return fmt.Sprintf("%s (%s)", t.Format("Monday, January 02, 2006 03:04PM"), loc), nil
			case "rfc3339":
				return t.Format(time.RFC3339), nil
			default:
				return "", fmt.Errorf("unknown format %q", a.Format)
			}
		},
	}
}
