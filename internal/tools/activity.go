package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/furina/internal/httpkit"
)

// Activity query defaults.
const (
	DefaultActivityURL         = "http://localhost:5600"
	DefaultActivityMinDuration = 2 * time.Minute
	DefaultActivityLimit       = 10
	defaultActivityWindow      = 24 * time.Hour
)

// ActivityQuery selects which ActivityWatch events to report.
type ActivityQuery struct {
	MinDuration time.Duration
	Limit       int
	Start       time.Time
	End         time.Time
}

type activityArgs struct {
	MinDuration string `json:"min_duration,omitempty" jsonschema_description:"Minimum duration in format like '30m', '1h', '2h30m'. Default is 2m"`
	Start       string `json:"start,omitempty" jsonschema_description:"Start datetime in ISO format (e.g., '2025-07-27T08:00:00')."`
	End         string `json:"end,omitempty" jsonschema_description:"End datetime in ISO format (e.g., '2025-07-27T17:00:00')."`
	Limit       int    `json:"limit,omitempty" jsonschema_description:"Maximum number of activities to return. Default is 10"`
}

type awBucket struct {
	ID string `json:"id"`
}

type awEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Duration  float64        `json:"duration"`
	Data      map[string]any `json:"data"`
}

func (e awEvent) length() time.Duration {
	return time.Duration(e.Duration * float64(time.Second))
}

func (e awEvent) end() time.Time { return e.Timestamp.Add(e.length()) }

// ActivityClient reads window and AFK events from an ActivityWatch server.
type ActivityClient struct {
	baseURL    string
	httpClient *http.Client
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// NewActivityClient creates a client for the ActivityWatch server at
// baseURL. Times are rendered in loc.
func NewActivityClient(baseURL string, loc *time.Location, logger *slog.Logger) *ActivityClient {
	if baseURL == "" {
		baseURL = DefaultActivityURL
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		loc:        loc,
		logger:     logger.With("tool", "Activity"),
		now:        time.Now,
	}
}

// Tool exposes the client as the Activity tool.
func (c *ActivityClient) Tool() *Tool {
	return &Tool{
		Name:        "Activity",
		Description: "Finds user activities based on optional filters like minimum duration or date range.",
		Parameters:  schemaFor(&activityArgs{}),
		Handler:     c.handle,
	}
}

func (c *ActivityClient) handle(ctx context.Context, args map[string]any) (string, error) {
	var a activityArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}

	q, err := c.queryFromArgs(a)
	if err != nil {
		return "", err
	}

	lines, err := c.Find(ctx, q)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "No activity found in the requested range.", nil
	}
	return strings.Join(lines, "\n"), nil
}

func (c *ActivityClient) queryFromArgs(a activityArgs) (ActivityQuery, error) {
	now := c.now()
	q := ActivityQuery{
		MinDuration: DefaultActivityMinDuration,
		Limit:       DefaultActivityLimit,
		Start:       now.Add(-defaultActivityWindow),
		End:         now,
	}
	if a.MinDuration != "" {
		q.MinDuration = ParseActivityDuration(a.MinDuration)
	}
	if a.Limit > 0 {
		q.Limit = a.Limit
	}
	if a.Start != "" {
		t, err := parseISOTime(a.Start, c.loc)
		if err != nil {
			return q, fmt.Errorf("start: %w", err)
		}
		q.Start = t
	}
	if a.End != "" {
		t, err := parseISOTime(a.End, c.loc)
		if err != nil {
			return q, fmt.Errorf("end: %w", err)
		}
		q.End = t
	}
	return q, nil
}

// Find returns formatted activity lines. The limit is split evenly
// across buckets; buckets holding fewer events than their share give
// it up to the others.
func (c *ActivityClient) Find(ctx context.Context, q ActivityQuery) ([]string, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultActivityLimit
	}

	buckets, err := c.buckets(ctx)
	if err != nil {
		return nil, err
	}
	if len(buckets) == 0 {
		return nil, nil
	}

	active := len(buckets)
	for _, id := range buckets {
		n, err := c.eventCount(ctx, id, q.Start, q.End)
		if err != nil {
			return nil, err
		}
		if active > 1 && n < q.Limit/active {
			active--
		}
	}
	perBucket := max(q.Limit/active, 1)

	var result []string
	for _, id := range buckets {
		events, err := c.events(ctx, id, q.Start, q.End)
		if err != nil {
			return nil, err
		}

		merged := mergeEvents(events)
		var kept []awEvent
		for _, e := range merged {
			if e.length() > q.MinDuration {
				kept = append(kept, e)
			}
		}

		lines := c.formatEvents(kept)
		if len(lines) > perBucket {
			lines = lines[len(lines)-perBucket:]
		}
		result = append(result, lines...)
	}

	c.logger.Debug("activity query complete",
		"buckets", len(buckets),
		"per_bucket", perBucket,
		"results", len(result),
	)
	return result, nil
}

// mergeEvents collapses events carrying identical data, summing their
// durations. The result is ordered by end time.
func mergeEvents(events []awEvent) []awEvent {
	sort.SliceStable(events, func(i, j int) bool { return events[i].end().Before(events[j].end()) })

	index := make(map[string]int)
	var merged []awEvent
	for _, e := range events {
		key := dataKey(e.Data)
		if i, ok := index[key]; ok {
			merged[i].Duration += e.Duration
			continue
		}
		index[key] = len(merged)
		merged = append(merged, e)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].end().Before(merged[j].end()) })
	return merged
}

func dataKey(data map[string]any) string {
	keys := sortedKeys(data)
	pairs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, k, data[k])
	}
	b, _ := json.Marshal(pairs)
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *ActivityClient) formatEvents(events []awEvent) []string {
	lines := make([]string, 0, len(events))
	for _, e := range events {
		if status, ok := e.Data["status"].(string); ok && status == "not-afk" {
			continue
		}
		var parts []string
		for _, k := range sortedKeys(e.Data) {
			if k == "branch" {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s:%v", k, e.Data[k]))
		}
		line := fmt.Sprintf("%s - %s - started at: %s",
			strings.Join(parts, ","),
			FormatActivityDuration(e.length()),
			e.Timestamp.In(c.loc).Format("January 02, 2006 03:04PM"),
		)
		lines = append(lines, strings.ReplaceAll(line, "\n", ""))
	}
	return lines
}

func (c *ActivityClient) buckets(ctx context.Context) ([]string, error) {
	var raw map[string]awBucket
	if err := c.get(ctx, "/api/0/buckets/", nil, &raw); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for key, b := range raw {
		id := b.ID
		if id == "" {
			id = key
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *ActivityClient) eventCount(ctx context.Context, bucket string, start, end time.Time) (int, error) {
	var n int
	if err := c.get(ctx, "/api/0/buckets/"+url.PathEscape(bucket)+"/events/count", rangeParams(start, end), &n); err != nil {
		return 0, fmt.Errorf("count events in %s: %w", bucket, err)
	}
	return n, nil
}

func (c *ActivityClient) events(ctx context.Context, bucket string, start, end time.Time) ([]awEvent, error) {
	params := rangeParams(start, end)
	params.Set("limit", "-1")
	var events []awEvent
	if err := c.get(ctx, "/api/0/buckets/"+url.PathEscape(bucket)+"/events", params, &events); err != nil {
		return nil, fmt.Errorf("get events in %s: %w", bucket, err)
	}
	return events, nil
}

func rangeParams(start, end time.Time) url.Values {
	v := url.Values{}
	v.Set("start", start.Format(time.RFC3339))
	v.Set("end", end.Format(time.RFC3339))
	return v
}

func (c *ActivityClient) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		return fmt.Errorf("activitywatch returned %d: %s", resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var durationPart = regexp.MustCompile(`(\d+)([hm])`)

// ParseActivityDuration reads strings like "30m", "1h" or "2h30m".
// Unrecognized text contributes nothing.
func ParseActivityDuration(s string) time.Duration {
	var d time.Duration
	for _, m := range durationPart.FindAllStringSubmatch(s, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "h":
			d += time.Duration(n) * time.Hour
		case "m":
			d += time.Duration(n) * time.Minute
		}
	}
	return d
}

// FormatActivityDuration renders d as "1d 2h 3m 4s", omitting zero units.
func FormatActivityDuration(d time.Duration) string {
	total := int64(d / time.Second)
	days, rem := total/86400, total%86400
	hours, rem := rem/3600, rem%3600
	minutes, seconds := rem/60, rem%60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}

var isoLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseISOTime accepts RFC 3339 or a zone-less ISO datetime, which is
// interpreted in loc.
func parseISOTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}
