// Package loki pushes security events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// Loki label values are kept to a safe alphabet.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// eventFields are the security event fields promoted to labels. High-cardinality fields such as
// user_id stay in the line.
type eventFields struct {
	EventType string    `json:"event_type"`
	Severity  string    `json:"severity"`
	WebsiteID string    `json:"website_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Client pushes to one Loki instance.
type Client struct {
	baseURL string
	job     string
	http    *http.Client
}

// New returns a client for baseURL (e.g. http://localhost:3100).
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("loki: base URL is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), job: "acad-auth", http: httpClient}, nil
}

type entry struct {
	ts   time.Time
	line string
}

// PushEvents groups raw security event JSON lines by label set and pushes them in one request.
// Lines that do not parse are pushed with the current time under the bare job label.
func (c *Client) PushEvents(ctx context.Context, raw [][]byte) error {
	if len(raw) == 0 {
		return nil
	}
	streams := map[string]*Stream{}
	var order []string
	for _, r := range raw {
		labels, e := c.parse(r)
		key := labelKey(labels)
		s, ok := streams[key]
		if !ok {
			s = &Stream{Stream: labels}
			streams[key] = s
			order = append(order, key)
		}
		s.Values = append(s.Values, []string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line})
	}
	body := PushRequest{Streams: make([]Stream, 0, len(order))}
	for _, k := range order {
		body.Streams = append(body.Streams, *streams[k])
	}
	return c.push(ctx, body)
}

func (c *Client) parse(raw []byte) (map[string]string, entry) {
	labels := map[string]string{"job": c.job}
	e := entry{ts: time.Now().UTC(), line: string(raw)}
	var f eventFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return labels, e
	}
	for k, v := range map[string]string{"event_type": f.EventType, "severity": f.Severity, "website_id": f.WebsiteID} {
		if s := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); s != "" {
			labels[k] = s
		}
	}
	if !f.CreatedAt.IsZero() {
		e.ts = f.CreatedAt
	}
	return labels, e
}

func labelKey(labels map[string]string) string {
	return labels["job"] + "|" + labels["event_type"] + "|" + labels["severity"] + "|" + labels["website_id"]
}

func (c *Client) push(ctx context.Context, body PushRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
