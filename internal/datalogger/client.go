package datalogger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrDeviceUnavailable wraps every failure to talk to the datalogger.
var ErrDeviceUnavailable = errors.New("datalogger unavailable")

// deviceTimeLayout is the zone-less timestamp format the logger emits.
const deviceTimeLayout = "2006-01-02T15:04:05.999999999"

type Options struct {
	BaseURL  string
	Username string
	Password string
	// Serial overrides the serial number reported by the logger.
	Serial string
	// Location is the zone of the logger clock.
	Location  *time.Location
	Timeout   time.Duration
	BatchSize int
	HTTP      *http.Client
	Logger    *zap.Logger
}

type Client struct {
	opts Options
	http *http.Client
}

func NewClient(opts Options) *Client {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{opts: opts, http: hc}
}

// Info describes the logger a session is bound to.
type Info struct {
	Serial  string
	Model   string
	Station string
	Program string
	// Clock is the logger time read while opening the session.
	Clock time.Time
}

// Open probes the logger and resolves its identity. The whole exchange is
// bounded by the configured timeout.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	clock, err := c.clockCheck(ctx)
	if err != nil {
		return nil, err
	}
	info := Info{Serial: c.opts.Serial, Clock: clock}

	status, err := c.dataQuery(ctx, "Status", url.Values{"mode": {"most-recent"}, "p1": {"1"}})
	if err != nil {
		if info.Serial == "" {
			return nil, err
		}
		if c.opts.Logger != nil {
			c.opts.Logger.Warn("datalogger status read failed", zap.Error(err))
		}
	} else {
		env := status.Head.Environment
		if info.Serial == "" {
			info.Serial = strings.TrimSpace(env.SerialNo)
		}
		info.Model = env.Model
		info.Station = env.StationName
		info.Program = env.ProgName
	}
	if info.Serial == "" {
		return nil, fmt.Errorf("%w: serial number not reported", ErrDeviceUnavailable)
	}
	return &Session{client: c, info: info}, nil
}

func (c *Client) clockCheck(ctx context.Context) (time.Time, error) {
	var resp clockResponse
	if err := c.get(ctx, url.Values{"command": {"ClockCheck"}}, &resp); err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(resp.Time) == "" {
		return time.Time{}, nil
	}
	ts, err := c.parseTime(resp.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: clock: %v", ErrDeviceUnavailable, err)
	}
	return ts, nil
}

func (c *Client) browseTables(ctx context.Context) ([]string, error) {
	var resp browseResponse
	if err := c.get(ctx, url.Values{"command": {"BrowseSymbols"}, "uri": {"dl:"}}, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Symbols))
	for _, sym := range resp.Symbols {
		if sym.Type != symbolTypeTable {
			continue
		}
		name := strings.TrimSpace(sym.Name)
		if name == "" {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func (c *Client) dataQuery(ctx context.Context, table string, params url.Values) (*dataResponse, error) {
	q := url.Values{
		"command": {"DataQuery"},
		"uri":     {"dl:" + table},
	}
	for k, v := range params {
		q[k] = v
	}
	var resp dataResponse
	if err := c.get(ctx, q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, q url.Values, out any) error {
	if c.opts.BaseURL == "" {
		return fmt.Errorf("%w: base url is empty", ErrDeviceUnavailable)
	}
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, q.Get("command"), err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, q.Get("command"), err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s: access denied (http %d)", ErrDeviceUnavailable, q.Get("command"), resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: http %d: %s", ErrDeviceUnavailable, q.Get("command"), resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var rejected errorResponse
	if err := json.Unmarshal(b, &rejected); err == nil && rejected.Message != "" && rejected.Outcome != 1 {
		return fmt.Errorf("%w: %s: %s", ErrDeviceUnavailable, q.Get("command"), rejected.Message)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decoding: %v", ErrDeviceUnavailable, q.Get("command"), err)
	}
	return nil
}

func (c *Client) parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	return time.ParseInLocation(deviceTimeLayout, raw, c.opts.Location)
}

// formatSince renders since in the logger's own clock zone.
func (c *Client) formatSince(since time.Time) string {
	return since.In(c.opts.Location).Format(deviceTimeLayout)
}

func formatRecordNo(no int64) string {
	return strconv.FormatInt(no, 10)
}
