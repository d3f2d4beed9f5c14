package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	davcal "github.com/emersion/go-webdav/caldav"
	"golang.org/x/oauth2"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

// CredentialsFunc returns basic auth credentials for a single request. It is
// called per request so secrets stay encrypted at rest between calls.
type CredentialsFunc func(ctx context.Context) (username, password string, err error)

type RemoteCalendar struct {
	Path        string
	Name        string
	Description string
}

// Object is one calendar resource as stored on the server.
type Object struct {
	Href    string
	ETag    string
	ModTime time.Time
	Data    *ical.Calendar
}

// SyncDelta is the result of a sync-collection REPORT.
type SyncDelta struct {
	Token   string
	Changed []string
	Deleted []string
}

// DAVClient is the subset of CalDAV operations the adapter needs.
type DAVClient interface {
	FindCalendars(ctx context.Context) ([]RemoteCalendar, error)
	CollectionState(ctx context.Context, path string) (ctag, syncToken string, err error)
	SyncCollection(ctx context.Context, path, token string) (*SyncDelta, error)
	QueryEvents(ctx context.Context, path string) ([]Object, error)
	MultiGet(ctx context.Context, path string, hrefs []string) ([]Object, error)
	Get(ctx context.Context, href string) (Object, error)
	Put(ctx context.Context, href string, cal *ical.Calendar) (Object, error)
	Delete(ctx context.Context, href string) error
}

type ClientOptions struct {
	Endpoint string
	// HomeSet skips principal discovery when set.
	HomeSet     string
	HTTPClient  *http.Client
	Credentials CredentialsFunc
	TokenSource oauth2.TokenSource
	UserAgent   string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

type Client struct {
	endpoint *url.URL
	homeSet  string
	http     *retryClient
	dav      *davcal.Client
	logger   *slog.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	raw := strings.TrimSpace(opts.Endpoint)
	if raw == "" {
		return nil, fmt.Errorf("%w: caldav endpoint is required", calsync.ErrInvalidInput)
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid caldav endpoint: %v", calsync.ErrInvalidInput, err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported caldav endpoint scheme %q", calsync.ErrInvalidInput, endpoint.Scheme)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 20 * time.Second}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	switch {
	case opts.TokenSource != nil:
		transport = &oauth2.Transport{Source: opts.TokenSource, Base: transport}
	case opts.Credentials != nil:
		transport = &basicAuthTransport{credentials: opts.Credentials, base: transport}
	}
	httpClient := &http.Client{
		Transport:     transport,
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	rc := &retryClient{
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}

	dav, err := davcal.NewClient(rc, endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}
	return &Client{
		endpoint: endpoint,
		homeSet:  strings.TrimSpace(opts.HomeSet),
		http:     rc,
		dav:      dav,
		logger:   logger,
	}, nil
}

func (c *Client) FindCalendars(ctx context.Context) ([]RemoteCalendar, error) {
	homeSet := c.homeSet
	if homeSet == "" {
		principal, err := c.dav.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return nil, fmt.Errorf("find principal: %w", err)
		}
		homeSet, err = c.dav.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return nil, fmt.Errorf("find calendar home set: %w", err)
		}
	}
	calendars, err := c.dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}
	out := make([]RemoteCalendar, 0, len(calendars))
	for _, cal := range calendars {
		if !supportsEvents(cal.SupportedComponentSet) {
			continue
		}
		out = append(out, RemoteCalendar{Path: cal.Path, Name: cal.Name, Description: cal.Description})
	}
	return out, nil
}

func supportsEvents(components []string) bool {
	if len(components) == 0 {
		return true
	}
	for _, comp := range components {
		if strings.EqualFold(comp, "VEVENT") {
			return true
		}
	}
	return false
}

func (c *Client) QueryEvents(ctx context.Context, path string) ([]Object, error) {
	query := &davcal.CalendarQuery{
		CompRequest: davcal.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: davcal.CompFilter{
			Name:  "VCALENDAR",
			Comps: []davcal.CompFilter{{Name: "VEVENT"}},
		},
	}
	objects, err := c.dav.QueryCalendar(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return convertObjects(objects), nil
}

func (c *Client) MultiGet(ctx context.Context, path string, hrefs []string) ([]Object, error) {
	if len(hrefs) == 0 {
		return nil, nil
	}
	multiGet := &davcal.CalendarMultiGet{
		Paths: hrefs,
		CompRequest: davcal.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
	}
	objects, err := c.dav.MultiGetCalendar(ctx, path, multiGet)
	if err != nil {
		return nil, err
	}
	return convertObjects(objects), nil
}

func (c *Client) Get(ctx context.Context, href string) (Object, error) {
	obj, err := c.dav.GetCalendarObject(ctx, href)
	if isMissing(err) {
		return Object{}, fmt.Errorf("%w: %s", calsync.ErrNotFound, href)
	}
	if err != nil {
		return Object{}, err
	}
	return Object{Href: obj.Path, ETag: obj.ETag, ModTime: obj.ModTime, Data: obj.Data}, nil
}

func (c *Client) Put(ctx context.Context, href string, cal *ical.Calendar) (Object, error) {
	obj, err := c.dav.PutCalendarObject(ctx, href, cal)
	if err != nil {
		return Object{}, err
	}
	out := Object{Href: href, Data: cal}
	if obj != nil {
		if obj.Path != "" {
			out.Href = obj.Path
		}
		out.ETag = obj.ETag
		out.ModTime = obj.ModTime
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, href string) error {
	err := c.dav.RemoveAll(ctx, href)
	if isMissing(err) {
		return fmt.Errorf("%w: %s", calsync.ErrNotFound, href)
	}
	return err
}

func isMissing(err error) bool {
	var remoteErr *calsync.RemoteError
	return errors.As(err, &remoteErr) && (remoteErr.StatusCode == http.StatusNotFound || remoteErr.StatusCode == http.StatusGone)
}

func convertObjects(objects []davcal.CalendarObject) []Object {
	out := make([]Object, 0, len(objects))
	for _, obj := range objects {
		out = append(out, Object{
			Href:    obj.Path,
			ETag:    obj.ETag,
			ModTime: obj.ModTime,
			Data:    obj.Data,
		})
	}
	return out
}

type basicAuthTransport struct {
	credentials CredentialsFunc
	base        http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	username, password, err := t.credentials(req.Context())
	if err != nil {
		return nil, fmt.Errorf("load caldav credentials: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.SetBasicAuth(username, password)
	return t.base.RoundTrip(clone)
}

var errBodyNotRewindable = errors.New("request body cannot be replayed")

// retryClient implements webdav.HTTPClient. Non-2xx and non-3xx responses
// surface as *calsync.RemoteError so callers can classify them.
type retryClient struct {
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

var _ webdav.HTTPClient = (*retryClient)(nil)

func (c *retryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		attemptReq, err := c.prepare(req, attempt)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(attemptReq)
		if err != nil {
			if attempt < c.maxRetries && rewindable(req) && ctx.Err() == nil {
				c.logger.Debug("caldav request retry", "method", req.Method, "url", redactURL(req.URL), "attempt", attempt+1, "error", err)
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		if resp.StatusCode < 400 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries && rewindable(req) {
			c.logger.Debug("caldav request retry", "method", req.Method, "url", redactURL(req.URL), "attempt", attempt+1, "status", resp.StatusCode)
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, &calsync.RemoteError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s %s: %s", req.Method, redactURL(req.URL), strings.TrimSpace(string(body))),
		}
	}
}

func (c *retryClient) prepare(req *http.Request, attempt int) (*http.Request, error) {
	out := req
	if attempt > 0 {
		out = req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			out.Body = body
		} else if req.Body != nil && req.Body != http.NoBody {
			return nil, errBodyNotRewindable
		}
	}
	if c.userAgent != "" && out.Header.Get("User-Agent") == "" {
		if out == req {
			out = req.Clone(req.Context())
		}
		out.Header.Set("User-Agent", c.userAgent)
	}
	return out, nil
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func (c *retryClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// redactURL drops userinfo and query strings before a URL reaches the logs.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.User = nil
	clean.RawQuery = ""
	clean.Fragment = ""
	return clean.String()
}
