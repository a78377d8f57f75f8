package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the project's real-time database.
const DefaultBaseURL = "https://nub-live-default-rtdb.asia-southeast1.firebasedatabase.app"

// LoadFailedMessage is shown when the history cannot be fetched.
const LoadFailedMessage = "Failed to load history. Please try again later."

var (
	ErrMissingUID = errors.New("records: uid is required")
	// ErrLoadFailed wraps every transport or status failure of History.
	ErrLoadFailed = errors.New("records: failed to load history")
)

// Change is one item of a history entry.
type Change struct {
	Affected []string `json:"affected"`
}

// Label joins the affected classes for display.
func (c Change) Label() string {
	return strings.Join(c.Affected, ", ")
}

// HistoryEntry is one recorded session.
type HistoryEntry struct {
	// Time is milliseconds since the epoch; zero when the record has none.
	Time int64    `json:"time"`
	Data []Change `json:"data"`
}

// At returns Time as a time.Time, or the zero time when unknown.
func (e HistoryEntry) At() time.Time {
	if e.Time <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Time)
}

// Affected returns the label of every change in the entry.
func (e HistoryEntry) Affected() []string {
	out := make([]string, 0, len(e.Data))
	for _, c := range e.Data {
		out = append(out, c.Label())
	}
	return out
}

type preferences struct {
	History []HistoryEntry `json:"history"`
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithIDToken authenticates reads with the signed-in user's ID token,
// sent as the auth query parameter.
func WithIDToken(token func() string) Option {
	return func(c *Client) { c.idToken = token }
}

// Client fetches preference records.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
	idToken func() string
}

// New creates a Client. An empty baseURL uses DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{baseURL: baseURL, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	return c
}

// History returns the user's history, newest first. A missing record or a
// record without history yields an empty slice.
func (c *Client) History(ctx context.Context, uid string) ([]HistoryEntry, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, ErrMissingUID
	}

	endpoint := c.baseURL + "/preferences/" + url.PathEscape(uid) + ".json"
	if c.idToken != nil {
		if tok := c.idToken(); tok != "" {
			endpoint += "?" + url.Values{"auth": {tok}}.Encode()
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrLoadFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("uid", uid).Msg("history request failed")
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Str("uid", uid).Msg("history request rejected")
		return nil, fmt.Errorf("%w: status %s", ErrLoadFailed, resp.Status)
	}

	// a missing record decodes from "null" into the zero value
	var prefs preferences
	if err := json.NewDecoder(resp.Body).Decode(&prefs); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrLoadFailed, err)
	}

	history := prefs.History
	if history == nil {
		history = []HistoryEntry{}
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Time > history[j].Time })
	return history, nil
}
