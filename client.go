package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultSnapshotTTL = 5 * time.Minute

	restaurantsSnapshotKey = "restaurants"
)

// ============================================================================
// Client
// ============================================================================

// Client is the app's REST client for the restaurant backend. Routed through
// a Worker, either in process via Interceptor or over HTTP at the worker's
// APIPathPrefix, it keeps working offline.
//
// Example:
//
//	client := offline.NewClient("http://127.0.0.1:8000/api")
//	restaurants, _ := client.Restaurants(ctx)
//	res, _ := client.AddReview(ctx, offline.ReviewInput{RestaurantID: 3, Name: "Ann", Rating: 4, Comments: "Nice"})
//	if res.Deferred { ... }
type Client struct {
	baseURL     string
	httpClient  *http.Client
	snapshotTTL time.Duration
	snapshot    *cache.Cache
}

type ClientOption func(*Client)

// WithClientTimeout sets the HTTP timeout.
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRoundTripper routes requests through rt, typically Worker.Interceptor.
func WithRoundTripper(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.httpClient.Transport = rt }
}

// WithSnapshotTTL sets how long the restaurant list is reused.
func WithSnapshotTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.snapshotTTL = ttl }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			// Deferred writes answer 302 without a Location.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		snapshotTTL: DefaultSnapshotTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshot = cache.New(c.snapshotTTL, 2*c.snapshotTTL)
	return c
}

// APIError is returned for non-2xx answers.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// WriteResult describes the outcome of a mutation.
type WriteResult struct {
	// Deferred is set when the worker queued the write for replay.
	Deferred bool
	// CorrelationID identifies the queued envelope of a deferred write.
	CorrelationID string
	Status        int
	Data          json.RawMessage
}

// ============================================================================
// Internal request helper
// ============================================================================

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*apiResponse, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &apiResponse{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (r *apiResponse) deferred() bool {
	return r.status == http.StatusFound && r.header.Get(DeferredHeader) != ""
}

func (r *apiResponse) check() error {
	if r.status/100 == 2 || r.deferred() {
		return nil
	}
	return &APIError{Status: r.status, Body: string(r.body)}
}

func decodeAs[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Restaurants
// ============================================================================

// Restaurants returns every restaurant. The list is reused for the snapshot
// TTL.
func (c *Client) Restaurants(ctx context.Context) ([]Restaurant, error) {
	if v, ok := c.snapshot.Get(restaurantsSnapshotKey); ok {
		return v.([]Restaurant), nil
	}
	resp, err := c.doRequest(ctx, http.MethodGet, "/restaurants", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	list, err := decodeAs[[]Restaurant](resp.body)
	if err != nil {
		return nil, err
	}
	c.snapshot.SetDefault(restaurantsSnapshotKey, *list)
	return *list, nil
}

// Restaurant returns one restaurant.
func (c *Client) Restaurant(ctx context.Context, id int) (*Restaurant, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/restaurants/"+strconv.Itoa(id), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	return decodeAs[Restaurant](resp.body)
}

// RestaurantsBy filters restaurants by cuisine and neighborhood. "all" or
// an empty string matches everything.
func (c *Client) RestaurantsBy(ctx context.Context, cuisine, neighborhood string) ([]Restaurant, error) {
	list, err := c.Restaurants(ctx)
	if err != nil {
		return nil, err
	}
	var out []Restaurant
	for _, r := range list {
		if cuisine != "" && cuisine != "all" && r.CuisineType != cuisine {
			continue
		}
		if neighborhood != "" && neighborhood != "all" && r.Neighborhood != neighborhood {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Neighborhoods returns the distinct neighborhoods in list order.
func (c *Client) Neighborhoods(ctx context.Context) ([]string, error) {
	return c.distinct(ctx, func(r Restaurant) string { return r.Neighborhood })
}

// Cuisines returns the distinct cuisines in list order.
func (c *Client) Cuisines(ctx context.Context) ([]string, error) {
	return c.distinct(ctx, func(r Restaurant) string { return r.CuisineType })
}

func (c *Client) distinct(ctx context.Context, field func(Restaurant) string) ([]string, error) {
	list, err := c.Restaurants(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range list {
		if v := field(r); !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

// ToggleFavorite sets the favorite flag of a restaurant and updates the
// cached list to match.
func (c *Client) ToggleFavorite(ctx context.Context, id int, favorite bool) (*WriteResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPut, "/restaurants/"+strconv.Itoa(id)+"/", map[string]bool{"is_favorite": favorite}, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	c.updateSnapshot(id, favorite)
	return writeResult(resp), nil
}

func (c *Client) updateSnapshot(id int, favorite bool) {
	v, ok := c.snapshot.Get(restaurantsSnapshotKey)
	if !ok {
		return
	}
	list := append([]Restaurant(nil), v.([]Restaurant)...)
	for i := range list {
		if list[i].ID == id {
			list[i].IsFavorite = FlexBool(favorite)
		}
	}
	c.snapshot.SetDefault(restaurantsSnapshotKey, list)
}

// ============================================================================
// Reviews
// ============================================================================

// ReviewsFor returns the reviews of a restaurant in backend order.
func (c *Client) ReviewsFor(ctx context.Context, restaurantID int) ([]Review, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/reviews/", nil, map[string]string{"restaurant_id": strconv.Itoa(restaurantID)})
	if err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	list, err := decodeAs[[]Review](resp.body)
	if err != nil {
		return nil, err
	}
	want := strconv.Itoa(restaurantID)
	var out []Review
	for _, r := range *list {
		if string(r.RestaurantID) == want {
			out = append(out, r)
		}
	}
	return out, nil
}

// AddReview posts a review.
func (c *Client) AddReview(ctx context.Context, in ReviewInput) (*WriteResult, error) {
	if in.Rating < 1 || in.Rating > 5 {
		return nil, fmt.Errorf("rating must be between 1 and 5, got %d", in.Rating)
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("reviewer name is required")
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/reviews/", in, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	return writeResult(resp), nil
}

func writeResult(resp *apiResponse) *WriteResult {
	return &WriteResult{
		Deferred:      resp.deferred(),
		CorrelationID: resp.header.Get(DeferredHeader),
		Status:        resp.status,
		Data:          json.RawMessage(resp.body),
	}
}
