package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// ErrUnknownCategory is returned for sync categories missing from the map.
var ErrUnknownCategory = errors.New("offline: unknown sync category")

// ============================================================================
// Sync categories
// ============================================================================

// Sync category names.
const (
	CategoryTrigger = "trigger-sync"
	CategoryReviews = "reviews-sync"
)

// Category pairs the partition holding queued request envelopes with the
// optional domain partition holding their optimistic records.
type Category struct {
	Name     string
	Requests string
	Data     string
}

// Categories maps sync category names to their partitions.
type Categories map[string]Category

// DefaultCategories returns the category map used by the app: favorite
// toggles replay from requests, new reviews from post-requests.
func DefaultCategories() Categories {
	return Categories{
		CategoryTrigger: {Name: CategoryTrigger, Requests: PartitionRequests},
		CategoryReviews: {Name: CategoryReviews, Requests: PartitionPostRequests, Data: PartitionReviews},
	}
}

// For returns the category for writes to store: "<store>-sync" when such a
// category exists, otherwise trigger-sync.
func (c Categories) For(store string) Category {
	if cat, ok := c[store+"-sync"]; ok {
		return cat
	}
	return c[CategoryTrigger]
}

// Names returns the category names in sorted order.
func (c Categories) Names() []string {
	out := make([]string, 0, len(c))
	for name := range c {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Partitions returns the partitions to delete from after a successful replay.
func (c Category) Partitions() []string {
	if c.Data == "" {
		return []string{c.Requests}
	}
	return []string{c.Requests, c.Data}
}

// ============================================================================
// Queued request envelope
// ============================================================================

// CorrelationHeader carries an envelope id on replayed requests so a backend
// can recognise duplicates.
const CorrelationHeader = "X-Correlation-Id"

// Envelope is a serialised mutating request waiting for replay.
type Envelope struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Headers     [][2]string `json:"headers"`
	Method      string      `json:"method"`
	Credentials string      `json:"credentials"`
	Referrer    string      `json:"referrer"`
	Mode        string      `json:"mode"`
	Body        string      `json:"body"`
}

// SerializeRequest captures req and its already-read body. A navigate mode
// is stored as same-origin.
func SerializeRequest(req *http.Request, body []byte) Envelope {
	headers := make([][2]string, 0, len(req.Header))
	for name, values := range req.Header {
		for _, v := range values {
			headers = append(headers, [2]string{strings.ToLower(name), v})
		}
	}
	sort.Slice(headers, func(i, j int) bool {
		if headers[i][0] != headers[j][0] {
			return headers[i][0] < headers[j][0]
		}
		return headers[i][1] < headers[j][1]
	})

	mode := req.Header.Get("Sec-Fetch-Mode")
	switch mode {
	case "":
		mode = "cors"
	case "navigate":
		mode = "same-origin"
	}
	credentials := req.Header.Get("X-Request-Credentials")
	if credentials == "" {
		credentials = "same-origin"
	}

	return Envelope{
		URL:         req.URL.String(),
		Headers:     headers,
		Method:      req.Method,
		Credentials: credentials,
		Referrer:    req.Referer(),
		Mode:        mode,
		Body:        string(body),
	}
}

// Request rebuilds the replayable request.
func (e Envelope) Request(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if e.Body != "" {
		body = bytes.NewReader([]byte(e.Body))
	}
	req, err := http.NewRequestWithContext(ctx, e.Method, e.URL, body)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: %w", e.ID, err)
	}
	for _, h := range e.Headers {
		req.Header.Add(h[0], h[1])
	}
	if e.Referrer != "" {
		req.Header.Set("Referer", e.Referrer)
	}
	req.Header.Set(CorrelationHeader, e.ID)
	return req, nil
}

// Record converts the envelope into its stored form.
func (e Envelope) Record() (Record, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// EnvelopeFromRecord decodes a stored envelope.
func EnvelopeFromRecord(rec Record) (Envelope, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Envelope{}, err
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.ID == "" {
		// Ids supplied by callers may be numeric.
		if k, ok := KeyOf(rec["id"]); ok {
			e.ID = k.Text
		}
	}
	if e.ID == "" || e.URL == "" || e.Method == "" {
		return Envelope{}, fmt.Errorf("incomplete envelope %v", rec["id"])
	}
	return e, nil
}

// ============================================================================
// Domain types
// ============================================================================

// StorageLocalField marks records created offline that the server has not
// confirmed yet.
const StorageLocalField = "storageLocal"

// StorageLocalValue is the value stored in StorageLocalField.
const StorageLocalValue = "Stored locally"

// FlexBool decodes booleans sent either as JSON booleans or as strings.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid boolean %s", data)
	}
	*b = FlexBool(v)
	return nil
}

// LatLng is a map position.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// OperatingHours maps weekday names to opening hours.
type OperatingHours map[string]string

// Restaurant is a restaurant as served by the backend.
type Restaurant struct {
	ID             int            `json:"id"`
	Name           string         `json:"name"`
	Neighborhood   string         `json:"neighborhood"`
	Photograph     string         `json:"photograph,omitempty"`
	Address        string         `json:"address"`
	LatLng         LatLng         `json:"latlng"`
	CuisineType    string         `json:"cuisine_type"`
	OperatingHours OperatingHours `json:"operating_hours,omitempty"`
	IsFavorite     FlexBool       `json:"is_favorite"`
	CreatedAt      any            `json:"createdAt,omitempty"`
	UpdatedAt      any            `json:"updatedAt,omitempty"`
}

// FlexString decodes a JSON number or string into its text. Review ids are
// numeric once the server assigned them and correlation ids before that;
// numeric fields echoed from form posts may arrive as strings.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = FlexString(data)
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseFloat(string(f), 64); err == nil {
		return []byte(f), nil
	}
	return json.Marshal(string(f))
}

// Review is a restaurant review.
type Review struct {
	ID           FlexString `json:"id,omitempty"`
	RestaurantID FlexString `json:"restaurant_id"`
	Name         string     `json:"name"`
	Rating       FlexString `json:"rating"`
	Comments     string     `json:"comments"`
	StorageLocal string     `json:"storageLocal,omitempty"`
	CreatedAt    any        `json:"createdAt,omitempty"`
	UpdatedAt    any        `json:"updatedAt,omitempty"`
}

// Pending reports whether the review was written offline and not replayed yet.
func (r Review) Pending() bool { return r.StorageLocal != "" }

// ReviewInput is the body of POST /reviews/.
type ReviewInput struct {
	RestaurantID int    `json:"restaurant_id"`
	Name         string `json:"name"`
	Rating       int    `json:"rating"`
	Comments     string `json:"comments"`
}
