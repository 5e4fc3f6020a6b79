package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const restaurantsFixture = `[
	{"id":1,"name":"Mission Chinese Food","neighborhood":"Manhattan","cuisine_type":"Asian","is_favorite":"true"},
	{"id":2,"name":"Emily","neighborhood":"Brooklyn","cuisine_type":"Pizza","is_favorite":false},
	{"id":3,"name":"Kang Ho Dong Baekjeong","neighborhood":"Manhattan","cuisine_type":"Asian"}
]`

func newBackendServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/restaurants", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(restaurantsFixture))
	})
	mux.HandleFunc("/restaurants/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			if r.URL.Path == "/restaurants/9" {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"error":"not found"}`))
				return
			}
			w.Write([]byte(`{"id":2,"name":"Emily","is_favorite":"false"}`))
		case http.MethodPut:
			w.Write([]byte(`{"id":2,"is_favorite":true}`))
		}
	})
	mux.HandleFunc("/reviews/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"31","restaurant_id":"1","name":"Ann","rating":"4","comments":"ok"}`))
			return
		}
		// Some backends ignore the filter.
		w.Write([]byte(`[
			{"id":1,"restaurant_id":1,"name":"Steve","rating":4,"comments":"Fine"},
			{"id":2,"restaurant_id":"2","name":"Morgan","rating":"5","comments":"Great"}
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRestaurants(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := newBackendServer(t, &hits)
	c := NewClient(srv.URL+"/", WithClientTimeout(5*time.Second))

	t.Run("list is reused", func(t *testing.T) {
		list, err := c.Restaurants(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.True(t, bool(list[0].IsFavorite))
		assert.False(t, bool(list[2].IsFavorite))

		_, err = c.Restaurants(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("filters", func(t *testing.T) {
		asian, err := c.RestaurantsBy(ctx, "Asian", "all")
		require.NoError(t, err)
		assert.Len(t, asian, 2)

		pizza, err := c.RestaurantsBy(ctx, "Pizza", "Manhattan")
		require.NoError(t, err)
		assert.Empty(t, pizza)

		hoods, err := c.Neighborhoods(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Manhattan", "Brooklyn"}, hoods)

		cuisines, err := c.Cuisines(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Asian", "Pizza"}, cuisines)
	})

	t.Run("by id", func(t *testing.T) {
		r, err := c.Restaurant(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "Emily", r.Name)

		_, err = c.Restaurant(ctx, 9)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	})

	t.Run("favorite updates the cached list", func(t *testing.T) {
		res, err := c.ToggleFavorite(ctx, 2, true)
		require.NoError(t, err)
		assert.False(t, res.Deferred)
		assert.Equal(t, http.StatusOK, res.Status)

		list, err := c.Restaurants(ctx)
		require.NoError(t, err)
		assert.True(t, bool(list[1].IsFavorite))
		assert.Equal(t, int32(1), hits.Load())
	})
}

func TestClientReviews(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	c := NewClient(newBackendServer(t, &hits).URL)

	t.Run("reviews are filtered by restaurant", func(t *testing.T) {
		reviews, err := c.ReviewsFor(ctx, 2)
		require.NoError(t, err)
		require.Len(t, reviews, 1)
		assert.Equal(t, "Morgan", reviews[0].Name)
		assert.Equal(t, FlexString("5"), reviews[0].Rating)
		assert.False(t, reviews[0].Pending())
	})

	t.Run("add review", func(t *testing.T) {
		res, err := c.AddReview(ctx, ReviewInput{RestaurantID: 1, Name: "Ann", Rating: 4, Comments: "ok"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, res.Status)
		assert.JSONEq(t, `{"id":"31","restaurant_id":"1","name":"Ann","rating":"4","comments":"ok"}`, string(res.Data))
	})

	t.Run("validation", func(t *testing.T) {
		_, err := c.AddReview(ctx, ReviewInput{RestaurantID: 1, Name: "Ann", Rating: 6})
		assert.Error(t, err)
		_, err = c.AddReview(ctx, ReviewInput{RestaurantID: 1, Name: "  ", Rating: 3})
		assert.Error(t, err)
	})

	t.Run("deferred answer", func(t *testing.T) {
		deferred := NewClient(testAPIOrigin, WithRoundTripper(roundTripFunc(func(req *http.Request) (*http.Response, error) {
			resp := jsonHTTPResponse(http.StatusFound, `{"restaurant_id":1}`)
			resp.Header.Set(DeferredHeader, "0190c3e0-7c1e-7000-8000-000000000000")
			return resp, nil
		})))
		res, err := deferred.AddReview(ctx, ReviewInput{RestaurantID: 1, Name: "Ann", Rating: 4})
		require.NoError(t, err)
		assert.True(t, res.Deferred)
		assert.Equal(t, "0190c3e0-7c1e-7000-8000-000000000000", res.CorrelationID)
	})
}
