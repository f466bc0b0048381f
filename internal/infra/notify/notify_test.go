package notify

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
)

func TestLogDispatcherFormatsMetadata(t *testing.T) {
	var buf bytes.Buffer
	d := NewLogDispatcher(log.New(&buf, "", 0))
	require.NoError(t, d.Dispatch(context.Background(), "AAPL price alert", "Apple rose above 150.00 at 151.00",
		map[string]string{"symbol": "AAPL", "direction": "up"}))
	require.Equal(t, "AAPL price alert: Apple rose above 150.00 at 151.00 [direction=up symbol=AAPL]\n", buf.String())
}

func TestWebhookDispatcherPostsJSON(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	d, err := NewWebhookDispatcher(srv.URL, nil, time.Second)
	require.NoError(t, err)
	fixed := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	require.NoError(t, d.Dispatch(context.Background(), "title", "body", map[string]string{"symbol": "AAPL"}))
	require.Equal(t, "title", got.Title)
	require.Equal(t, "body", got.Body)
	require.Equal(t, "AAPL", got.Metadata["symbol"])
	require.True(t, fixed.Equal(got.SentAt))
}

func TestWebhookDispatcherStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		code   errs.Code
	}{
		{http.StatusUnauthorized, errs.CodePermission},
		{http.StatusForbidden, errs.CodePermission},
		{http.StatusTooManyRequests, errs.CodeRateLimited},
		{http.StatusInternalServerError, errs.CodeUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)
			d, err := NewWebhookDispatcher(srv.URL, srv.Client(), 0)
			require.NoError(t, err)
			err = d.Dispatch(context.Background(), "t", "b", nil)
			require.True(t, errs.Is(err, tc.code), "got %v", err)
		})
	}
}

func TestWebhookDispatcherRequiresHTTPURL(t *testing.T) {
	_, err := NewWebhookDispatcher("ftp://example.test", nil, 0)
	require.True(t, errs.IsValidation(err))
}
