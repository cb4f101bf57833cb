package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/country-content-importer/internal/httpclient"
)

func TestFetcherReturnsBodyAndForwardsHeaders(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	var gotUA, gotAccept string
	mock.RegisterResponder(http.MethodGet, "https://en.wikipedia.org/api/rest_v1/page/html/Germany",
		func(req *http.Request) (*http.Response, error) {
			gotUA = req.Header.Get("User-Agent")
			gotAccept = req.Header.Get("Accept")
			return httpmock.NewStringResponse(http.StatusOK, "<section><h2>Geography</h2></section>"), nil
		})

	f := New(Config{UserAgent: "collector-default", Timeout: time.Second, Transport: mock})
	resp, err := f.Do(context.Background(), "https://en.wikipedia.org/api/rest_v1/page/html/Germany", http.Header{
		"User-Agent": {"importer-test/1.0"},
		"Accept":     {"text/html"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "Geography")
	assert.Equal(t, "importer-test/1.0", gotUA)
	assert.Equal(t, "text/html", gotAccept)
}

func TestFetcherConcurrentRequestsShareConfiguredCollector(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	var (
		mu  sync.Mutex
		uas []string
	)
	mock.RegisterResponder(http.MethodGet, `=~^https://[a-z]+\.wikipedia\.org/api/rest_v1/page/summary/`,
		func(req *http.Request) (*http.Response, error) {
			mu.Lock()
			uas = append(uas, req.Header.Get("User-Agent"))
			mu.Unlock()
			return httpmock.NewStringResponse(http.StatusOK, `{"extract":"ok"}`), nil
		})

	f := New(Config{UserAgent: "importer-test/1.0", Timeout: 2 * time.Second, Transport: mock})
	langs := []string{"en", "de", "es", "zh", "hi", "fr", "it", "ja"}
	var wg sync.WaitGroup
	errs := make([]error, len(langs))
	for i, lang := range langs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.Do(context.Background(), "https://"+lang+".wikipedia.org/api/rest_v1/page/summary/X", nil)
			if err == nil && resp.Status != http.StatusOK {
				err = errors.New(http.StatusText(resp.Status))
			}
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, uas, len(langs))
	for _, ua := range uas {
		assert.Equal(t, "importer-test/1.0", ua)
	}
}

func TestFetcherPassesErrorStatusesThrough(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, "https://de.wikipedia.org/api/rest_v1/page/html/Deutschland",
		httpmock.NewStringResponder(http.StatusForbidden, "blocked"))
	mock.RegisterResponder(http.MethodGet, "https://de.wikipedia.org/w/api.php",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	f := New(Config{Transport: mock})
	resp, err := f.Do(context.Background(), "https://de.wikipedia.org/api/rest_v1/page/html/Deutschland", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.Status)

	// Same URL twice must not be rejected as already visited.
	for i := 0; i < 2; i++ {
		resp, err = f.Do(context.Background(), "https://de.wikipedia.org/w/api.php?action=parse", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	}
	assert.Equal(t, 2, mock.GetCallCountInfo()["GET https://de.wikipedia.org/w/api.php"])
}

func TestFetcherTransportError(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, "https://query.wikidata.org/sparql",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	f := New(Config{Transport: mock})
	_, err := f.Do(context.Background(), "https://query.wikidata.org/sparql", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFetcherHonorsContext(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, "https://es.wikipedia.org/w/api.php",
		func(*http.Request) (*http.Response, error) {
			time.Sleep(300 * time.Millisecond)
			return httpmock.NewStringResponse(http.StatusOK, "late"), nil
		})

	f := New(Config{Transport: mock})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Do(ctx, "https://es.wikipedia.org/w/api.php", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetcherDrivesResilientClient(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, "https://hi.wikipedia.org/w/api.php",
		httpmock.NewStringResponder(http.StatusTooManyRequests, "").Times(1).
			Then(httpmock.NewStringResponder(http.StatusOK, `{"ok":true}`)))

	client := httpclient.New(httpclient.Config{MaxAttempts: 3}, New(Config{Transport: mock}), nil, nil,
		httpclient.WithSleep(func(context.Context, time.Duration) error { return nil }))

	var out struct {
		OK bool `json:"ok"`
	}
	status, err := client.GetJSON(context.Background(), httpclient.Request{
		URL:    "https://hi.wikipedia.org/w/api.php",
		Params: url.Values{"action": {"query"}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, out.OK)
	assert.Equal(t, 2, mock.GetTotalCallCount())
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var result httpclient.Response
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, http.Header{"X-Trace": {"yes"}}, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{StatusCode: http.StatusCreated, Body: []byte("body")})
	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Equal(t, "body", string(result.Body))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
