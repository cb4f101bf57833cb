package wiki

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	collyfetcher "github.com/JakeFAU/country-content-importer/internal/fetcher/colly"
	"github.com/JakeFAU/country-content-importer/internal/httpclient"
)

func noSleep(context.Context, time.Duration) error { return nil }

// newMockClient wires the real colly transport and resilient client to an httpmock transport.
func newMockClient(t *testing.T) (*httpmock.MockTransport, *httpclient.Client) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	transport := collyfetcher.New(collyfetcher.Config{Transport: mock, Timeout: 5 * time.Second})
	client := httpclient.New(httpclient.Config{
		UserAgent:    "importer-test/1.0",
		MaxAttempts:  2,
		BreakerLimit: 100,
	}, transport, nil, nil, httpclient.WithSleep(noSleep))
	return mock, client
}

// callLog counts requests per logical upstream operation.
type callLog struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCallLog() *callLog {
	return &callLog{counts: map[string]int{}}
}

func (c *callLog) hit(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
}

func (c *callLog) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func jsonResponse(body string) *http.Response {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

// fakeTitles is an in-memory importer.TitleStore.
type fakeTitles struct {
	mu          sync.Mutex
	titles      map[string]string
	identifiers map[int64]string
}

func newFakeTitles() *fakeTitles {
	return &fakeTitles{titles: map[string]string{}, identifiers: map[int64]string{}}
}

func titleKey(id int64, lang string) string {
	return fmt.Sprintf("%d:%s", id, lang)
}

func (f *fakeTitles) CachedTitle(_ context.Context, id int64, lang string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	title, ok := f.titles[titleKey(id, lang)]
	return title, ok, nil
}

func (f *fakeTitles) SaveTitle(_ context.Context, id int64, lang, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[titleKey(id, lang)] = title
	return nil
}

func (f *fakeTitles) UpdateEntityIdentifier(_ context.Context, id int64, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identifiers[id] = identifier
	return nil
}
