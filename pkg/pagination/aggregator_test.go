package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeFetcher serves canned pages and records every fetch.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[int]*Page
	calls   []int
	failOn  int
	failErr error
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ string, page, _ int) (*Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	f.mu.Unlock()

	if f.failOn != 0 && page == f.failOn {
		return nil, f.failErr
	}
	p, ok := f.pages[page]
	if !ok {
		return nil, fmt.Errorf("no page %d configured", page)
	}
	return p, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// pagedFixture builds a fetcher whose page 1 announces rel="last" -> page n
// and whose pages each hold the given items.
func pagedFixture(items ...[]string) *fakeFetcher {
	last := len(items)
	pages := make(map[int]*Page, last)
	for i, pageItems := range items {
		body, _ := json.Marshal(pageItems)
		page := &Page{Number: i + 1, Body: body, Links: PageLinkSet{}}
		if i == 0 && last > 1 {
			page.Links = PageLinkSet{
				"last": fmt.Sprintf("https://api.intra.42.fr/v2/campus?page=%d", last),
			}
		}
		pages[i+1] = page
	}
	return &fakeFetcher{pages: pages}
}

func TestGetAll_SinglePageObject(t *testing.T) {
	body := json.RawMessage(`{"id": 9, "name": "Lyon"}`)
	fetcher := &fakeFetcher{pages: map[int]*Page{
		1: {Number: 1, Body: body, Links: PageLinkSet{}},
	}}

	agg := NewAggregator(fetcher)
	result, err := agg.GetAll(context.Background(), "/campus/9")
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}

	if string(result) != string(body) {
		t.Errorf("GetAll() = %s, want the page-1 body verbatim", result)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("Fetch calls = %d, want 1", fetcher.callCount())
	}
}

func TestGetAll_SinglePageArray(t *testing.T) {
	body := json.RawMessage(`[{"id": 1}, {"id": 2}]`)
	fetcher := &fakeFetcher{pages: map[int]*Page{
		1: {Number: 1, Body: body, Links: PageLinkSet{
			"next": "https://api.intra.42.fr/v2/campus?page=2", // no "last"
		}},
	}}

	agg := NewAggregator(fetcher)
	result, err := agg.GetAll(context.Background(), "/campus")
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}

	if string(result) != string(body) {
		t.Errorf("GetAll() = %s, want the page-1 body verbatim", result)
	}
}

func TestGetAll_FansOutAndOrders(t *testing.T) {
	fetcher := pagedFixture(
		[]string{"a1", "a2"},
		[]string{"b1", "b2"},
		[]string{"c1"},
		[]string{"d1", "d2", "d3"},
	)

	agg := NewAggregator(fetcher)
	result, err := agg.GetAll(context.Background(), "/campus")
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}

	var items []string
	if err := json.Unmarshal(result, &items); err != nil {
		t.Fatalf("Result is not a JSON array: %v", err)
	}

	expected := []string{"a1", "a2", "b1", "b2", "c1", "d1", "d2", "d3"}
	if len(items) != len(expected) {
		t.Fatalf("Items = %v, want %v", items, expected)
	}
	for i := range expected {
		if items[i] != expected[i] {
			t.Fatalf("Items = %v, want page-ascending order %v", items, expected)
		}
	}

	// 1 sequential + 3 concurrent fetches, exactly one per page.
	if fetcher.callCount() != 4 {
		t.Errorf("Fetch calls = %d, want 4", fetcher.callCount())
	}
}

func TestGetAll_AllPagesEmpty(t *testing.T) {
	fetcher := pagedFixture(
		[]string{},
		[]string{},
		[]string{},
	)

	agg := NewAggregator(fetcher)
	result, err := agg.GetAll(context.Background(), "/campus")
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}

	if string(result) != "[]" {
		t.Errorf("GetAll() = %s, want an empty JSON array", result)
	}
}

func TestGetAll_FailingPageFailsAll(t *testing.T) {
	fetcher := pagedFixture(
		[]string{"a1"},
		[]string{"b1"},
		[]string{"c1"},
	)
	terminal := errors.New("retries exhausted")
	fetcher.failOn = 3
	fetcher.failErr = terminal

	agg := NewAggregator(fetcher)
	_, err := agg.GetAll(context.Background(), "/campus")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, terminal) {
		t.Errorf("Error = %v, want it to wrap the page failure", err)
	}
}

func TestGetAll_FirstPageFailure(t *testing.T) {
	terminal := errors.New("boom")
	fetcher := &fakeFetcher{failOn: 1, failErr: terminal}

	agg := NewAggregator(fetcher)
	_, err := agg.GetAll(context.Background(), "/campus")
	if !errors.Is(err, terminal) {
		t.Errorf("Error = %v, want the page-1 failure", err)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("Fetch calls = %d, want 1 (no fan-out after page-1 failure)", fetcher.callCount())
	}
}

func TestGetAll_PerPageOption(t *testing.T) {
	var gotPerPage int
	fetcher := &fetchFunc{fn: func(_ context.Context, _ string, page, perPage int) (*Page, error) {
		gotPerPage = perPage
		return &Page{Number: page, Body: json.RawMessage(`[]`), Links: PageLinkSet{}}, nil
	}}

	agg := NewAggregator(fetcher, WithPerPage(30))
	if _, err := agg.GetAll(context.Background(), "/campus"); err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if gotPerPage != 30 {
		t.Errorf("perPage = %d, want 30", gotPerPage)
	}
}

// fetchFunc adapts a function to the PageFetcher interface.
type fetchFunc struct {
	fn func(ctx context.Context, endpoint string, page, perPage int) (*Page, error)
}

func (f *fetchFunc) FetchPage(ctx context.Context, endpoint string, page, perPage int) (*Page, error) {
	return f.fn(ctx, endpoint, page, perPage)
}
