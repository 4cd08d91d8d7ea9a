package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testPulse(t *testing.T, baseURL string) *Pulse {
	t.Helper()
	p := NewPulse(PulseOptions{
		BaseURL:       baseURL,
		GameType:      "CSGO",
		Market:        "steam",
		DeviceID:      "dev-1",
		Authorization: "Bearer token",
		Cookie:        "session=abc",
		Origin:        "https://example.test",
		Referer:       "https://example.test/item",
		FetchHours:    44,
	}, zerolog.Nop())
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return p
}

func TestPulseFetchHistoryParsesAndSorts(t *testing.T) {
	var gotReq pulseRequest
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/item/info" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		// millisecond timestamps, out of order, with invalid rows mixed in
		w.Write([]byte(`{"history":{"canUseHistory":true,"historyPoints":[
			{"timeSpan":1699999000000,"averagePrice":2.5,"count":3},
			{"timeSpan":1699990000000,"averagePrice":2.1,"count":1},
			{"timeSpan":0,"averagePrice":9.9,"count":1},
			{"timeSpan":1699995000000,"averagePrice":0,"count":1},
			{"timeSpan":1699996000000,"averagePrice":1.5,"count":-1}
		]}}`))
	}))
	defer srv.Close()

	points, err := testPulse(t, srv.URL).FetchHistory(context.Background(), "AK-47 | Redline")
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}

	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[0].TS != 1699990000 || points[1].TS != 1699999000 {
		t.Errorf("points not sorted to seconds: %+v", points)
	}
	if points[0].Price != 2.1 || points[1].Count != 3 {
		t.Errorf("unexpected point values: %+v", points)
	}

	if gotReq.MarketHashName != "AK-47 | Redline" {
		t.Errorf("marketHashName = %q", gotReq.MarketHashName)
	}
	if gotReq.MaxTimestamp != 1_700_000_000 {
		t.Errorf("maxTimestamp = %d", gotReq.MaxTimestamp)
	}
	if want := int64(1_700_000_000 - 44*3600); gotReq.MinTimestamp != want {
		t.Errorf("minTimestamp = %d, want %d", gotReq.MinTimestamp, want)
	}
	if gotHeaders.Get("Device-Id") != "dev-1" || gotHeaders.Get("Authorization") != "Bearer token" {
		t.Errorf("auth headers missing: %v", gotHeaders)
	}
	if gotHeaders.Get("Origin") != "https://example.test" {
		t.Errorf("origin header = %q", gotHeaders.Get("Origin"))
	}
}

func TestPulseFetchHistoryNoHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"history":{"canUseHistory":false,"historyPoints":[]}}`))
	}))
	defer srv.Close()

	if _, err := testPulse(t, srv.URL).FetchHistory(context.Background(), "x"); err == nil {
		t.Fatal("expected error for unusable history")
	}
}

func TestPulseFetchHistoryClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := testPulse(t, srv.URL)
	p.opts.MaxRetries = 3
	p.opts.RetryInitialDelay = time.Millisecond

	if _, err := p.FetchHistory(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 403")
	}
	if calls != 1 {
		t.Errorf("403 retried %d times, want single attempt", calls)
	}
}

func TestPulseFetchHistoryRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"history":{"canUseHistory":true,"historyPoints":[
			{"timeSpan":1699990000,"averagePrice":1.0,"count":1}
		]}}`))
	}))
	defer srv.Close()

	p := testPulse(t, srv.URL)
	p.opts.MaxRetries = 5
	p.opts.RetryInitialDelay = time.Millisecond

	points, err := p.FetchHistory(context.Background(), "x")
	if err != nil {
		t.Fatalf("FetchHistory after retries: %v", err)
	}
	if len(points) != 1 || calls != 3 {
		t.Errorf("points=%d calls=%d, want 1 point on third attempt", len(points), calls)
	}
}
