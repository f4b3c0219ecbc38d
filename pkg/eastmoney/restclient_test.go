package eastmoney

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func jsonp(body string) string {
	return "jQuery112303110525374636799_1717587517921(" + body + ");"
}

func newTestClient(url string, opts ...Option) *RESTClient {
	opts = append([]Option{WithUT("test-ut"), WithUserAgent("Mozilla/5.0 test")}, opts...)
	return NewRESTClient(url, 5*time.Second, opts...)
}

// go test -v --run TestUnwrapJSONP
func TestUnwrapJSONP(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `cb({"a":1});`, `{"a":1}`},
		{"paren inside string", `jQuery1_2({"name":"Ping An (A) )","v":[1,2]})`, `{"name":"Ping An (A) )","v":[1,2]}`},
		{"nested call text", `cb({"note":"f(x) = g(y)"})`, `{"note":"f(x) = g(y)"}`},
		{"whitespace", "cb(\n {\"a\":1} \n)\n", `{"a":1}`},
	}

	for _, tt := range tests {
		got, err := UnwrapJSONP([]byte(tt.in))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if string(got) != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}

	for _, bad := range []string{`{"a":1}`, `cb(`, `)(`, ``} {
		if _, err := UnwrapJSONP([]byte(bad)); !errors.Is(err, ErrParse) {
			t.Errorf("UnwrapJSONP(%q): expected ErrParse, got %v", bad, err)
		}
	}
}

// go test -v --run TestGetFlowFields
func TestGetFlowFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != listPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("secids") != "1.600001" || q.Get("fields") != "f62,f184,f66" || q.Get("ut") != "test-ut" || q.Get("fltt") != "2" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if !strings.HasPrefix(q.Get("cb"), "jQuery") || q.Get("_") == "" {
			t.Errorf("missing cache buster: %s", r.URL.RawQuery)
		}
		if ua := r.Header.Get("User-Agent"); ua != "Mozilla/5.0 test" {
			t.Errorf("User-Agent = %q", ua)
		}
		fmt.Fprint(w, jsonp(`{"rc":0,"rt":11,"data":{"total":1,"diff":[{"f12":"600001","f62":12345.5,"f184":"-2.5","f66":"-"}]}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	fields, err := client.GetFlowFields(context.Background(), "1.600001", []string{"f62", "f184", "f66"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fields["f62"] != 12345.5 {
		t.Errorf("f62 = %v, want 12345.5", fields["f62"])
	}
	if fields["f184"] != -2.5 {
		t.Errorf("f184 = %v, want -2.5", fields["f184"])
	}
	if _, ok := fields["f66"]; ok {
		t.Error(`f66 reported as "-" should be absent`)
	}
}

// go test -v --run TestGetFlowFieldsDiffObject
func TestGetFlowFieldsDiffObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, jsonp(`{"rc":0,"data":{"total":1,"diff":{"0":{"f62":-50.0}}}}`))
	}))
	defer server.Close()

	fields, err := newTestClient(server.URL).GetFlowFields(context.Background(), "0.000001", []string{"f62"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fields["f62"] != -50 {
		t.Errorf("f62 = %v, want -50", fields["f62"])
	}
}

// go test -v --run TestGetFlowFieldsErrors
func TestGetFlowFieldsErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"missing field", 200, jsonp(`{"rc":0,"data":{"diff":[{"f184":1.2}]}}`), ErrSchema},
		{"null data", 200, jsonp(`{"rc":102,"data":null}`), ErrSchema},
		{"empty diff", 200, jsonp(`{"rc":0,"data":{"total":0,"diff":[]}}`), ErrSchema},
		{"non numeric value", 200, jsonp(`{"rc":0,"data":{"diff":[{"f62":"abc"}]}}`), ErrSchema},
		{"bad json", 200, jsonp(`{"rc":0,"data":`), ErrParse},
		{"no envelope", 200, `<html>blocked</html>`, ErrParse},
		{"not found", 404, "not found", ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).GetFlowFields(context.Background(), "1.600001", []string{"f62"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// go test -v --run TestRetry
func TestRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, jsonp(`{"rc":0,"data":{"diff":[{"f62":1}]}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithRetry(2, time.Millisecond))

	if _, err := client.GetFlowFields(context.Background(), "1.600001", []string{"f62"}); err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

// go test -v --run TestNoRetryOnClientError
func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithRetry(3, time.Millisecond))

	_, err := client.GetFlowFields(context.Background(), "1.600001", []string{"f62"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 APIError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

// go test -v --run TestContextCancelled
func TestContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(server.URL, WithRetry(5, time.Millisecond)).GetFlowFields(ctx, "1.600001", []string{"f62"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline in chain, got %v", err)
	}
}

// go test -v --run TestGetFlowKlines
func TestGetFlowKlines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != flowKlinePath || r.URL.Query().Get("secid") != "0.000001" {
			t.Errorf("unexpected request: %s", r.URL)
		}
		fmt.Fprint(w, jsonp(`{"rc":0,"data":{"code":"000001","market":0,"name":"PA","klines":[
			"2024-06-05 09:31,-100.0,50.0,30.0,-60.0,-40.0",
			"broken row",
			"2024-06-05 09:32,-120.5,55.0,35.0,-70.0,-50.5,0,0,0,0"]}}`))
	}))
	defer server.Close()

	loc := time.FixedZone("CST", 8*3600)
	klines, err := newTestClient(server.URL).GetFlowKlines(context.Background(), "0.000001", loc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("got %d klines, want 2", len(klines))
	}

	last := klines[len(klines)-1]
	if !last.Time.Equal(time.Date(2024, 6, 5, 9, 32, 0, 0, loc)) {
		t.Errorf("last time = %s", last.Time)
	}
	if last.MainNet != -120.5 || last.SuperLargeNet != -50.5 {
		t.Errorf("unexpected last kline: %+v", last)
	}
}

// go test -v --run TestGetFlowKlinesEmpty
func TestGetFlowKlinesEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, jsonp(`{"rc":0,"data":{"code":"000001","klines":[]}}`))
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).GetFlowKlines(context.Background(), "0.000001", time.UTC); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}

// go test -v --run TestParseFields
func TestParseFields(t *testing.T) {
	fields, err := ParseFields([]string{"f62", "f184"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := Labels(fields); got[0] != "main_net_inflow" || got[1] != "main_net_ratio" {
		t.Errorf("labels = %v", got)
	}
	if got := Codes(fields); got[0] != "f62" || got[1] != "f184" {
		t.Errorf("codes = %v", got)
	}
	if !FieldMainNet.IsValid() || Field("f999").IsValid() {
		t.Error("IsValid mismatch")
	}
	if _, err := ParseFields([]string{"f62", "f999"}); err == nil {
		t.Error("expected error for unknown field, got nil")
	}
}

// go test -v --run TestGetFlowFieldsLive
func TestGetFlowFieldsLive(t *testing.T) {
	if os.Getenv("EASTMONEY_LIVE") == "" {
		t.Skip("set EASTMONEY_LIVE=1 to hit push2.eastmoney.com")
	}

	client := NewRESTClient("https://push2.eastmoney.com", 10*time.Second,
		WithUT("b2884a393a59ad64002292a3e90d46a5"),
		WithUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"),
	)

	// Context with timeout for safety
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fields, err := client.GetFlowFields(ctx, "1.600519", []string{"f62", "f184"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Logf("got fields: %v", fields)
}
