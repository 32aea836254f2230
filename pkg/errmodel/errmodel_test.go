package errmodel

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNewAndFrom(t *testing.T) {
	e := Validation("missing", "field missing", map[string]any{"field": "endpoint"})
	if e.Category != CategoryValidation || e.Code != "missing" {
		t.Fatalf("unexpected: %#v", e)
	}
	if got := From(e); got != e {
		t.Fatalf("From should return same error instance")
	}
}

func TestWriteHTTP_StatusAndEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	WriteHTTP(rr, req, Validation("bad_json", "oops", nil))
	if rr.Code != 400 {
		t.Fatalf("status=%d want 400", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"category\":\"validation\"") {
		t.Fatalf("body missing category: %s", body)
	}
	if !strings.Contains(body, "\"code\":\"bad_json\"") {
		t.Fatalf("body missing code: %s", body)
	}
}

func TestCategories_SurviveWrapping(t *testing.T) {
	netErr := fmt.Errorf("get /fridge/: %w", Network("GET", "/fridge/", io.ErrUnexpectedEOF))
	if !IsNetwork(netErr) || IsServer(netErr) {
		t.Fatalf("network classification lost through wrapping: %v", netErr)
	}
	if !errors.Is(netErr, io.ErrUnexpectedEOF) {
		t.Fatalf("cause should stay reachable via errors.Is")
	}

	srvErr := fmt.Errorf("post: %w", Server("POST", "/fridge/", 422, []byte(`{"code":"bad"}`)))
	if !IsServer(srvErr) || IsNetwork(srvErr) {
		t.Fatalf("server classification lost: %v", srvErr)
	}
	if From(srvErr).Status != 422 {
		t.Fatalf("status=%d want 422", From(srvErr).Status)
	}
}

func TestHTTPStatus_Taxonomy(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Server("POST", "/x", 422, nil), 422},
		{Server("GET", "/x", 503, nil), 503},
		{Network("GET", "/x", nil), 502},
		{NoOfflineData("/x"), 503},
		{Storage("put", io.EOF), 500},
		{nil, 500},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "ü" is two bytes; 255 of them put a rune boundary off every odd offset.
	long := strings.Repeat("ü", 255)
	e := Server("POST", "/fridge/", 500, []byte(`{"message":"`+long+`"}`))
	for k, v := range e.Context {
		if s, ok := v.(string); ok && !utf8.ValidString(s) {
			t.Fatalf("context %q is not valid UTF-8", k)
		}
	}

	msg := New(CategoryServer, "x", strings.Repeat("日本", 200), nil).Message
	if !utf8.ValidString(msg) || len(msg) > 512 || !strings.HasSuffix(msg, "...") {
		t.Fatalf("message len=%d valid=%v", len(msg), utf8.ValidString(msg))
	}

	for _, c := range []struct {
		in   string
		max  int
		want string
	}{
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"héllo", 5, "h..."},
		{"héllo", 6, "héllo"},
		{"ab", 0, "ab"},
	} {
		if got := truncate(c.in, c.max); got != c.want {
			t.Errorf("truncate(%q,%d)=%q want %q", c.in, c.max, got, c.want)
		}
	}
}
