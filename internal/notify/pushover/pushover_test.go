package pushover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

func newServer(t *testing.T, status int, body string) (*httptest.Server, func() url.Values) {
	t.Helper()
	var (
		mu   sync.Mutex
		form url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content-type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		form = r.PostForm
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() url.Values {
		mu.Lock()
		defer mu.Unlock()
		return form
	}
}

func TestSend_PostsForm(t *testing.T) {
	t.Parallel()

	srv, form := newServer(t, http.StatusOK, `{"status":1,"request":"abc"}`)
	n := New("tok", "usr", "").WithAPIURL(srv.URL)

	msg := Message{
		Title: "Arapahoe (CO) Weather Alert",
		Body:  "Tornado Warning issued May 14 (1dd0c)",
		URL:   "https://alerts.weather.gov/cap/wwacapget.php?x=CO1",
	}
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := form()
	want := map[string]string{
		"token":   "tok",
		"user":    "usr",
		"title":   msg.Title,
		"message": msg.Body,
		"url":     msg.URL,
		"sound":   DefaultSound,
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}
}

func TestSend_DisabledWithoutCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("api called without credentials")
	}))
	t.Cleanup(srv.Close)

	for _, n := range []*Notifier{New("", "usr", ""), New("tok", "", ""), New("", "", "")} {
		n.WithAPIURL(srv.URL)
		if n.Enabled() {
			t.Error("Enabled() = true without credentials")
		}
		if err := n.Send(context.Background(), Message{Title: "x"}); !errors.Is(err, ErrDisabled) {
			t.Fatalf("Send without credentials = %v, want ErrDisabled", err)
		}
	}
}

func TestSend_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, "boom", "api returned 500: boom"},
		{"bad request", http.StatusBadRequest, `{"status":0,"errors":["user key is invalid"]}`, "api returned 400"},
		{"rejected", http.StatusOK, `{"status":0,"request":"r1","errors":["application token is invalid","x"]}`, "request r1 rejected: application token is invalid; x"},
		{"not json", http.StatusOK, "<html>", "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newServer(t, tt.status, tt.body)
			n := New("tok", "usr", "siren").WithAPIURL(srv.URL)
			err := n.Send(context.Background(), Message{Title: "t", Body: "b"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSend_TruncatesAndDropsLongURL(t *testing.T) {
	t.Parallel()

	srv, form := newServer(t, http.StatusOK, `{"status":1}`)
	n := New("tok", "usr", "siren").WithAPIURL(srv.URL)

	msg := Message{
		Title: strings.Repeat("T", 300),
		Body:  strings.Repeat("B", 2000),
		URL:   "https://example.com/" + strings.Repeat("u", maxURLLen),
	}
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := form()
	if l := len(got.Get("title")); l != maxTitleLen {
		t.Errorf("title len = %d, want %d", l, maxTitleLen)
	}
	if l := len(got.Get("message")); l != maxBodyLen {
		t.Errorf("message len = %d, want %d", l, maxBodyLen)
	}
	if !strings.HasSuffix(got.Get("message"), "...") {
		t.Error("truncated message should end with ...")
	}
	if got.Has("url") {
		t.Error("oversized url should be omitted")
	}
	if got.Get("sound") != "siren" {
		t.Errorf("sound = %q, want siren", got.Get("sound"))
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "Tornado", 10, "Tornado"},
		{"exact", "Tornado", 7, "Tornado"},
		{"ascii", "Tornado Warning", 10, "Tornado..."},
		{"multibyte kept whole", "Alerta de tornado en Añasco", 27, "Alerta de tornado en Añasco"},
		{"cut after multibyte", "ñññññ", 4, "ñ..."},
		{"cut on rune boundary", "aé€😀bcdef", 6, "aé€..."},
		{"only ellipsis", "abcdef", 3, "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncate(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tt.in, tt.limit, got)
			}
		})
	}
}

func TestSend_TruncatesByCharacters(t *testing.T) {
	t.Parallel()

	srv, form := newServer(t, http.StatusOK, `{"status":1}`)
	n := New("tok", "usr", "").WithAPIURL(srv.URL)

	if err := n.Send(context.Background(), Message{Title: strings.Repeat("é", 300), Body: "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	title := form().Get("title")
	if !utf8.ValidString(title) {
		t.Fatalf("title is not valid UTF-8: %q", title)
	}
	if c := utf8.RuneCountInString(title); c != maxTitleLen {
		t.Errorf("title has %d characters, want %d", c, maxTitleLen)
	}
	if !strings.HasPrefix(title, strings.Repeat("é", maxTitleLen-3)) {
		t.Error("title lost leading characters")
	}
}

func TestSend_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, http.StatusOK, `{"status":1}`)
	n := New("tok", "usr", "").WithAPIURL(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Send(ctx, Message{Title: "t"}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
