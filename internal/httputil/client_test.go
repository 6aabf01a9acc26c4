package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(nil)

	require.NotNil(t, client)
	assert.Equal(t, time.Duration(0), client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, transport.ResponseHeaderTimeout)
	assert.Equal(t, 100, transport.MaxIdleConns)
	assert.Equal(t, 10, transport.MaxIdleConnsPerHost)
}

func TestNewClient_CustomConfig(t *testing.T) {
	client := NewClient(&ClientConfig{
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConns:          5,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       time.Minute,
	})

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, transport.ResponseHeaderTimeout)
	assert.Equal(t, 5, transport.MaxIdleConns)
	assert.Equal(t, 2, transport.MaxIdleConnsPerHost)
}

func TestNewClient_DoesNotFollowRedirects(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer target.Close()

	client := NewClient(nil)
	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		maxLen int
		want   string
	}{
		{"empty", nil, 10, ""},
		{"short", []byte("hello"), 10, "hello"},
		{"truncated", []byte("hello world"), 5, "hello"},
		{"invalid_utf8_escaped", []byte{0xff, 0xfe}, 10, `\xff\xfe`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Preview(tt.data, tt.maxLen)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPreview_EscapesQuotes(t *testing.T) {
	got := Preview([]byte(`{"error":"bad"}`), 100)
	assert.True(t, strings.Contains(got, "error"))
}
