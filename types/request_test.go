package types

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	const origin = "https://fikrly.uz"

	tests := []struct {
		name   string
		raw    string
		origin string
		want   string
	}{
		{"relative", "/static/main.css", origin, "/static/main.css"},
		{"relative without slash", "offline/", origin, "/offline/"},
		{"fragment dropped", "/offline/#top", origin, "/offline/"},
		{"query kept", "/search/?q=osh#r", origin, "/search/?q=osh"},
		{"same origin absolute", "https://fikrly.uz/static/main.css", origin, "/static/main.css"},
		{"same origin host case", "https://FIKRLY.uz/a?b=1", origin, "/a?b=1"},
		{"same origin default port", "https://fikrly.uz:443/a", origin, "/a"},
		{"same origin bare host", "https://fikrly.uz", origin, "/"},
		{"other host", "https://cdn.example.com/lib.js", origin, "https://cdn.example.com/lib.js"},
		{"other scheme", "http://fikrly.uz/a", origin, "http://fikrly.uz/a"},
		{"other port", "https://fikrly.uz:8443/a", origin, "https://fikrly.uz:8443/a"},
		{"no origin keeps host", "https://Fikrly.uz/a", "", "https://fikrly.uz/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.raw, tt.origin))
		})
	}
}

func TestRequestKeyUsesOrigin(t *testing.T) {
	absolute := NewRequest(http.MethodGet, "http://127.0.0.1:8080/offline/#x")
	absolute.Origin = "http://127.0.0.1:8080"

	relative := NewRequest("get", "/offline/")

	assert.Equal(t, "GET /offline/", absolute.Key())
	assert.Equal(t, relative.Key(), absolute.Key())
}
