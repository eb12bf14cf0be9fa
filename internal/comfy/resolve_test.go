package comfy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveBase(t *testing.T) {
	tests := []struct {
		name          string
		host          string
		secureDefault bool
		want          string
	}{
		{"bare host gets http", "127.0.0.1:8188", false, "http://127.0.0.1:8188"},
		{"bare host gets https when secure", "example.com", true, "https://example.com"},
		{"explicit http kept", "http://example.com", true, "http://example.com"},
		{"explicit https kept", "https://example.com", false, "https://example.com"},
		{"trailing slash stripped", "http://example.com/", false, "http://example.com"},
		{"whitespace trimmed", "  192.168.1.5:8188  ", false, "http://192.168.1.5:8188"},
		{"schemeless with slash", "host:8188/", false, "http://host:8188"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveBase(tt.host, tt.secureDefault))
		})
	}
}

func TestAuthHeader(t *testing.T) {
	h := AuthHeader("secret-token")
	assert.Equal(t, "Bearer secret-token", h.Get("Authorization"))

	assert.Empty(t, AuthHeader(""))
}

func TestViewURL(t *testing.T) {
	got := ViewURL("http://host:8188", ImageRef{
		Filename:  "ComfyUI_00001_.png",
		Subfolder: "batch 1",
		Type:      "output",
	})
	assert.Equal(t, "http://host:8188/view?filename=ComfyUI_00001_.png&subfolder=batch+1&type=output", got)
}

func TestPushURL(t *testing.T) {
	got := PushURL("http://host:8188", "client-1", "")
	assert.Equal(t, "ws://host:8188/ws?clientId=client-1", got)

	got = PushURL("https://host", "client-1", "tok/en")
	assert.Equal(t, "wss://host/ws?clientId=client-1&token=tok%2Fen", got)
}
