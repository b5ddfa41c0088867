package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://app.example.com"}

	tests := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{"no origin header allows non-browser clients", "", false},
		{"exact match", "http://localhost:3000", false},
		{"second allowed origin", "https://app.example.com", false},
		{"scheme mismatch", "https://localhost:3000", true},
		{"host mismatch", "http://evil.example.com", true},
		{"subdomain is not a match", "https://sub.app.example.com", true},
		{"port mismatch", "http://localhost:3001", true},
		{"garbage origin", "://not a url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws/rooms/r1", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			err := validateOrigin(req, allowed)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
