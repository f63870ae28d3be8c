package httpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "/"},
		{"/", "/"},
		{"/health", "/health"},
		{"/users/42", "/users/:id"},
		{"/users/42/orders/7", "/users/:id/orders/:id"},
		{"/items/550e8400-e29b-41d4-a716-446655440000", "/items/:id"},
		{"/docs/507f1f77bcf86cd799439011", "/docs/:id"},
		{"/v2/users", "/v2/users"},
		{"/search?q=1", "/search"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.input))
		})
	}
}

func TestPatternPath(t *testing.T) {
	assert.Equal(t, "/users/{id}", patternPath("GET /users/{id}"))
	assert.Equal(t, "/users/{id}", patternPath("/users/{id}"))
	assert.Equal(t, "/static/", patternPath("example.com/static/"))
}
