package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"backstage-go/internal/config"
)

func TestResolve(t *testing.T) {
	r := NewResolver(nil, "")
	tests := []struct {
		host string
		want string
	}{
		{"localhost", "dev"},
		{"localhost:3000", "dev"},
		{"bsa.localhost", "bsa"},
		{"bsa.localhost:5173", "bsa"},
		{"unknown.localhost", "dev"},
		{"conflict-club.example.com", "conflict_club"},
		{"First-Congregational.example.com", "first_congregational"},
		{"bsa.example.com:443", "bsa"},
		{"unknown.example.com", "dev"},
		{"example.com", "dev"},
		{"", "dev"},
		{"[::1]:8080", "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.host))
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := NewResolver(nil, "")
	for i := 0; i < 50; i++ {
		assert.Equal(t, "conflict_club", r.Resolve("conflict-club.example.com"))
	}
}

func TestFromConfigProductionDefault(t *testing.T) {
	prod := FromConfig(config.TenancyConfig{Production: true, DefaultSchema: "public"})
	assert.Equal(t, "public", prod.Resolve("unknown.example.com"))
	// localhost 始终落到 dev
	assert.Equal(t, "dev", prod.Resolve("localhost"))

	nonProd := FromConfig(config.TenancyConfig{DefaultSchema: "public"})
	assert.Equal(t, "dev", nonProd.Resolve("unknown.example.com"))
}

func TestAllowed(t *testing.T) {
	r := NewResolver(nil, "")
	assert.True(t, r.Allowed("bsa"))
	assert.True(t, r.Allowed("dev"))
	assert.False(t, r.Allowed("pg_catalog"))
	assert.False(t, r.Allowed("bsa; DROP TABLE x"))
	assert.Equal(t, []string{"bsa", "conflict_club", "dev", "first_congregational"}, r.Schemas())
}
