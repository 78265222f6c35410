package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
websites:
  - id: essays
    name: Essay Pros
    domain: essaypros.example
    active: true
  - id: thesis
    name: Thesis Hub
    domain: thesishub.example
    active: true
  - id: retired
    name: Old Brand
    domain: old.example
    active: false
`

func writeRegistry(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "websites.yaml")
	require.NoError(t, os.WriteFile(p, []byte(registryYAML), 0o600))
	return p
}

func TestLoad_AndResolve(t *testing.T) {
	r, err := Load(writeRegistry(t), "essays")
	require.NoError(t, err)

	w, err := r.Resolve("thesis", "")
	require.NoError(t, err)
	assert.Equal(t, "Thesis Hub", w.Name)

	w, err = r.Resolve("", "ThesisHub.example:443")
	require.NoError(t, err)
	assert.Equal(t, "thesis", w.ID)

	w, err = r.Resolve("", "unknown.example")
	require.NoError(t, err)
	assert.Equal(t, "essays", w.ID, "unknown host falls back to default")

	_, err = r.Resolve("retired", "")
	assert.ErrorIs(t, err, ErrUnknownWebsite)
	_, err = r.Resolve("", "old.example")
	assert.ErrorIs(t, err, ErrUnknownWebsite)
	_, err = r.Resolve("nope", "essaypros.example")
	assert.ErrorIs(t, err, ErrUnknownWebsite, "explicit id wins over host")
}

func TestLoad_DefaultOnly(t *testing.T) {
	r, err := Load("", "main")
	require.NoError(t, err)
	w, err := r.Resolve("", "")
	require.NoError(t, err)
	assert.Equal(t, "main", w.ID)
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry([]Website{{ID: "a", Active: true}, {ID: "a", Active: true}}, "a")
	assert.Error(t, err, "duplicate id")

	_, err = NewRegistry([]Website{{ID: " ", Active: true}}, "")
	assert.Error(t, err, "blank id")

	_, err = NewRegistry([]Website{{ID: "a", Active: false}}, "a")
	assert.Error(t, err, "inactive default")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), "a")
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithWebsite(context.Background(), Website{ID: "essays", Active: true})
	w, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "essays", w.ID)
	assert.Equal(t, "essays", IDFromContext(ctx))
	assert.Equal(t, "", IDFromContext(context.Background()))
}
