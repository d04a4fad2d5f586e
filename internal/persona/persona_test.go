package persona

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	id, err := Parse("  Officer_K ")
	require.NoError(t, err)
	assert.Equal(t, OfficerK, id)

	id, err = Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default, id)

	_, err = Parse("personaD")
	assert.True(t, errors.Is(err, ErrUnknown))
}

func TestHasTextSourceIsPerPersona(t *testing.T) {
	c := NewCatalog(t.TempDir(), map[string]string{
		"joi":       "https://cdn.example.com/joi.png",
		"officer_k": "  ",
		"stranger":  "https://cdn.example.com/x.png",
	})
	assert.True(t, c.HasTextSource(Joi))
	assert.False(t, c.HasTextSource(OfficerK))
	assert.False(t, c.HasTextSource(OfficerJ))
	assert.False(t, c.HasTextSource(ID("stranger")))
}

func TestVoiceForFallsBackToDefault(t *testing.T) {
	c := NewCatalog("", nil)
	assert.Equal(t, "en-US-GuyNeural", c.VoiceFor(OfficerK))
	assert.Equal(t, DefaultVoice, c.VoiceFor(ID("ghost")))
}

func TestLoadImagePrefersExistingExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "officer_j.jpg"), []byte("jpeg"), 0o600))

	c := NewCatalog(dir, nil)
	img, err := c.LoadImage(OfficerJ)
	require.NoError(t, err)
	assert.Equal(t, "officer_j.jpg", img.Filename)
	assert.Equal(t, "image/jpeg", img.ContentType)
	assert.Equal(t, []byte("jpeg"), img.Data)

	_, err = c.LoadImage(Joi)
	assert.Error(t, err)
}

func TestResolveUnknownUsesDefaultAssets(t *testing.T) {
	c := NewCatalog("/assets", nil)
	p := c.Resolve(ID("nobody"))
	assert.Equal(t, Default, p.ID)
	assert.Equal(t, filepath.Join("/assets", "joi.png"), p.ImagePath)
	assert.Len(t, c.Profiles(), 3)
}
