// Package persona resolves avatar identities to their image, D-ID text source and voice.
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type ID string

const (
	Joi      ID = "joi"
	OfficerK ID = "officer_k"
	OfficerJ ID = "officer_j"

	Default ID = Joi

	// DefaultVoice is used for any persona without an entry in the voice table.
	DefaultVoice = "en-US-JennyNeural"
)

var ErrUnknown = errors.New("unknown persona")

// All lists the closed persona set in display order.
var All = []ID{Joi, OfficerK, OfficerJ}

var voiceTable = map[ID]string{
	Joi:      "en-US-JennyNeural",
	OfficerK: "en-US-GuyNeural",
	OfficerJ: "en-US-DavisNeural",
}

var displayNames = map[ID]string{
	Joi:      "Joi",
	OfficerK: "Officer K",
	OfficerJ: "Officer J",
}

// Parse validates raw against the closed set. Empty input selects Default.
func Parse(raw string) (ID, error) {
	v := ID(strings.ToLower(strings.TrimSpace(raw)))
	if v == "" {
		return Default, nil
	}
	if _, ok := voiceTable[v]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknown, v)
	}
	return v, nil
}

// Profile is the resolved view of one persona.
type Profile struct {
	ID          ID     `json:"id"`
	DisplayName string `json:"display_name"`
	VoiceID     string `json:"voice_id"`
	ImagePath   string `json:"image_path"`
	SourceURL   string `json:"source_url,omitempty"`
}

// Image is an avatar still ready for multipart upload.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Catalog resolves personas against configured assets. It is safe for concurrent reads.
type Catalog struct {
	assetDir   string
	sourceURLs map[ID]string
}

func NewCatalog(assetDir string, sourceURLs map[string]string) *Catalog {
	c := &Catalog{
		assetDir:   strings.TrimSpace(assetDir),
		sourceURLs: make(map[ID]string, len(sourceURLs)),
	}
	for k, v := range sourceURLs {
		id := ID(strings.ToLower(strings.TrimSpace(k)))
		if _, ok := voiceTable[id]; !ok {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			c.sourceURLs[id] = v
		}
	}
	return c
}

// HasTextSource reports whether text-driven generation is available for id.
func (c *Catalog) HasTextSource(id ID) bool {
	return c.SourceURL(id) != ""
}

func (c *Catalog) SourceURL(id ID) string {
	if c == nil {
		return ""
	}
	return c.sourceURLs[id]
}

// VoiceFor returns the synthesized-voice id for id, or DefaultVoice.
func (c *Catalog) VoiceFor(id ID) string {
	if v, ok := voiceTable[id]; ok {
		return v
	}
	return DefaultVoice
}

// Resolve returns the profile for id. Unknown ids resolve to the Default persona's assets.
func (c *Catalog) Resolve(id ID) Profile {
	if _, ok := voiceTable[id]; !ok {
		id = Default
	}
	return Profile{
		ID:          id,
		DisplayName: displayNames[id],
		VoiceID:     c.VoiceFor(id),
		ImagePath:   c.imagePath(id),
		SourceURL:   c.SourceURL(id),
	}
}

func (c *Catalog) Profiles() []Profile {
	out := make([]Profile, 0, len(All))
	for _, id := range All {
		out = append(out, c.Resolve(id))
	}
	return out
}

func (c *Catalog) imagePath(id ID) string {
	for _, ext := range []string{".png", ".jpg", ".jpeg"} {
		p := filepath.Join(c.assetDir, string(id)+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(c.assetDir, string(id)+".png")
}

// LoadImage reads the avatar still for id.
func (c *Catalog) LoadImage(id ID) (Image, error) {
	p := c.Resolve(id).ImagePath
	data, err := os.ReadFile(p)
	if err != nil {
		return Image{}, fmt.Errorf("read persona image %s: %w", p, err)
	}
	ct := "image/png"
	switch strings.ToLower(filepath.Ext(p)) {
	case ".jpg", ".jpeg":
		ct = "image/jpeg"
	}
	return Image{Filename: filepath.Base(p), ContentType: ct, Data: data}, nil
}
