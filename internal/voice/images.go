package voice

import (
	"errors"
	"strings"
)

var (
	errUnknownImage = errors.New("unknown image id")
	errEmptyImage   = errors.New("empty image")
)

const maxPendingImages = 16

type pendingImage struct {
	text   string
	chunks []string
}

// imageAssembler reassembles data URLs that clients upload in chunks. It belongs to one
// connection's inbound loop.
type imageAssembler struct {
	pending map[string]*pendingImage
	order   []string
}

func newImageAssembler() *imageAssembler {
	return &imageAssembler{pending: make(map[string]*pendingImage)}
}

func (a *imageAssembler) start(id, text string) {
	if _, ok := a.pending[id]; !ok {
		a.order = append(a.order, id)
	}
	a.pending[id] = &pendingImage{text: text}
	for len(a.order) > maxPendingImages {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.pending, oldest)
	}
}

// add appends a chunk and returns the chunk count, or false for an unknown id.
func (a *imageAssembler) add(id, chunk string) (int, bool) {
	img, ok := a.pending[id]
	if !ok {
		return 0, false
	}
	img.chunks = append(img.chunks, chunk)
	return len(img.chunks), true
}

func (a *imageAssembler) finish(id string) (dataURL, text string, err error) {
	img, ok := a.pending[id]
	if !ok {
		return "", "", errUnknownImage
	}
	delete(a.pending, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	dataURL = strings.Join(img.chunks, "")
	if dataURL == "" {
		return "", "", errEmptyImage
	}
	return dataURL, img.text, nil
}
