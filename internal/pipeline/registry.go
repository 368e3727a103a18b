package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
)

// Factory builds a node handling one media type.
type Factory func() (node.Node, error)

// Registry maps MIME types to media type IDs, file extensions to MIME types,
// and media type IDs to the factories of the nodes that parse them. It is
// built at startup and handed to whatever assembles streams.
type Registry struct {
	mu        sync.RWMutex
	ids       map[string]media.TypeID
	mimes     map[media.TypeID]string
	exts      map[string]string
	factories map[media.TypeID]Factory
	next      media.TypeID
}

// NewRegistry returns a Registry holding the well-known types and file
// extensions.
func NewRegistry() *Registry {
	r := &Registry{
		ids:       make(map[string]media.TypeID),
		mimes:     make(map[media.TypeID]string),
		exts:      make(map[string]string),
		factories: make(map[media.TypeID]Factory),
		next:      media.TypeDynamic,
	}
	for mime, id := range map[string]media.TypeID{
		media.MIMEPCM:       media.TypePCM,
		media.MIMEMPEGAudio: media.TypeMPEGAudio,
		media.MIMEAAC:       media.TypeAAC,
		media.MIMEMP2T:      media.TypeMP2T,
		media.MIMERTP:       media.TypeRTP,
		media.MIMEWAV:       media.TypeWAV,
	} {
		r.ids[mime] = id
		r.mimes[id] = mime
	}
	for ext, mime := range map[string]string{
		".mp3":  media.MIMEMPEGAudio,
		".mp2":  media.MIMEMPEGAudio,
		".mp1":  media.MIMEMPEGAudio,
		".mpa":  media.MIMEMPEGAudio,
		".aac":  media.MIMEAAC,
		".adts": media.MIMEAAC,
		".ts":   media.MIMEMP2T,
		".m2t":  media.MIMEMP2T,
		".wav":  media.MIMEWAV,
		".pcm":  media.MIMEPCM,
		".raw":  media.MIMEPCM,
	} {
		r.exts[ext] = mime
	}
	return r
}

// RegisterType returns the ID of mime, assigning a new one if needed.
func (r *Registry) RegisterType(mime string) media.TypeID {
	mime = strings.ToLower(mime)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[mime]; ok {
		return id
	}
	id := r.next
	r.next++
	r.ids[mime] = id
	r.mimes[id] = mime
	return id
}

// TypeID returns the ID registered for mime.
func (r *Registry) TypeID(mime string) (media.TypeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[strings.ToLower(mime)]
	return id, ok
}

// MIME returns the MIME type registered for id.
func (r *Registry) MIME(id media.TypeID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mime, ok := r.mimes[id]
	return mime, ok
}

// RegisterExtension maps a file extension, with or without its dot, to mime.
func (r *Registry) RegisterExtension(ext, mime string) {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	r.RegisterType(mime)
	r.mu.Lock()
	r.exts[strings.ToLower(ext)] = strings.ToLower(mime)
	r.mu.Unlock()
}

// TypeForName resolves the media type of a file name from its extension.
func (r *Registry) TypeForName(name string) (media.TypeID, string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	r.mu.RLock()
	mime, ok := r.exts[ext]
	r.mu.RUnlock()
	if !ok {
		return media.TypeNone, "", fmt.Errorf("pipeline: %w: no media type for extension %q", node.ErrNotSupported, ext)
	}
	id, _ := r.TypeID(mime)
	return id, mime, nil
}

// RegisterFactory sets the node factory for id, replacing any earlier one.
func (r *Registry) RegisterFactory(id media.TypeID, f Factory) {
	r.mu.Lock()
	r.factories[id] = f
	r.mu.Unlock()
}

// NewNode builds a node for id.
func (r *Registry) NewNode(id media.TypeID) (node.Node, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		mime, _ := r.MIME(id)
		return nil, fmt.Errorf("pipeline: %w: no node for media type %d (%s)", node.ErrNotSupported, id, mime)
	}
	return f()
}
