package job

import (
	"path/filepath"
	"strings"
)

// RefKind tags the ContentRef variant.
type RefKind int

const (
	RefNone RefKind = iota
	RefLocalPath
	RefRemoteURL
	RefResolved
)

func (k RefKind) String() string {
	switch k {
	case RefLocalPath:
		return "local"
	case RefRemoteURL:
		return "remote"
	case RefResolved:
		return "resolved"
	default:
		return "none"
	}
}

// ContentRef is the media attached to an item:
// None | LocalPath(path) | RemoteURL(url) | Resolved(bytes, mime).
type ContentRef struct {
	Kind RefKind

	Path string // LocalPath
	URL  string // RemoteURL

	// Resolved
	Data     []byte
	MIME     string
	FileName string
}

func NoContent() ContentRef { return ContentRef{Kind: RefNone} }

func LocalPath(path string) ContentRef { return ContentRef{Kind: RefLocalPath, Path: path} }

func RemoteURL(url string) ContentRef { return ContentRef{Kind: RefRemoteURL, URL: url} }

func Resolved(data []byte, mime, fileName string) ContentRef {
	return ContentRef{Kind: RefResolved, Data: data, MIME: mime, FileName: fileName}
}

// ParseRef classifies a raw string reference. http(s) strings are remote,
// anything else non-empty is a local path.
func ParseRef(raw string) ContentRef {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NoContent()
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return RemoteURL(raw)
	}
	return LocalPath(raw)
}

// RefForItem picks the item's content reference: mediaPath wins over mediaUrl.
func RefForItem(it Item) ContentRef {
	if strings.TrimSpace(it.MediaPath) != "" {
		return ParseRef(it.MediaPath)
	}
	return ParseRef(it.MediaURL)
}

// Ext returns the lowercased extension of the reference, if any.
func (r ContentRef) Ext() string {
	switch r.Kind {
	case RefLocalPath:
		return strings.ToLower(filepath.Ext(r.Path))
	case RefRemoteURL:
		u := r.URL
		if i := strings.IndexAny(u, "?#"); i >= 0 {
			u = u[:i]
		}
		return strings.ToLower(filepath.Ext(u))
	case RefResolved:
		return strings.ToLower(filepath.Ext(r.FileName))
	default:
		return ""
	}
}

// String renders the reference for logs.
func (r ContentRef) String() string {
	switch r.Kind {
	case RefLocalPath:
		return r.Path
	case RefRemoteURL:
		return r.URL
	case RefResolved:
		if r.FileName != "" {
			return r.FileName
		}
		return "<" + r.MIME + ">"
	default:
		return ""
	}
}
