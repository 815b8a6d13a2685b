package m3u8

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

// ErrManifestParse matches every *ManifestError.
var ErrManifestParse = errors.New("m3u8: malformed playlist")

// ErrNoCompatibleVariant means no variant of a master playlist satisfies the
// quality policy.
var ErrNoCompatibleVariant = errors.New("m3u8: no compatible variant")

// ManifestError is a playlist that could not be used. It is fatal for the
// task that fetched it.
type ManifestError struct {
	URL string
	Err error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("playlist %s: %v", e.URL, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

func (e *ManifestError) Is(target error) bool { return target == ErrManifestParse }

// Parse checks the content and returns the type and parsed object
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, Unknown, err
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Variant, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

func parseBody(rawURL string, body []byte) (m3u8.Playlist, PlaylistType, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(body, "\ufeff \r\n\t"), []byte("#EXTM3U")) {
		return nil, Unknown, &ManifestError{URL: rawURL, Err: errors.New("missing #EXTM3U header")}
	}
	p, typ, err := Parse(bytes.NewReader(body))
	if err != nil {
		return nil, Unknown, &ManifestError{URL: rawURL, Err: err}
	}
	return p, typ, nil
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref // fallback
	}
	return base.ResolveReference(refURL).String()
}
