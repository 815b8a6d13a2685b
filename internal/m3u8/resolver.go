package m3u8

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
)

// maxPlaylistBytes bounds a manifest download.
const maxPlaylistBytes = 16 << 20

// Getter fetches a small resource and reports the URL it was served from.
// *downloader.Client implements it.
type Getter interface {
	Fetch(ctx context.Context, url string, limit int64) ([]byte, string, error)
}

// Key is the AES-128 key of a segment.
type Key struct {
	URI string
	IV  [16]byte
}

// Segment is one media segment in playback order. Length is -1 unless the
// playlist declares a byte range, in which case Offset/Length select the
// sub-range of URL.
type Segment struct {
	Index    int
	Sequence uint64
	URL      string
	Duration float64
	Offset   int64
	Length   int64
	Key      *Key
}

// Plan is a resolved stream: the chosen variant and its segments.
type Plan struct {
	SourceURL      string
	Variants       []VariantInfo
	Chosen         VariantInfo
	MediaURL       string
	Segments       []Segment
	TargetDuration float64
	// Live is true until the media playlist carries EXT-X-ENDLIST.
	Live bool
}

// Resolver turns playlist URLs into Plans.
type Resolver struct {
	get Getter
}

func NewResolver(get Getter) *Resolver {
	return &Resolver{get: get}
}

// Resolve fetches rawURL; a master playlist is narrowed to one variant by p
// and that variant's media playlist is fetched.
func (r *Resolver) Resolve(ctx context.Context, rawURL string, p Policy) (*Plan, error) {
	body, final, err := r.get.Fetch(ctx, rawURL, maxPlaylistBytes)
	if err != nil {
		return nil, err
	}
	pl, typ, err := parseBody(rawURL, body)
	if err != nil {
		return nil, err
	}

	plan := &Plan{SourceURL: rawURL}
	if typ == Variant {
		plan.MediaURL = final
		plan.Chosen = VariantInfo{URL: final, Quality: "source"}
		if err := plan.apply(pl.(*m3u8.MediaPlaylist), final); err != nil {
			return nil, err
		}
		return plan, nil
	}

	plan.Variants = variantsOf(pl.(*m3u8.MasterPlaylist), final)
	if len(plan.Variants) == 0 {
		return nil, &ManifestError{URL: rawURL, Err: errors.New("master playlist lists no variants")}
	}
	chosen, err := SelectVariant(plan.Variants, p)
	if err != nil {
		return nil, err
	}
	plan.Chosen = chosen
	if err := r.loadMedia(ctx, plan, chosen.URL); err != nil {
		return nil, err
	}
	return plan, nil
}

// ResolveMedia fetches a media playlist directly, used to keep a resumed
// task on the variant it started with.
func (r *Resolver) ResolveMedia(ctx context.Context, sourceURL string, chosen VariantInfo) (*Plan, error) {
	plan := &Plan{SourceURL: sourceURL, Chosen: chosen}
	if err := r.loadMedia(ctx, plan, chosen.URL); err != nil {
		return nil, err
	}
	return plan, nil
}

func (r *Resolver) loadMedia(ctx context.Context, plan *Plan, mediaURL string) error {
	body, final, err := r.get.Fetch(ctx, mediaURL, maxPlaylistBytes)
	if err != nil {
		return err
	}
	pl, typ, err := parseBody(mediaURL, body)
	if err != nil {
		return err
	}
	if typ != Variant {
		return &ManifestError{URL: mediaURL, Err: errors.New("variant points at another master playlist")}
	}
	plan.MediaURL = final
	return plan.apply(pl.(*m3u8.MediaPlaylist), final)
}

// Refresh re-polls a live media playlist and appends segments whose media
// sequence is past the last known one. Known segments are never reordered
// or replaced. It returns the number of appended segments.
func (r *Resolver) Refresh(ctx context.Context, plan *Plan) (int, error) {
	body, final, err := r.get.Fetch(ctx, plan.MediaURL, maxPlaylistBytes)
	if err != nil {
		return 0, err
	}
	pl, typ, err := parseBody(plan.MediaURL, body)
	if err != nil {
		return 0, err
	}
	if typ != Variant {
		return 0, &ManifestError{URL: plan.MediaURL, Err: errors.New("media playlist turned into a master playlist")}
	}

	fresh := &Plan{}
	if err := fresh.apply(pl.(*m3u8.MediaPlaylist), final); err != nil {
		return 0, err
	}

	var last uint64
	known := len(plan.Segments) > 0
	if known {
		last = plan.Segments[len(plan.Segments)-1].Sequence
	}
	added := 0
	for _, seg := range fresh.Segments {
		if known && seg.Sequence <= last {
			continue
		}
		seg.Index = len(plan.Segments)
		plan.Segments = append(plan.Segments, seg)
		added++
	}
	plan.Live = fresh.Live
	if fresh.TargetDuration > 0 {
		plan.TargetDuration = fresh.TargetDuration
	}
	return added, nil
}

func variantsOf(master *m3u8.MasterPlaylist, baseURL string) []VariantInfo {
	base, _ := url.Parse(baseURL)
	var out []VariantInfo
	for _, v := range master.Variants {
		if v == nil || v.URI == "" || v.Iframe {
			continue
		}
		height := parseHeight(v.Resolution)
		bw := int64(v.Bandwidth)
		out = append(out, VariantInfo{
			URL:        ResolveURL(base, v.URI),
			Bandwidth:  bw,
			Resolution: v.Resolution,
			Height:     height,
			Codecs:     v.Codecs,
			Quality:    QualityLabel(height, bw),
		})
	}
	return out
}

// apply fills the plan's segment list from a decoded media playlist.
func (plan *Plan) apply(media *m3u8.MediaPlaylist, baseURL string) error {
	base, err := url.Parse(baseURL)
	if err != nil {
		return &ManifestError{URL: baseURL, Err: err}
	}
	plan.TargetDuration = media.TargetDuration
	plan.Live = !media.Closed
	plan.Segments = plan.Segments[:0]

	// EXT-X-KEY applies to every following segment until the next one,
	// but the decoder only attaches it to the first.
	current := media.Key
	var prev *Segment
	for _, s := range media.Segments {
		if s == nil {
			continue
		}
		if s.Key != nil {
			current = s.Key
		}
		seg := Segment{
			Index:    len(plan.Segments),
			Sequence: s.SeqId,
			URL:      ResolveURL(base, s.URI),
			Duration: s.Duration,
			Offset:   0,
			Length:   -1,
		}
		if s.Limit > 0 {
			seg.Offset, seg.Length = s.Offset, s.Limit
			// EXT-X-BYTERANGE without @offset continues the previous
			// sub-range of the same resource.
			if s.Offset == 0 && prev != nil && prev.URL == seg.URL && prev.Length > 0 {
				seg.Offset = prev.Offset + prev.Length
			}
		}
		key, err := segmentKey(current, base, seg.Sequence)
		if err != nil {
			return &ManifestError{URL: baseURL, Err: err}
		}
		seg.Key = key
		plan.Segments = append(plan.Segments, seg)
		prev = &plan.Segments[len(plan.Segments)-1]
	}
	return nil
}

func segmentKey(k *m3u8.Key, base *url.URL, seq uint64) (*Key, error) {
	if k == nil {
		return nil, nil
	}
	switch strings.ToUpper(k.Method) {
	case "", "NONE":
		return nil, nil
	case "AES-128":
	default:
		return nil, fmt.Errorf("unsupported encryption method %s", k.Method)
	}
	if k.URI == "" {
		return nil, errors.New("AES-128 key without URI")
	}

	key := &Key{URI: ResolveURL(base, k.URI)}
	if k.IV == "" {
		binary.BigEndian.PutUint64(key.IV[8:], seq)
		return key, nil
	}
	iv := strings.TrimPrefix(strings.TrimPrefix(k.IV, "0x"), "0X")
	raw, err := hex.DecodeString(iv)
	if err != nil || len(raw) > 16 {
		return nil, fmt.Errorf("invalid IV %q", k.IV)
	}
	copy(key.IV[16-len(raw):], raw)
	return key, nil
}
