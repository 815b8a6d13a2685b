package m3u8

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VariantInfo is one entry of a master playlist.
type VariantInfo struct {
	URL        string `json:"url"`
	Bandwidth  int64  `json:"bandwidth"`
	Resolution string `json:"resolution,omitempty"`
	Height     int    `json:"height,omitempty"`
	Codecs     string `json:"codecs,omitempty"`
	Quality    string `json:"quality"`
}

// QualityLabel names a variant the way users ask for it. Height wins when
// the resolution is known; otherwise the label is guessed from bandwidth.
func QualityLabel(height int, bandwidth int64) string {
	if height > 0 {
		switch {
		case height >= 2160:
			return "4K"
		case height >= 1440:
			return "1440p"
		case height >= 1080:
			return "1080p"
		case height >= 720:
			return "720p"
		case height >= 480:
			return "480p"
		}
		return "360p"
	}
	switch {
	case bandwidth >= 8_000_000:
		return "1080p+"
	case bandwidth >= 5_000_000:
		return "1080p"
	case bandwidth >= 2_500_000:
		return "720p"
	case bandwidth >= 1_000_000:
		return "480p"
	}
	return "360p"
}

// labelHeight maps a quality label back to a nominal height, used to compare
// variants that carry no resolution against a height target.
func labelHeight(label string) int {
	switch label {
	case "4K":
		return 2160
	case "1440p":
		return 1440
	case "1080p", "1080p+":
		return 1080
	case "720p":
		return 720
	case "480p":
		return 480
	}
	return 360
}

func parseHeight(resolution string) int {
	_, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}

// PolicyMode picks how SelectVariant ranks variants.
type PolicyMode int

const (
	Highest PolicyMode = iota
	Lowest
	Closest
)

// Policy is the quality preference of a task.
type Policy struct {
	Mode PolicyMode
	// TargetHeight or TargetBandwidth is set for Closest.
	TargetHeight    int
	TargetBandwidth int64
	// MinBandwidth excludes variants below it (bits per second).
	MinBandwidth int64
}

func (p Policy) String() string {
	switch p.Mode {
	case Lowest:
		return "lowest"
	case Closest:
		if p.TargetHeight > 0 {
			return fmt.Sprintf("%dp", p.TargetHeight)
		}
		return fmt.Sprintf("%dk", p.TargetBandwidth/1000)
	}
	return "highest"
}

// ParsePolicy accepts "highest", "best", "lowest", "worst", a height such as
// "720p", "1080" or "4k", or a bandwidth such as "3000k", "2.5m" or
// "800000bps".
func ParsePolicy(s string, minBandwidth int64) (Policy, error) {
	p := Policy{MinBandwidth: minBandwidth}
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "", "highest", "best", "max":
		p.Mode = Highest
		return p, nil
	case "lowest", "worst", "min":
		p.Mode = Lowest
		return p, nil
	case "4k", "2160p":
		p.Mode, p.TargetHeight = Closest, 2160
		return p, nil
	}

	p.Mode = Closest
	switch {
	case strings.HasSuffix(v, "p"):
		h, err := strconv.Atoi(strings.TrimSuffix(v, "p"))
		if err != nil || h <= 0 {
			return p, fmt.Errorf("invalid quality %q", s)
		}
		p.TargetHeight = h
	case strings.HasSuffix(v, "bps"):
		bw, err := strconv.ParseInt(strings.TrimSuffix(v, "bps"), 10, 64)
		if err != nil || bw <= 0 {
			return p, fmt.Errorf("invalid quality %q", s)
		}
		p.TargetBandwidth = bw
	case strings.HasSuffix(v, "k"), strings.HasSuffix(v, "m"):
		mult := 1_000.0
		if strings.HasSuffix(v, "m") {
			mult = 1_000_000
		}
		f, err := strconv.ParseFloat(v[:len(v)-1], 64)
		if err != nil || f <= 0 {
			return p, fmt.Errorf("invalid quality %q", s)
		}
		p.TargetBandwidth = int64(f * mult)
	default:
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("invalid quality %q", s)
		}
		// Small bare numbers are heights, large ones bandwidths.
		if n <= 4320 {
			p.TargetHeight = n
		} else {
			p.TargetBandwidth = int64(n)
		}
	}
	return p, nil
}

// SelectVariant applies p to variants. Ties go to the higher bandwidth.
func SelectVariant(variants []VariantInfo, p Policy) (VariantInfo, error) {
	var usable []VariantInfo
	for _, v := range variants {
		if v.Bandwidth >= p.MinBandwidth {
			usable = append(usable, v)
		}
	}
	if len(usable) == 0 {
		return VariantInfo{}, fmt.Errorf("%w: %d variants, none at or above %d bps", ErrNoCompatibleVariant, len(variants), p.MinBandwidth)
	}

	// Highest bandwidth first, so the first best candidate wins ties.
	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].Bandwidth != usable[j].Bandwidth {
			return usable[i].Bandwidth > usable[j].Bandwidth
		}
		return usable[i].Height > usable[j].Height
	})

	switch p.Mode {
	case Highest:
		return usable[0], nil
	case Lowest:
		return usable[len(usable)-1], nil
	}

	best := 0
	bestDist := int64(-1)
	for i, v := range usable {
		var d int64
		if p.TargetHeight > 0 {
			h := v.Height
			if h == 0 {
				h = labelHeight(v.Quality)
			}
			d = abs(int64(h - p.TargetHeight))
		} else {
			d = abs(v.Bandwidth - p.TargetBandwidth)
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return usable[best], nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
