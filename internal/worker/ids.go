package worker

import (
	urlpkg "net/url"
	"regexp"
	"strings"
)

var (
	youtubeIDRe  = regexp.MustCompile(`(?:v=|\/v\/|youtu\.be\/|embed\/|shorts\/)([a-zA-Z0-9_-]{11})`)
	bilibiliIDRe = regexp.MustCompile(`(BV[0-9A-Za-z]{10})`)
)

// NormalizeVideoID accepts a bare video id or a YouTube/Bilibili URL and
// returns the id.
func NormalizeVideoID(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "/") {
		return raw
	}
	if id := extractVideoID(raw); id != "" {
		return id
	}
	if m := bilibiliIDRe.FindStringSubmatch(raw); len(m) > 1 {
		return m[1]
	}
	return raw
}

func extractVideoID(url string) string {
	parsed, err := urlpkg.Parse(url)
	if err == nil {
		host := strings.ToLower(parsed.Host)
		path := strings.Trim(parsed.Path, "/")

		// youtube.com/watch?v=VIDEO_ID
		if strings.Contains(host, "youtube.com") {
			if v := parsed.Query().Get("v"); len(v) == 11 {
				return v
			}

			parts := strings.Split(path, "/")
			if len(parts) >= 2 {
				switch parts[0] {
				case "shorts", "embed", "v":
					if len(parts[1]) == 11 {
						return parts[1]
					}
				}
			}
		}

		// youtu.be/VIDEO_ID
		if strings.Contains(host, "youtu.be") {
			candidate := strings.Split(path, "/")[0]
			if len(candidate) == 11 {
				return candidate
			}
		}
	}

	if m := youtubeIDRe.FindStringSubmatch(url); len(m) > 1 {
		return m[1]
	}
	return ""
}
