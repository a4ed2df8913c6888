package monitor

import (
	"net/url"
	"path"
	"strings"
)

// Stream types derived from the URL.
const (
	StreamTypeRTSP    = "rtsp"
	StreamTypeHLS     = "hls"
	StreamTypeIcecast = "icecast"
	StreamTypeHTTP    = "http"
	StreamTypeFile    = "file"
	StreamTypeOther   = "other"
)

var icecastExtensions = map[string]bool{
	".mp3": true, ".aac": true, ".aacp": true, ".ogg": true, ".opus": true, ".oga": true,
}

// DetectStreamType classifies a stream URL by scheme and path extension.
func DetectStreamType(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return StreamTypeOther
	}

	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
		return StreamTypeRTSP
	case "file", "":
		return StreamTypeFile
	case "http", "https":
	default:
		return StreamTypeOther
	}

	p := strings.ToLower(u.Path)
	ext := path.Ext(p)
	switch {
	case ext == ".m3u8":
		return StreamTypeHLS
	case icecastExtensions[ext], strings.Contains(p, "icecast"), u.Port() == "8000":
		return StreamTypeIcecast
	default:
		return StreamTypeHTTP
	}
}
