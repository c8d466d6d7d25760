package poller

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"path"
	"strings"

	_ "golang.org/x/image/webp"
)

// artifactExtension names the downloaded artifact after its decoded image
// format, falling back to the URL's extension and then png.
func artifactExtension(data []byte, rawURL string) string {
	if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return extensionFor(format)
	}

	if u, err := url.Parse(rawURL); err == nil {
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
		switch ext {
		case "jpg", "jpeg", "png", "webp", "gif":
			return extensionFor(ext)
		}
	}
	return "png"
}

func extensionFor(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "jpg"
	case "png", "webp", "gif":
		return format
	default:
		return "png"
	}
}
