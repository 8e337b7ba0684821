package manager

import (
	"net/url"
	"strings"
)

// ArtifactFilename returns the name the media server stored an artifact under:
// the last segment of its download URL, percent-decoded. A segment that does
// not decode is returned as is.
func ArtifactFilename(downloadURL string) string {
	segment := downloadURL[strings.LastIndex(downloadURL, "/")+1:]
	if segment == "" {
		return ""
	}
	decoded, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return decoded
}
