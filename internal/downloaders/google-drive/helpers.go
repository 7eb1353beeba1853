package gdrive

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	driveFileRegex      = regexp.MustCompile(`https://drive\.google\.com/file/d/([^/?]+)`)
	driveShortLinkRegex = regexp.MustCompile(`https://drive\.google\.com/open\?id=([^&\s]+)`)
	driveUCRegex        = regexp.MustCompile(`https://drive\.google\.com/uc\?(?:.*&)?id=([^&\s]+)`)
)

const (
	driveAPIURL     = "https://www.googleapis.com/drive/v3/files"
	driveScope      = "https://www.googleapis.com/auth/drive.readonly"
	folderMimeType  = "application/vnd.google-apps.folder"
	nativeMimeTypes = "application/vnd.google-apps."
	tokenFile       = ".partdl-token.json"
)

// fileMeta is the subset of the Drive v3 file resource used to resolve an
// object. Drive reports size as a decimal string.
type fileMeta struct {
	Name        string `json:"name"`
	Size        string `json:"size"`
	MimeType    string `json:"mimeType"`
	MD5Checksum string `json:"md5Checksum"`
	Version     string `json:"version"`
}

func extractFileID(rawURL string) (string, error) {
	for _, re := range []*regexp.Regexp{driveFileRegex, driveShortLinkRegex, driveUCRegex} {
		if matches := re.FindStringSubmatch(rawURL); len(matches) > 1 {
			return matches[1], nil
		}
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if id := parsedURL.Query().Get("id"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("unable to extract file ID from URL: %s", rawURL)
}

// isAPIKey tells API keys from OAuth access tokens.
func isAPIKey(token string) bool {
	return strings.HasPrefix(token, "AIza")
}
