package partdlhttp

import (
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"

	"github.com/tanq16/partdl/internal/utils"
)

func fileNameFromHeader(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return utils.SanitizeFileName(fn)
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return utils.SanitizeFileName(unescaped)
	}
	return ""
}

// totalFromContentRange extracts the complete length from "bytes a-b/total".
func totalFromContentRange(header string) (int64, error) {
	slash := strings.LastIndex(header, "/")
	if slash < 0 || slash == len(header)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	total := header[slash+1:]
	if total == "*" {
		return 0, fmt.Errorf("server did not report total size in %q", header)
	}
	return strconv.ParseInt(total, 10, 64)
}
