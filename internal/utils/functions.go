package utils

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var fileNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

func RenewOutputPath(outputPath string) string {
	return RenewOutputPathExcept(outputPath, nil)
}

// RenewOutputPathExcept also skips names for which taken reports true.
func RenewOutputPathExcept(outputPath string, taken func(string) bool) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) && (taken == nil || !taken(outputPath)) {
			return outputPath
		}
		index++
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func SanitizeFileName(name string) string {
	return fileNameRegex.ReplaceAllString(name, "_")
}

// NameFromURL returns the last path element of a URL, or "download".
func NameFromURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	pathParts := strings.Split(parsedURL.Path, "/")
	name := pathParts[len(pathParts)-1]
	if name == "" {
		return "download"
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return SanitizeFileName(name)
}

// PartsDir is the namespace directory holding the parts of outputPath.
func PartsDir(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), TempDirName)
}

// PartPrefix is the file name prefix of every part belonging to outputPath.
func PartPrefix(outputPath string) string {
	return filepath.Base(outputPath) + ".part"
}

func PartIndex(name string) (int, bool) {
	matches := PartIndexRegex.FindStringSubmatch(name)
	if len(matches) < 2 {
		return -1, false
	}
	idx, err := strconv.Atoi(matches[1])
	if err != nil {
		return -1, false
	}
	return idx, true
}

// CleanParts removes all parts of outputPath and drops the temp directory
// once it is empty.
func CleanParts(outputPath string) error {
	tempDir := PartsDir(outputPath)
	files, err := os.ReadDir(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	partPrefix := PartPrefix(outputPath)
	for _, file := range files {
		if !strings.HasPrefix(file.Name(), partPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(tempDir, file.Name())); err != nil {
			return err
		}
	}
	return removeIfEmpty(tempDir)
}

// CleanDir removes the whole temp directory under dir.
func CleanDir(dir string) error {
	tempDir := filepath.Join(dir, TempDirName)
	_, err := os.Stat(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.RemoveAll(tempDir)
}

func removeIfEmpty(dir string) error {
	remaining, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return os.Remove(dir)
	}
	return nil
}

// ParseBytes parses sizes such as "64MB", "512KiB" or "1048576".
// Both the SI-looking and IEC suffixes are treated as powers of 1024.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	multipliers := []struct {
		suffix string
		value  int64
	}{
		{"TIB", 1 << 40}, {"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
		{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
		{"T", 1 << 40}, {"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10},
		{"B", 1},
	}
	multiplier := int64(1)
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			multiplier = m.value
			s = strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			break
		}
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
