package output

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/term"
)

// FormatBytes renders a byte count with binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < 0 {
		n = 0
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func FormatRate(bps float64) string {
	return FormatBytes(int64(bps)) + "/s"
}

// FormatETA rounds to seconds; unknown ETAs render as "--".
func FormatETA(d time.Duration, known bool) string {
	if !known {
		return "--"
	}
	return d.Round(time.Second).String()
}

// ProgressBar draws fraction (0..1) as a fixed-width bar with a percentage.
func ProgressBar(fraction float64, width int) string {
	if width <= 0 {
		width = 30
	}
	fraction = max(0, min(fraction, 1))
	filled := int(fraction * float64(width))
	bar := StyleSymbols["bullet"] + strings.Repeat(StyleSymbols["hline"], filled) +
		strings.Repeat(" ", width-filled) + StyleSymbols["bullet"]
	return fmt.Sprintf("%s %.1f%%", bar, fraction*100)
}

func terminalSize() (int, int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24
	}
	return width, height
}

// IsTerminal reports whether stdout can take cursor movement.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func truncate(text string, width int) string {
	if width <= 10 || utf8.RuneCountInString(text) <= width {
		return text
	}
	runes := []rune(text)
	return string(runes[:width-3]) + "..."
}
