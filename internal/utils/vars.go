package utils

import (
	"regexp"
	"time"
)

const (
	DefaultBufferSize      = 1024 * 1024      // 1MB read chunk per worker
	DefaultSegmentSize     = 32 * 1024 * 1024 // 32MB
	DefaultConnections     = 8
	DefaultMaxRetries      = 5
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultRequestTimeout  = 5 * time.Minute
	DefaultProgressTick    = time.Second
	DefaultMemoryThreshold = 0
	HighThreadThreshold    = 5
	SocketBufferSize       = 1024 * 1024
)

const (
	TempDirName   = ".partdl-temp"
	LogFile       = ".partdl.log"
	LedgerFile    = ".partdl-ledger.db"
	ToolUserAgent = "partdl/1.0"
)

var PartIndexRegex = regexp.MustCompile(`\.part(\d+)$`)
var GlobalDebugFlag = false

// Local-only User-Agent list
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:136.0) Gecko/20100101 Firefox/136.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"curl/8.5.0",
	"Wget/1.21.4",
}
