package logger

import "strings"

const (
	// LevelDebug represents the debug severity level name.
	LevelDebug = "DEBUG"
	// LevelInfo represents the info severity level name.
	LevelInfo = "INFO"
	// LevelWarn represents the warning severity level name.
	LevelWarn = "WARN"
	// LevelError represents the error severity level name.
	LevelError = "ERROR"
)

var levelNames = map[string]string{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// Enumerated values accepted for the status and outcome keys. Unknown outcomes
// are dropped so dashboards only ever see this closed set.
var knownStatus = setOf("ok", "fail", "skip", "retry", "rate_limited", "cancelled", "error")

var knownOutcome = setOf("ok", "fail", "cancelled", "rate_limited", "retry",
	"validation", "transient", "unrecoverable", "not_found", "precondition",
	"expired", "invalid", "throttled")

var knownCache = setOf("hit", "miss", "refresh")

func setOf(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func normalizeLevel(level string) string {
	if level == "" {
		return LevelInfo
	}
	if mapped, ok := levelNames[strings.ToLower(level)]; ok {
		return mapped
	}
	return strings.ToUpper(level)
}

func lookupEnum(set map[string]struct{}, v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", false
	}
	_, ok := set[v]
	return v, ok
}

var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"status",
	"rid",
	"rid_full",
	"ts_unix_nano",
	"platform",
	"owner",
	"update_id",
	"user_id",
	"chat_id",
	"handler",
	"command",
	"step",
	"op",
	"cb_key",
	"outcome",
	"duration_ms",
	"messages",
	"kb",
	"count",
	"page",
	"cache",
	"network",
	"currency",
	"txid",
	"purpose",
	"mode",
	"listen",
	"public_url",
	"http_code",
	"driver",
	"db",
	"host",
	"port",
	"err",
	"err_code",
	"cause",
	"retryable",
	"attempts",
	"backoff_ms",
	"rate_limited",
	"pending_count",
}
