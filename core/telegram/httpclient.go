package telegram

import (
	"net/http"
	"time"

	"github.com/m3rciful/liteim/core/netutil"
)

// BuildHTTPClient returns a retrying client for Bot API calls. Its timeouts
// leave room for a long poll lasting pollTimeout.
func BuildHTTPClient(pollTimeout time.Duration) *http.Client {
	return netutil.NewClient(netutil.ClientOptions{
		Timeout:         pollTimeout + 20*time.Second,
		ResponseTimeout: pollTimeout + 5*time.Second,
		Retries:         3,
		Backoff:         2 * time.Second,
	})
}
