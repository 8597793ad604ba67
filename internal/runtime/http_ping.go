package runtime

import (
	"fmt"
	"net/http"
	"time"
)

// HTTPPing probes an engine's own HTTP endpoint and reports whether it
// responded with anything short of a server error. Ported from the
// original health.py's ping() helper (§9 supplemented features): not on
// any critical path today, kept available for a future health route.
func HTTPPing(host string, port int, path string) bool {
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
