// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by outbound API clients (GitHub).
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}
