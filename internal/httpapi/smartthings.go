package httpapi

import (
	"fmt"
	"net/http"
)

// smartthingsCallbackPage is served verbatim at GET /smartthings/callback; it
// relays the OAuth redirect's query parameters to the window that opened it
// via postMessage, then lets that window close this one (spec §4.2, §6).
const smartthingsCallbackPage = `<!DOCTYPE html>
<html>
<head><title>DAWN - SmartThings</title></head>
<body>
<script>
(function() {
  var params = new URLSearchParams(window.location.search);
  var payload = {
    source: "dawn-smartthings-callback",
    code: params.get("code"),
    state: params.get("state"),
    error: params.get("error")
  };
  if (window.opener) {
    window.opener.postMessage(payload, window.location.origin);
  }
  window.close();
})();
</script>
<p>You may close this window.</p>
</body>
</html>
`

// handleSmartThingsCallback serves the fixed relay page.
func handleSmartThingsCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprint(w, smartthingsCallbackPage)
}
