package httpapi

import (
	"net/http"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"
)

// validTwilioSignature checks X-Twilio-Signature against the URL Twilio
// called. Form parameters must already be parsed for POST webhooks. It
// accepts every request when no auth token is configured.
func (r *Router) validTwilioSignature(req *http.Request, websocket bool) bool {
	if r.cfg.TwilioAuthToken == "" {
		return true
	}
	signature := req.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}

	params := make(map[string]string, len(req.PostForm))
	for k, v := range req.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	validator := twilioclient.NewRequestValidator(r.cfg.TwilioAuthToken)
	return validator.Validate(r.requestURL(req, websocket), params, signature)
}

// requestURL rebuilds the public URL of req. Behind a tunnel or proxy the
// Host header is not what Twilio signed, so PublicBaseURL wins when set.
func (r *Router) requestURL(req *http.Request, websocket bool) string {
	if r.cfg.PublicBaseURL != "" {
		base := strings.TrimRight(r.cfg.PublicBaseURL, "/")
		if websocket {
			base = wsURLFromPublicBase(base)
		}
		return base + req.URL.RequestURI()
	}

	scheme := "https"
	if proto := req.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if req.TLS == nil {
		scheme = "http"
	}
	if websocket {
		scheme = strings.Replace(scheme, "http", "ws", 1)
	}
	return scheme + "://" + req.Host + req.URL.RequestURI()
}
