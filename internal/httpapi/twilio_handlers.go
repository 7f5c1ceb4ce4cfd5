package httpapi

import (
	"net/http"

	"github.com/twilio/twilio-go/twiml"
)

// handleVoice answers Twilio's incoming call webhook. With an agent number
// configured the caller's audio is forked to our media stream and the call is
// bridged to the agent. Without one the call is connected to the stream only,
// which is how local testing works.
func (r *Router) handleVoice(w http.ResponseWriter, req *http.Request) {
	if r.handler.Draining() {
		r.logger.Printf("voice: rejecting call, server is draining")
		r.writeTwiML(w, req, &twiml.VoiceReject{Reason: "busy"})
		return
	}

	// Twilio sends application/x-www-form-urlencoded by default.
	if err := req.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if !r.validTwilioSignature(req, false) {
		r.logger.Printf("voice: invalid Twilio signature from %s", req.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	callSid := req.FormValue("CallSid")
	if callSid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	streamURL := r.mediaStreamURL(req)
	r.logger.Printf("voice: call %s from %s connecting to %s", callSid, req.FormValue("From"), streamURL)

	if r.cfg.AgentDialNumber == "" {
		stream := &twiml.VoiceStream{Url: streamURL}
		r.writeTwiML(w, req, &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}})
		return
	}

	// <Start> forks audio without blocking, so <Dial> runs next. The stream
	// ends when the bridged call hangs up.
	stream := &twiml.VoiceStream{Url: streamURL, Track: "inbound_track"}
	r.writeTwiML(w, req,
		&twiml.VoiceStart{InnerElements: []twiml.Element{stream}},
		&twiml.VoiceDial{Number: r.cfg.AgentDialNumber},
	)
}

func (r *Router) mediaStreamURL(req *http.Request) string {
	if r.cfg.PublicBaseURL != "" {
		return wsURLFromPublicBase(r.cfg.PublicBaseURL) + "/media"
	}
	return wsURLFromPublicBase(req.Host) + "/media"
}

// Twilio expects Content-Type: text/xml.
func (r *Router) writeTwiML(w http.ResponseWriter, req *http.Request, verbs ...twiml.Element) {
	body, err := twiml.Voice(verbs)
	if err != nil {
		r.logger.Printf("voice: failed to render TwiML: %v", err)
		captureError(req, err, "voice: render TwiML")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
