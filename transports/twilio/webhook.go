package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// TwiML returned to the call setup webhook.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamURL is the media stream address advertised for a request.
func (p *TwilioTransportProvider) StreamURL(r *http.Request) string {
	host := p.config.PublicHost
	if host == "" {
		host = r.Host
	}
	return "wss://" + host + p.config.Path
}

func (p *TwilioTransportProvider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if p.config.EnableAuth {
		signature := r.Header.Get("X-Twilio-Signature")
		if !ValidateSignature(p.config.AuthToken, p.requestURL(r), r.PostForm, signature) {
			p.logger.Warn("rejected webhook with bad signature", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	stream := twimlStream{URL: p.StreamURL(r)}
	for _, field := range []string{"From", "To"} {
		if v := r.Form.Get(field); v != "" {
			stream.Parameters = append(stream.Parameters, twimlParameter{Name: strings.ToLower(field), Value: v})
		}
	}

	body, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: stream}})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	p.logger.Info("call setup", "call_sid", r.Form.Get("CallSid"), "stream_url", stream.URL)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(body)
}

// requestURL rebuilds the URL Twilio signed, honouring proxy headers.
func (p *TwilioTransportProvider) requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if p.config.PublicHost != "" {
		host = p.config.PublicHost
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// ValidateSignature checks a Twilio request signature: base64 HMAC-SHA1 over
// the full URL followed by every POST parameter name and value in name order.
func ValidateSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := ComputeSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func ComputeSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
