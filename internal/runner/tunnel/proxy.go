package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	helperPath      = "/__sentryvibe/helper.js"
	proxyCloseGrace = 3 * time.Second
)

// helperScript is served to tunneled pages so the hosting UI can talk to
// the preview frame.
const helperScript = `(function () {
  if (window.__sentryvibe) return;
  window.__sentryvibe = true;
  window.addEventListener("message", function (ev) {
    if (ev.data && ev.data.type === "sentryvibe:ping") {
      ev.source.postMessage({ type: "sentryvibe:pong", href: location.href }, "*");
    }
  });
})();
`

var injectTag = []byte(`<script src="` + helperPath + `"></script>`)

// injectionProxy sits between the tunnel and the dev server, rewriting
// HTML responses to load the helper script.
type injectionProxy struct {
	server *http.Server
	port   int
}

// newInjectionProxy starts a reverse proxy on proxyPort forwarding to the
// dev server on targetPort.
func newInjectionProxy(proxyPort, targetPort int) (*injectionProxy, error) {
	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(targetPort)),
	}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ModifyResponse = injectHelper

	mux := http.NewServeMux()
	mux.HandleFunc(helperPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-store")
		io.WriteString(w, helperScript)
	})
	mux.Handle("/", rp)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(proxyPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy listen %s: %w", addr, err)
	}

	p := &injectionProxy{
		server: &http.Server{Handler: mux},
		port:   proxyPort,
	}
	go p.server.Serve(ln)
	return p, nil
}

// injectHelper adds the helper script tag to uncompressed HTML responses.
// Compressed or non-HTML bodies pass through untouched.
func injectHelper(resp *http.Response) error {
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return nil
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}

	idx := bytes.LastIndex(body, []byte("</body>"))
	if idx == -1 {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return nil
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(injectTag))
	buf.Write(body[:idx])
	buf.Write(injectTag)
	buf.Write(body[idx:])

	resp.Body = io.NopCloser(&buf)
	resp.ContentLength = int64(buf.Len())
	resp.Header.Set("Content-Length", strconv.Itoa(buf.Len()))
	return nil
}

// close shuts the proxy down, bounded by the close grace.
func (p *injectionProxy) close() {
	ctx, cancel := context.WithTimeout(context.Background(), proxyCloseGrace)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		p.server.Close()
	}
}
