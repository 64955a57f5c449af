/*
 *
 * w3af - Web Application Attack and Audit Framework
 * Copyright (C) 2018 w3af.org
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation version 2 of the License.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package proxy implements the logging HTTP proxy the browser is pointed
// at. Every request the browser issues is rebuilt and sent upstream
// through a caller-supplied dispatcher, and the observed traffic is
// published to a caller-owned sink.
package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Averroes/w3af/log"
)

// Dispatcher issues the upstream request on behalf of the proxy.
// *http.Client satisfies it.
type Dispatcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Pair is one observed request/response exchange. Response bodies have
// been drained and replaced with replayable buffers.
type Pair struct {
	Request  *http.Request
	Response *http.Response
}

// hop-by-hop headers stripped before dispatching upstream.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Server is a logging proxy bound to a loopback address with an
// OS-assigned port.
type Server struct {
	host       string
	dispatcher Dispatcher
	sink       chan<- Pair
	logger     *log.Logger

	mu            sync.Mutex
	debuggingID   string
	firstRequest  *http.Request
	firstResponse *http.Response

	ln       net.Listener
	srv      *http.Server
	started  chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New creates a proxy server. The sink channel and the dispatcher stay
// owned by the caller; the proxy only writes to the former and invokes
// the latter.
func New(host string, dispatcher Dispatcher, sink chan<- Pair, logger *log.Logger) *Server {
	return &Server{
		host:       host,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     logger,
		started:    make(chan struct{}),
	}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, "0"))
	if err != nil {
		return fmt.Errorf("cannot bind proxy listener: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s}
	close(s.started)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Debugf("proxy", "listener stopped: %s (did: %s)", err, s.debugID())
		}
	}()

	return nil
}

// WaitForStart blocks until the listener is bound or the timeout elapses.
func (s *Server) WaitForStart(timeout time.Duration) error {
	select {
	case <-s.started:
		return nil
	case <-time.After(timeout):
		return errors.New("proxy listener did not start")
	}
}

// BindPort returns the OS-assigned listener port, or 0 before Start.
func (s *Server) BindPort() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// FirstRequest returns the first request observed by this proxy.
func (s *Server) FirstRequest() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstRequest
}

// FirstResponse returns the first response observed by this proxy.
func (s *Server) FirstResponse() *http.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstResponse
}

// SetDebuggingID tags subsequent log output with the session's
// correlation id.
func (s *Server) SetDebuggingID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debuggingID = id
}

func (s *Server) debugID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debuggingID
}

// Stop closes the server and its listener. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.srv != nil {
			s.stopErr = s.srv.Close()
		}
	})
	return s.stopErr
}

// ServeHTTP handles one proxied exchange.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.tunnel(w, r)
		return
	}

	out, err := s.outboundRequest(r)
	if err != nil {
		s.logger.Debugf("proxy", "cannot rebuild request for %s: %s (did: %s)", r.URL, err, s.debugID())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.dispatcher.Do(out)
	if err != nil {
		s.logger.Debugf("proxy", "upstream request to %s failed: %s (did: %s)", out.URL, err, s.debugID())
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	s.record(out, resp)

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (s *Server) outboundRequest(r *http.Request) (*http.Request, error) {
	if !r.URL.IsAbs() {
		return nil, fmt.Errorf("proxy received non-absolute URL %q", r.URL)
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out, nil
}

func (s *Server) record(req *http.Request, resp *http.Response) {
	s.mu.Lock()
	if s.firstRequest == nil {
		s.firstRequest = req
		s.firstResponse = resp
	}
	s.mu.Unlock()

	if s.sink == nil {
		return
	}
	select {
	case s.sink <- Pair{Request: req, Response: resp}:
	default:
		// The traffic sink is caller-owned; never block the browser on it.
		s.logger.Debugf("proxy", "traffic sink full, dropping %s (did: %s)", req.URL, s.debugID())
	}
}

// tunnel blindly forwards a CONNECT stream. TLS interception is handled
// upstream of this package.
func (s *Server) tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	_, _ = client.Write([]byte("HTTP/1.1 " + strconv.Itoa(http.StatusOK) + " Connection Established\r\n\r\n"))

	go transfer(upstream, client)
	go transfer(client, upstream)
}

func transfer(dst io.WriteCloser, src io.ReadCloser) {
	defer dst.Close()
	defer src.Close()
	_, _ = io.Copy(dst, src)
}
