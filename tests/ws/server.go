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

// Package ws can be used as a test alternative to a real CDP compatible
// browser.
package ws

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/stretchr/testify/require"
)

// Handler reacts to one incoming CDP message. Replies and events are
// written through writeCh; closing done stops the connection loops.
type Handler func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{})

// Server is a fake CDP endpoint: an HTTP server exposing the
// /json/version discovery document and a websocket path run by a
// Handler.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
	Host       string
	Port       int

	mu           sync.Mutex
	cmdsReceived []cdproto.MethodType
}

// NewServer returns a running fake CDP server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
		Host:       u.Hostname(),
		Port:       port,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CmdsReceived returns the methods of every command the server has read.
func (s *Server) CmdsReceived() []cdproto.MethodType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cdproto.MethodType(nil), s.cmdsReceived...)
}

func (s *Server) recordCmd(method cdproto.MethodType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmdsReceived = append(s.cmdsReceived, method)
}

// WithCDPHandler attaches a CDP handler at path and serves a matching
// /json/version discovery document.
func WithCDPHandler(path string, fn Handler) func(*Server) {
	return func(s *Server) {
		s.Mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
			wsURL := fmt.Sprintf("ws://%s:%d%s", s.Host, s.Port, path)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"Browser":"FakeChrome/1.0","webSocketDebuggerUrl":%q}`, wsURL)
		})
		s.Mux.Handle(path, s.cdpHandler(fn))
	}
}

// EchoEmptyResult answers every command with an empty result object.
func EchoEmptyResult(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
	writeCh <- cdproto.Message{
		ID:     msg.ID,
		Result: easyjson.RawMessage([]byte("{}")),
	}
}

// Silent never answers; commands issued against it time out.
func Silent(_ *websocket.Conn, _ *cdproto.Message, _ chan cdproto.Message, _ chan struct{}) {}

func (s *Server) cdpHandler(fn Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message, 16)
		var closeOnce sync.Once
		closeDone := func() { closeOnce.Do(func() { close(done) }) }

		go func() {
			defer closeDone()
			for {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if decoder.Error() != nil {
					return
				}

				s.recordCmd(msg.Method)
				fn(conn, &msg, writeCh, done)
			}
		}()

		go func() {
			defer conn.Close()
			for {
				select {
				case msg := <-writeCh:
					encoder := jwriter.Writer{}
					msg.MarshalEasyJSON(&encoder)
					buf, _ := encoder.BuildBytes()
					if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()
	}
}
