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

package chrome

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Averroes/w3af/devtools"
	"github.com/Averroes/w3af/log"
	"github.com/Averroes/w3af/tests/ws"
)

// These tests run a full Session against the fake CDP server, with only
// the proxy and the browser process stubbed out: the protocol
// connection is the real one.

func e2eSession(t *testing.T, srv *ws.Server, opts *Options) (*Session, *collaborators) {
	t.Helper()

	c := newCollaborators()
	c.proc.devtoolsPort = srv.Port

	f := c.factories(nil)
	f.connect = func(ctx context.Context, _ string, port int, ioTimeout time.Duration, did string, logger *log.Logger) (DevTools, error) {
		return devtools.NewConnection(ctx, srv.Host, port, ioTimeout, did, logger)
	}

	logger, _ := newTestLogger()
	s, err := newSession(context.Background(), http.DefaultClient, nil, opts, logger, f)
	require.NoError(t, err)
	t.Cleanup(s.Terminate)

	return s, c
}

func e2eOptions() *Options {
	opts := NewOptions()
	opts.IOTimeout = 250 * time.Millisecond
	return opts
}

// navHandler answers every command with an empty result, except
// Page.navigate, which instead triggers the given events back to back,
// the way a fast page load delivers them.
func navHandler(events ...cdproto.Message) ws.Handler {
	return func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method != "Page.navigate" {
			ws.EchoEmptyResult(nil, msg, writeCh, nil)
			return
		}
		for _, ev := range events {
			writeCh <- ev
		}
	}
}

func frameStoppedLoadingEvent() cdproto.Message {
	return cdproto.Message{
		Method: cdproto.EventPageFrameStoppedLoading,
		Params: easyjson.RawMessage([]byte(`{"frameId":"F1"}`)),
	}
}

func lifecycleEvent(name string) cdproto.Message {
	return cdproto.Message{
		Method: cdproto.EventPageLifecycleEvent,
		Params: easyjson.RawMessage([]byte(`{"frameId":"F1","loaderId":"L1","name":"` + name + `","timestamp":1}`)),
	}
}

func TestSessionPageLoadOverDevTools(t *testing.T) {
	srv := ws.NewServer(t, ws.WithCDPHandler("/cdp", navHandler(
		lifecycleEvent("networkIdle"),
		frameStoppedLoadingEvent(),
		lifecycleEvent("networkAlmostIdle"),
	)))
	s, _ := e2eSession(t, srv, e2eOptions())

	require.NoError(t, s.LoadURL("http://example.com/"))
	assert.True(t, s.WaitForLoad())

	// The fixed session settings went over the wire before the
	// navigation did.
	cmds := srv.CmdsReceived()
	assert.Contains(t, cmds, cdproto.MethodType(cdproto.CommandSecuritySetIgnoreCertificateErrors))
	assert.Contains(t, cmds, cdproto.MethodType(cdproto.CommandPageSetLifecycleEventsEnabled))
	assert.Equal(t, cdproto.MethodType(cdproto.CommandPageNavigate), cmds[len(cmds)-1])
}

func TestSessionWaitForLoadTimesOutOverDevTools(t *testing.T) {
	srv := ws.NewServer(t, ws.WithCDPHandler("/cdp", navHandler()))

	opts := e2eOptions()
	opts.PageLoadTimeout = 250 * time.Millisecond
	s, _ := e2eSession(t, srv, opts)

	require.NoError(t, s.LoadURL("http://example.com/"))

	start := time.Now()
	assert.False(t, s.WaitForLoad())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSessionGetDOMOverDevTools(t *testing.T) {
	handler := func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method == "Runtime.evaluate" {
			writeCh <- cdproto.Message{
				ID:     msg.ID,
				Result: easyjson.RawMessage([]byte(`{"result":{"type":"string","value":"<body>rendered</body>"}}`)),
			}
			return
		}
		ws.EchoEmptyResult(nil, msg, writeCh, nil)
	}
	srv := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler))
	s, _ := e2eSession(t, srv, e2eOptions())

	dom, err := s.GetDOM()
	require.NoError(t, err)
	assert.Equal(t, "<body>rendered</body>", dom)
}

func TestSessionConnectFailureOverDevTools(t *testing.T) {
	// A freshly closed listener gives us a port with nothing behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := newCollaborators()
	c.proc.devtoolsPort = port

	f := c.factories(nil)
	f.connect = func(ctx context.Context, host string, p int, ioTimeout time.Duration, did string, logger *log.Logger) (DevTools, error) {
		return devtools.NewConnection(ctx, host, p, ioTimeout, did, logger)
	}

	logger, _ := newTestLogger()
	_, err = newSession(context.Background(), http.DefaultClient, nil, e2eOptions(), logger, f)
	require.Error(t, err)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, port, connErr.Port)

	// The stubbed collaborators were cleaned up on the way out.
	assert.True(t, c.px.stopped)
	assert.True(t, c.proc.terminated)
}
