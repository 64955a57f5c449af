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

package devtools

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/security"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Averroes/w3af/log"
	"github.com/Averroes/w3af/tests/ws"
)

const testIOTimeout = 250 * time.Millisecond

func connect(t *testing.T, server *ws.Server) *Connection {
	t.Helper()

	conn, err := NewConnection(context.Background(), server.Host, server.Port, testIOTimeout, "", log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestConnection(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.EchoEmptyResult))

	conn := connect(t, server)
	require.NoError(t, conn.Close())
	// Close is idempotent.
	require.NoError(t, conn.Close())
}

func TestConnectionRefused(t *testing.T) {
	// Grab a free port and close it again so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = NewConnection(context.Background(), "127.0.0.1", port, testIOTimeout, "", log.NewNullLogger())
	require.Error(t, err)
}

func TestConnectionExecute(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.EchoEmptyResult))
	conn := connect(t, server)

	action := security.SetIgnoreCertificateErrors(true)
	err := action.Do(cdp.WithExecutor(context.Background(), conn))
	require.NoError(t, err)

	require.Equal(t, []cdproto.MethodType{
		cdproto.CommandSecuritySetIgnoreCertificateErrors,
	}, server.CmdsReceived())
}

func TestConnectionExecuteTimeout(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.Silent))
	conn := connect(t, server)

	start := time.Now()
	err := conn.Execute(context.Background(), "Page.enable", nil, nil)
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 10*testIOTimeout)
}

func TestConnectionExecuteCommandError(t *testing.T) {
	handler := func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		writeCh <- cdproto.Message{
			ID:    msg.ID,
			Error: &cdproto.Error{Code: -32601, Message: "'Page.bogus' wasn't found"},
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler))
	conn := connect(t, server)

	err := conn.Execute(context.Background(), "Page.bogus", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wasn't found")
}

func TestConnectionSend(t *testing.T) {
	received := make(chan cdproto.MethodType, 1)
	handler := func(_ *websocket.Conn, msg *cdproto.Message, _ chan cdproto.Message, _ chan struct{}) {
		received <- msg.Method
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler))
	conn := connect(t, server)

	params := easyjson.RawMessage([]byte(`{"url":"http://example.test/","timeout":20}`))
	require.NoError(t, conn.Send("Page.navigate", params))

	select {
	case method := <-received:
		assert.Equal(t, cdproto.MethodType("Page.navigate"), method)
	case <-time.After(time.Second):
		t.Fatal("fire-and-forget command never reached the server")
	}
}

func TestConnectionNavigate(t *testing.T) {
	received := make(chan *cdproto.Message, 2)
	handler := func(_ *websocket.Conn, msg *cdproto.Message, _ chan cdproto.Message, _ chan struct{}) {
		received <- msg
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler))
	conn := connect(t, server)

	require.NoError(t, conn.Navigate("http://example.test/login", 20*time.Second))
	require.NoError(t, conn.StopLoading())

	for _, want := range []struct {
		method  cdproto.MethodType
		url     string
		timeout int64
	}{
		{cdproto.MethodType(cdproto.CommandPageNavigate), "http://example.test/login", 20},
		{cdproto.MethodType(cdproto.CommandPageStopLoading), "", 0},
	} {
		select {
		case msg := <-received:
			assert.Equal(t, want.method, msg.Method)
			assert.Equal(t, want.url, gjson.GetBytes(msg.Params, "url").String())
			assert.Equal(t, want.timeout, gjson.GetBytes(msg.Params, "timeout").Int())
		case <-time.After(time.Second):
			t.Fatal("command never reached the server")
		}
	}
}

func eventEmittingHandler(events ...cdproto.Message) ws.Handler {
	return func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method != "Page.navigate" {
			writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage([]byte("{}"))}
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

func TestWaitEventMatches(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", eventEmittingHandler(frameStoppedLoadingEvent())))
	conn := connect(t, server)

	require.NoError(t, conn.Send("Page.navigate", nil))

	match, _ := conn.WaitEvent(cdproto.EventPageFrameStoppedLoading, "", time.Second)
	require.NotNil(t, match)
	assert.Equal(t, cdproto.MethodType(cdproto.EventPageFrameStoppedLoading), match.Method)
}

func TestWaitEventNameQualifier(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", eventEmittingHandler(
		lifecycleEvent("networkIdle"),
		lifecycleEvent("networkAlmostIdle"),
	)))
	conn := connect(t, server)

	require.NoError(t, conn.Send("Page.navigate", nil))

	match, seen := conn.WaitEvent(string(cdproto.EventPageLifecycleEvent), "networkAlmostIdle", time.Second)
	require.NotNil(t, match)
	assert.Equal(t, "networkAlmostIdle", paramName(t, match))

	// The same-method event with the wrong name must not match, only be
	// reported among the intermediate messages.
	require.Len(t, seen, 1)
	assert.Equal(t, "networkIdle", paramName(t, seen[0]))
}

func paramName(t *testing.T, msg *cdproto.Message) string {
	t.Helper()
	return gjson.GetBytes(msg.Params, "name").String()
}

func TestWaitEventKeepsEventsBetweenWaits(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", eventEmittingHandler(
		frameStoppedLoadingEvent(),
		lifecycleEvent("networkAlmostIdle"),
	)))
	conn := connect(t, server)

	require.NoError(t, conn.Send("Page.navigate", nil))

	// Both events arrive back to back; let them land before anyone waits.
	time.Sleep(200 * time.Millisecond)

	match, _ := conn.WaitEvent(cdproto.EventPageFrameStoppedLoading, "", time.Second)
	require.NotNil(t, match)

	// The second event fired while no wait was in progress and must
	// still be observable now.
	match, _ = conn.WaitEvent(string(cdproto.EventPageLifecycleEvent), "networkAlmostIdle", time.Second)
	require.NotNil(t, match)
}

func TestWaitEventTimeout(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.Silent))
	conn := connect(t, server)

	start := time.Now()
	match, seen := conn.WaitEvent(string(cdproto.EventPageFrameStoppedLoading), "", 100*time.Millisecond)
	assert.Nil(t, match)
	assert.Empty(t, seen)
	assert.Less(t, time.Since(start), time.Second)
}
