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

// Package devtools speaks the Chrome DevTools Protocol over a websocket:
// synchronous command execution, fire-and-forget commands, and blocking
// event waits.
package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"

	"github.com/Averroes/w3af/log"
)

const wsWriteBufferSize = 1 << 20

// ErrChannelClosed is returned when a command is issued on a closed
// connection.
var ErrChannelClosed = errors.New("connection closed")

// ErrCommandTimeout is returned when a command's response does not arrive
// within the per-call I/O timeout.
var ErrCommandTimeout = errors.New("timed out waiting for command result")

// Ensure Connection implements the Executor interface.
var _ cdp.Executor = &Connection{}

// Connection is a CDP control channel to one browser process. A recv
// loop fans every incoming message out to registered watchers: command
// round trips and event waits are both built on that primitive.
//
// The ioTimeout bounds individual request/response round trips and
// socket writes, not logical waits; one WaitEvent call may span many
// such round trips.
type Connection struct {
	ctx       context.Context
	wsURL     string
	ioTimeout time.Duration
	logger    *log.Logger
	conn      *websocket.Conn

	sendCh       chan *cdproto.Message
	eventsCh     chan *cdproto.Message
	closeCh      chan int
	errorCh      chan error
	done         chan struct{}
	shutdownOnce sync.Once
	msgID        int64

	watchersMu sync.Mutex
	watchers   map[int64]chan *cdproto.Message
	watcherID  int64

	mu          sync.Mutex
	debuggingID string

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection discovers the browser-level target of the DevTools
// endpoint at host:port and opens a websocket to it. Dial failures
// (including a refused connection when the browser never exposed the
// port) are returned as-is for the caller to classify.
func NewConnection(
	ctx context.Context, host string, port int, ioTimeout time.Duration, debuggingID string, logger *log.Logger,
) (*Connection, error) {
	wsURL, err := discoverWebSocketURL(ctx, host, port, ioTimeout)
	if err != nil {
		return nil, err
	}

	wsd := websocket.Dialer{
		HandshakeTimeout: ioTimeout,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", wsURL, err)
	}

	c := Connection{
		ctx:         ctx,
		wsURL:       wsURL,
		ioTimeout:   ioTimeout,
		logger:      logger,
		conn:        conn,
		sendCh:      make(chan *cdproto.Message, 32), // Avoid blocking in Execute
		eventsCh:    make(chan *cdproto.Message, 256),
		closeCh:     make(chan int),
		errorCh:     make(chan error),
		done:        make(chan struct{}),
		watchers:    make(map[int64]chan *cdproto.Message),
		debuggingID: debuggingID,
	}

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// SetDebuggingID tags subsequent log output with the session's
// correlation id.
func (c *Connection) SetDebuggingID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debuggingID = id
}

func (c *Connection) debugID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debuggingID
}

// Close performs the websocket close handshake and stops the control
// loops. Safe to call more than once.
func (c *Connection) Close() error {
	return c.closeConnection(websocket.CloseGoingAway)
}

func (c *Connection) closeConnection(code int) error {
	var err error

	c.shutdownOnce.Do(func() {
		defer func() {
			_ = c.conn.Close()

			// Stop the main control loops
			close(c.done)
		}()

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(c.ioTimeout),
		)
	})

	return err
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		select {
		case c.errorCh <- err:
		case <-c.done:
			return
		}
	}
	code := websocket.CloseGoingAway
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	select {
	case c.closeCh <- code:
	case <-c.done:
	}
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s (did: %s)", buf, c.debugID())

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			c.logger.Errorf("cdp", "ignoring malformed incoming message: %s (did: %s)", err, c.debugID())
			continue
		}

		if msg.ID == 0 && msg.Method != "" {
			c.enqueueEvent(&msg)
		}
		c.deliver(&msg)
	}
}

// enqueueEvent buffers an event until a WaitEvent call consumes it. The
// queue outlives individual waits, so an event fired between two waits
// is observed by the later one instead of being lost.
func (c *Connection) enqueueEvent(msg *cdproto.Message) {
	select {
	case c.eventsCh <- msg:
	default:
		c.logger.Debugf("cdp", "event queue full, dropping %s (did: %s)", msg.Method, c.debugID())
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				select {
				case c.errorCh <- err:
				case <-c.done:
					return
				}
				continue
			}

			buf, _ := c.encoder.BuildBytes()
			c.logger.Tracef("cdp:send", "-> %s (did: %s)", buf, c.debugID())
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case code := <-c.closeCh:
			_ = c.closeConnection(code)
		case <-c.done:
			return
		}
	}
}

// watch registers a tap on all incoming messages. The channel is
// buffered; a watcher that stops draining loses messages rather than
// stalling the recv loop.
func (c *Connection) watch() (int64, chan *cdproto.Message) {
	ch := make(chan *cdproto.Message, 64)
	c.watchersMu.Lock()
	defer c.watchersMu.Unlock()
	c.watcherID++
	c.watchers[c.watcherID] = ch
	return c.watcherID, ch
}

func (c *Connection) unwatch(id int64) {
	c.watchersMu.Lock()
	defer c.watchersMu.Unlock()
	delete(c.watchers, id)
}

func (c *Connection) deliver(msg *cdproto.Message) {
	c.watchersMu.Lock()
	defer c.watchersMu.Unlock()
	for id, ch := range c.watchers {
		select {
		case ch <- msg:
		default:
			c.logger.Debugf("cdp", "watcher %d is not draining, dropping %s (did: %s)", id, msg.Method, c.debugID())
		}
	}
}

func (c *Connection) enqueue(msg *cdproto.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return &websocket.CloseError{Code: code}
	case <-c.done:
		return ErrChannelClosed
	}
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive, bounded by the per-call I/O timeout.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&c.msgID, 1)

	wid, ch := c.watch()
	defer c.unwatch(wid)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	if err := c.enqueue(msg); err != nil {
		return err
	}

	timeout := time.After(c.ioTimeout)
	for {
		select {
		case reply := <-ch:
			if reply.ID != id || reply.Method != "" {
				continue
			}
			if reply.Error != nil {
				return reply.Error
			}
			if res != nil {
				return easyjson.Unmarshal(reply.Result, res)
			}
			return nil
		case <-timeout:
			return fmt.Errorf("%w: %s", ErrCommandTimeout, method)
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrChannelClosed
		}
	}
}

// Send issues a command without waiting for its result. Errors during
// command handling surface later as events, or not at all.
func (c *Connection) Send(method string, params easyjson.RawMessage) error {
	id := atomic.AddInt64(&c.msgID, 1)
	return c.enqueue(&cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: params,
	})
}

// Navigate starts loading a URL without waiting for the browser to act
// on it. The timeout travels with the command so the browser bounds its
// own navigation attempt.
func (c *Connection) Navigate(url string, timeout time.Duration) error {
	params, err := json.Marshal(struct {
		URL     string `json:"url"`
		Timeout int    `json:"timeout"`
	}{
		URL:     url,
		Timeout: int(timeout.Seconds()),
	})
	if err != nil {
		return err
	}
	return c.Send(cdproto.CommandPageNavigate, params)
}

// StopLoading asks the browser to stop loading the current page without
// waiting for confirmation.
func (c *Connection) StopLoading() error {
	return c.Send(cdproto.CommandPageStopLoading, nil)
}

// WaitEvent blocks until an event named event arrives whose params
// "name" field equals name (any payload when name is empty), or the
// timeout elapses. It returns the matching message, or nil on timeout,
// plus every other event consumed while waiting. A timeout is not an
// error.
//
// Events are drained from the connection's queue, which fills from the
// moment the connection is opened: an event that fired before WaitEvent
// was called still matches, so back-to-back events are never lost
// between two consecutive waits.
func (c *Connection) WaitEvent(event, name string, timeout time.Duration) (*cdproto.Message, []*cdproto.Message) {
	var seen []*cdproto.Message
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.eventsCh:
			if c.eventMatches(msg, event, name) {
				return msg, seen
			}
			seen = append(seen, msg)
		case <-deadline:
			c.logger.Debugf("cdp", "timed out waiting for %s after %s (did: %s)", event, timeout, c.debugID())
			return nil, seen
		case <-c.done:
			return nil, seen
		}
	}
}

func (c *Connection) eventMatches(msg *cdproto.Message, event, name string) bool {
	if string(msg.Method) != event {
		return false
	}
	if name == "" {
		return true
	}
	return gjson.GetBytes(msg.Params, "name").String() == name
}
