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

// Package chrome manages one instrumented browser session:
//
//  1. Start a proxy server
//  2. Start a chrome process that navigates via the proxy
//  3. Load a page in Chrome (via the proxy)
//  4. Receive Chrome events which indicate when the page load finished
//  5. Close the browser
package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/security"

	"github.com/Averroes/w3af/chromium"
	"github.com/Averroes/w3af/devtools"
	"github.com/Averroes/w3af/log"
	"github.com/Averroes/w3af/proxy"
	"github.com/Averroes/w3af/psmem"
)

const (
	proxyHost  = "127.0.0.1"
	chromeHost = "127.0.0.1"

	// lifecycle event name that marks the load-wait's second stage.
	networkAlmostIdle = "networkAlmostIdle"
)

// TrafficProxy is the session's view of the logging proxy.
type TrafficProxy interface {
	Start() error
	WaitForStart(timeout time.Duration) error
	BindPort() int
	FirstRequest() *http.Request
	FirstResponse() *http.Response
	SetDebuggingID(id string)
	Stop() error
}

// Process is the session's view of the browser subprocess.
type Process interface {
	SetProxy(host string, port int)
	Start(ctx context.Context) error
	WaitForStart(timeout time.Duration) error
	DevToolsPort() int
	ParentPID() int
	ChildrenPIDs() []int32
	Terminate() error
}

// DevTools is the session's view of the protocol connection.
type DevTools interface {
	cdp.Executor
	Navigate(url string, timeout time.Duration) error
	StopLoading() error
	WaitEvent(event, name string, timeout time.Duration) (*cdproto.Message, []*cdproto.Message)
	SetDebuggingID(id string)
	Close() error
}

// ConnectError is returned when the remote-debugging interface could not
// be reached during session construction.
type ConnectError struct {
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to Chrome on port %d: %s", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// factories build the session's collaborators; tests swap them out.
type factories struct {
	newProxy   func(dispatcher proxy.Dispatcher, sink chan<- proxy.Pair, logger *log.Logger) TrafficProxy
	newProcess func(opts *Options, logger *log.Logger) Process
	connect    func(ctx context.Context, host string, port int, ioTimeout time.Duration, debuggingID string, logger *log.Logger) (DevTools, error)
	collectMem func(pids []int32) (*psmem.Usage, error)
}

func defaultFactories() factories {
	return factories{
		newProxy: func(dispatcher proxy.Dispatcher, sink chan<- proxy.Pair, logger *log.Logger) TrafficProxy {
			return proxy.New(proxyHost, dispatcher, sink, logger)
		},
		newProcess: func(opts *Options, logger *log.Logger) Process {
			return chromium.NewProcess(opts.ExecPath.String, opts.browserFlags(), nil, logger)
		},
		connect: func(ctx context.Context, host string, port int, ioTimeout time.Duration, debuggingID string, logger *log.Logger) (DevTools, error) {
			return devtools.NewConnection(ctx, host, port, ioTimeout, debuggingID, logger)
		},
		collectMem: func(pids []int32) (*psmem.Usage, error) {
			return psmem.Collect(pids, true)
		},
	}
}

// Session is one instrumented browser. It exclusively owns its proxy,
// its browser process, and its protocol connection; Terminate clears all
// three, after which the session is no longer operational.
type Session struct {
	id          string
	debuggingID string

	ctx    context.Context
	opts   *Options
	logger *log.Logger
	f      factories

	proxy   TrafficProxy
	process Process
	conn    DevTools
}

// New builds a fully-initialized session or fails outright. The
// dispatcher issues the proxy's upstream requests and the sink receives
// the observed traffic; both stay owned by the caller. On failure every
// collaborator that was already started is stopped again before the
// error is returned.
func New(ctx context.Context, dispatcher proxy.Dispatcher, sink chan<- proxy.Pair, opts *Options, logger *log.Logger) (*Session, error) {
	return newSession(ctx, dispatcher, sink, opts, logger, defaultFactories())
}

func newSession(
	ctx context.Context, dispatcher proxy.Dispatcher, sink chan<- proxy.Pair,
	opts *Options, logger *log.Logger, f factories,
) (_ *Session, rerr error) {
	if opts == nil {
		opts = NewOptions()
	}

	s := &Session{
		id:     randAlnum(8),
		ctx:    ctx,
		opts:   opts,
		logger: logger,
		f:      f,
	}

	defer func() {
		if rerr != nil {
			s.cleanup()
		}
	}()

	if err := s.startProxy(dispatcher, sink); err != nil {
		return nil, err
	}
	if err := s.startProcess(); err != nil {
		return nil, err
	}
	if err := s.connectToChrome(); err != nil {
		return nil, err
	}
	if err := s.applySettings(); err != nil {
		return nil, fmt.Errorf("cannot apply session settings: %w", err)
	}

	return s, nil
}

func (s *Session) startProxy(dispatcher proxy.Dispatcher, sink chan<- proxy.Pair) error {
	px := s.f.newProxy(dispatcher, sink, s.logger)
	px.SetDebuggingID(s.debuggingID)

	if err := px.Start(); err != nil {
		return fmt.Errorf("cannot start proxy server: %w", err)
	}
	s.proxy = px

	if err := px.WaitForStart(s.opts.StartTimeout); err != nil {
		return fmt.Errorf("proxy server did not start: %w", err)
	}
	return nil
}

func (s *Session) startProcess() error {
	proc := s.f.newProcess(s.opts, s.logger)
	proc.SetProxy(proxyHost, s.proxy.BindPort())

	if err := proc.Start(s.ctx); err != nil {
		return fmt.Errorf("cannot start chrome process: %w", err)
	}
	s.process = proc

	if err := proc.WaitForStart(s.opts.StartTimeout); err != nil {
		return fmt.Errorf("chrome process did not start: %w", err)
	}
	return nil
}

func (s *Session) connectToChrome() error {
	port := s.process.DevToolsPort()

	// The timeout we specify here bounds individual send/recv round
	// trips, not page loads: one logical wait may poll across many such
	// round trips.
	conn, err := s.f.connect(s.ctx, chromeHost, port, s.opts.IOTimeout, s.debuggingID, s.logger)
	if err != nil {
		return &ConnectError{Port: port, Err: err}
	}
	s.conn = conn
	return nil
}

// applySettings pushes the fixed configuration every session runs with.
func (s *Session) applySettings() error {
	executor := cdp.WithExecutor(s.ctx, s.conn)

	actions := []interface {
		Do(ctx context.Context) error
	}{
		// Disable certificate validation
		security.SetIgnoreCertificateErrors(true),
		// Disable CSP
		page.SetBypassCSP(true),
		// Disable downloads
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorDeny),
		// Enable events
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
	}
	for _, action := range actions {
		if err := action.Do(executor); err != nil {
			return err
		}
	}
	return nil
}

// cleanup stops whichever collaborators a failed construction already
// started, best effort.
func (s *Session) cleanup() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debugf("chrome", "failed to close chrome connection, exception: %q (did: %s)", err, s.debuggingID)
		}
	}
	if s.process != nil {
		if err := s.process.Terminate(); err != nil {
			s.logger.Debugf("chrome", "failed to terminate chrome process, exception: %q (did: %s)", err, s.debuggingID)
		}
	}
	if s.proxy != nil {
		if err := s.proxy.Stop(); err != nil {
			s.logger.Debugf("chrome", "failed to stop proxy server, exception: %q (did: %s)", err, s.debuggingID)
		}
	}
	s.proxy, s.process, s.conn = nil, nil, nil
}

// ID returns the session's immutable identifier.
func (s *Session) ID() string { return s.id }

// SetDebuggingID stores the correlation id and forwards it to the owned
// collaborators so their log streams can be tied back to this session.
// Idempotent, callable at any point after construction.
func (s *Session) SetDebuggingID(id string) {
	s.debuggingID = id
	if s.conn != nil {
		s.conn.SetDebuggingID(id)
	}
	if s.proxy != nil {
		s.proxy.SetDebuggingID(id)
	}
}

// DebuggingID returns the currently assigned correlation id.
func (s *Session) DebuggingID() string { return s.debuggingID }

// ProxyAddress returns the host and port the proxy is bound to.
func (s *Session) ProxyAddress() (string, int) {
	return proxyHost, s.proxy.BindPort()
}

// FirstRequest returns the first request observed by the session proxy.
func (s *Session) FirstRequest() *http.Request {
	return s.proxy.FirstRequest()
}

// FirstResponse returns the first response observed by the session proxy.
func (s *Session) FirstResponse() *http.Response {
	return s.proxy.FirstResponse()
}

// LoadURL starts loading a URL and returns immediately, even if the
// browser is not able to load it; errors surface later as missing
// events, not here.
func (s *Session) LoadURL(url string) error {
	return s.conn.Navigate(url, s.opts.PageLoadTimeout)
}

// LoadAboutBlank discards the previous page state.
func (s *Session) LoadAboutBlank() error {
	return s.LoadURL("about:blank")
}

// Stop asks the browser to stop loading the current page. It does not
// wait for confirmation.
func (s *Session) Stop() error {
	return s.conn.StopLoading()
}

// loadWaitState drives WaitForLoad's event sequencing.
type loadWaitState int

const (
	awaitFrameStopped loadWaitState = iota
	awaitNetworkAlmostIdle
	loadComplete
	loadTimedOut
)

// WaitForLoad waits until the page has, best effort, finished loading.
//
// Knowing when a page has completed loading is difficult, so two events
// are required, in order: Page.frameStoppedLoading, then a
// Page.lifecycleEvent named networkAlmostIdle. If either fails to show
// up within the page-load timeout the wait gives up and returns false,
// assuming that waiting was the best it could do; a page can finish
// rendering without ever emitting the pair.
func (s *Session) WaitForLoad() bool {
	state := awaitFrameStopped
	for {
		switch state {
		case awaitFrameStopped:
			match, _ := s.conn.WaitEvent(cdproto.EventPageFrameStoppedLoading, "", s.opts.PageLoadTimeout)
			if match == nil {
				// A page that never stops loading cannot go network-idle:
				// skip the second stage entirely.
				state = loadTimedOut
				continue
			}
			s.logger.Debugf("chrome", "received %s from Chrome while waiting for page load (did: %s)",
				cdproto.EventPageFrameStoppedLoading, s.debuggingID)
			state = awaitNetworkAlmostIdle

		case awaitNetworkAlmostIdle:
			match, _ := s.conn.WaitEvent(cdproto.EventPageLifecycleEvent, networkAlmostIdle, s.opts.PageLoadTimeout)
			if match == nil {
				state = loadTimedOut
				continue
			}
			s.logger.Debugf("chrome", "received %s from Chrome while waiting for page load (did: %s)",
				cdproto.EventPageLifecycleEvent, s.debuggingID)
			state = loadComplete

		case loadComplete:
			return true

		case loadTimedOut:
			return false
		}
	}
}

// GetDOM evaluates the DOM serialization expression in the page and
// returns the live result; nothing is cached.
func (s *Session) GetDOM() (string, error) {
	obj, exc, err := runtime.Evaluate("document.body.outerHTML").
		Do(cdp.WithExecutor(s.ctx, s.conn))
	if err != nil {
		return "", fmt.Errorf("cannot evaluate DOM expression: %w", err)
	}
	if exc != nil {
		return "", fmt.Errorf("DOM expression raised: %w", exc)
	}
	if obj == nil {
		return "", fmt.Errorf("DOM evaluation returned no result")
	}

	var dom string
	if err := json.Unmarshal(obj.Value, &dom); err != nil {
		return "", fmt.Errorf("unexpected DOM evaluation result: %w", err)
	}
	return dom, nil
}

// PID returns the browser's primary OS process id, or 0 once the
// session has been terminated.
func (s *Session) PID() int {
	if s.process == nil {
		return 0
	}
	return s.process.ParentPID()
}

// MemoryUsage returns the private and shared memory totals for the
// chrome process and all its children (chrome uses various processes for
// rendering HTML). ok is false when the primary process is already gone.
func (s *Session) MemoryUsage() (private, shared uint64, ok bool) {
	if s.process == nil {
		return 0, 0, false
	}
	parent := s.process.ParentPID()
	if parent == 0 {
		return 0, 0, false
	}

	pids := append([]int32{int32(parent)}, s.process.ChildrenPIDs()...)
	usage, err := s.f.collectMem(pids)
	if err != nil {
		return 0, 0, false
	}

	// The accounting pass skips pids that vanished; a crashed browser
	// leaves a stale parent pid behind, and totals without the primary
	// process are meaningless.
	primarySeen := false
	for _, p := range usage.Private {
		if p.PID == int32(parent) {
			primarySeen = true
		}
		private += p.Private
	}
	if !primarySeen {
		return 0, 0, false
	}

	for _, size := range usage.Shared {
		shared += size
	}
	return private, shared, true
}

// Terminate shuts the session down: proxy first so no new traffic is
// accepted, then an orderly protocol close, then the process kill. Every
// sub-step failure is logged and never stops the remaining sub-steps;
// afterwards the session is unambiguously non-operational.
func (s *Session) Terminate() {
	s.logger.Debugf("chrome", "terminating %s (did: %s)", s, s.debuggingID)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop proxy server", func() error {
			if s.proxy == nil {
				return nil
			}
			return s.proxy.Stop()
		}},
		{"close chrome connection", func() error {
			if s.conn == nil {
				return nil
			}
			// Connection teardown is known to be log-noisy when the
			// browser is already half dead; quiet the sink for this one
			// call only.
			restore := s.logger.Suppress()
			defer restore()
			return s.conn.Close()
		}},
		{"terminate chrome process", func() error {
			if s.process == nil {
				return nil
			}
			return s.process.Terminate()
		}},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.logger.Debugf("chrome", "failed to %s, exception: %q (did: %s)", step.name, err, s.debuggingID)
		}
	}

	s.proxy, s.process, s.conn = nil, nil, nil
}

// String renders a diagnostics descriptor. Safe to call even after
// Terminate, when every owned collaborator is gone.
func (s *Session) String() string {
	proxyPort := "nil"
	devtoolsPort := "nil"
	pid := "nil"

	if s.proxy != nil {
		proxyPort = fmt.Sprintf("%d", s.proxy.BindPort())
	}
	if s.process != nil {
		devtoolsPort = fmt.Sprintf("%d", s.process.DevToolsPort())
		pid = fmt.Sprintf("%d", s.process.ParentPID())
	}

	return fmt.Sprintf("<chrome.Session (id:%s, proxy:%s, process_id: %s, devtools:%s)>",
		s.id, proxyPort, pid, devtoolsPort)
}

const alnum = "abcdefghijklmnopqrstuvwxyz0123456789"

func randAlnum(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alnum[rand.Intn(len(alnum))]
	}
	return string(buf)
}
