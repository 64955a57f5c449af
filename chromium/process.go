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

// Package chromium provides facilities for finding, running, and
// inspecting a local Chromium browser process.
package chromium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Averroes/w3af/log"
)

const devToolsPrefix = "DevTools listening on "

// Process is a handle to one Chromium subprocess configured to route all
// of its traffic through a local proxy.
type Process struct {
	execPath string
	flags    map[string]interface{} // CLI flags to pass to the executable
	env      []string
	storage  *DataStore
	logger   *log.Logger

	proxyHost string
	proxyPort int

	cmd    *exec.Cmd
	cancel context.CancelFunc
	urlCh  chan urlParseResult

	mu           sync.Mutex
	pid          int
	devtoolsPort int
	wsURL        string
}

type urlParseResult struct {
	wsURL string
	err   error
}

// NewProcess returns a process handle with the default flag set. Extra
// flags override defaults with the same name.
func NewProcess(execPath string, extraFlags map[string]interface{}, env []string, logger *log.Logger) *Process {
	if execPath == "" {
		execPath = findExecPath()
	}

	flags := map[string]interface{}{
		"headless":                         true,
		"no-first-run":                     true,
		"no-default-browser-check":         true,
		"disable-gpu":                      true,
		"disable-sync":                     true,
		"disable-translate":                true,
		"disable-default-apps":             true,
		"disable-popup-blocking":           true,
		"mute-audio":                       true,
		"safebrowsing-disable-auto-update": true,
		"ignore-certificate-errors":        true,
	}
	for name, value := range extraFlags {
		flags[name] = value
	}

	return &Process{
		execPath: execPath,
		flags:    flags,
		env:      env,
		storage:  &DataStore{},
		logger:   logger,
		urlCh:    make(chan urlParseResult, 1),
	}
}

// SetProxy routes all browser traffic through the given proxy address.
// Must be called before Start.
func (p *Process) SetProxy(host string, port int) {
	p.proxyHost = host
	p.proxyPort = port
	p.flags["proxy-server"] = net.JoinHostPort(host, strconv.Itoa(port))
	// Chrome skips the proxy for loopback hosts unless told otherwise.
	p.flags["proxy-bypass-list"] = "<-loopback>"
}

// Start launches the browser process. The DevTools endpoint is discovered
// asynchronously; use WaitForStart to block until it is known.
func (p *Process) Start(ctx context.Context) (rerr error) {
	if p.execPath == "" {
		return errors.New("no chromium executable found in PATH")
	}

	args, err := p.prepareArgs()
	if err != nil {
		return fmt.Errorf("cannot prepare args: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	cmd := exec.CommandContext(ctx, p.execPath, args...) //nolint:gosec

	defer func() {
		if rerr != nil {
			cancel()
			_ = p.storage.Cleanup()
		}
	}()

	// Pipe stderr to stdout; Chrome prints the DevTools line on stderr.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cannot pipe stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start browser executable: %w", err)
	}

	p.cmd = cmd
	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		_ = p.storage.Cleanup()
	}()
	go p.parseDevToolsURL(stdout)

	return nil
}

// WaitForStart blocks until the remote-debugging port has been discovered
// and is accepting connections, or the timeout elapses.
func (p *Process) WaitForStart(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	var res urlParseResult
	select {
	case res = <-p.urlCh:
	case <-time.After(timeout):
		return errors.New("timed out waiting for the DevTools endpoint")
	}
	if res.err != nil {
		return fmt.Errorf("cannot discover DevTools endpoint: %w", res.err)
	}

	port, err := portFromWSURL(res.wsURL)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.wsURL = res.wsURL
	p.devtoolsPort = port
	p.mu.Unlock()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("DevTools port %d is not accepting connections", port)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// DevToolsPort returns the discovered remote-debugging port, or 0.
func (p *Process) DevToolsPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devtoolsPort
}

// ParentPID returns the browser's primary process id, or 0 once the
// handle has been terminated.
func (p *Process) ParentPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// ChildrenPIDs returns the pids of the browser's current child processes.
// Chrome forks one process per renderer; the list changes as tabs come
// and go. Best effort: an empty list on error.
func (p *Process) ChildrenPIDs() []int32 {
	parent := p.ParentPID()
	if parent == 0 {
		return nil
	}

	proc, err := process.NewProcess(int32(parent))
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}

	pids := make([]int32, 0, len(children))
	for _, child := range children {
		pids = append(pids, child.Pid)
	}
	return pids
}

// Terminate kills the browser process and removes its data directory.
func (p *Process) Terminate() error {
	p.mu.Lock()
	p.pid = 0
	p.mu.Unlock()

	if p.cancel != nil {
		defer p.cancel()
	}

	var err error
	if p.cmd != nil && p.cmd.Process != nil {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	}
	if cerr := p.storage.Cleanup(); err == nil {
		err = cerr
	}
	return err
}

// prepareArgs builds the command line argument list.
func (p *Process) prepareArgs() ([]string, error) {
	// use the provided directory or create a temporary one.
	if err := p.storage.Make("", p.flags["user-data-dir"]); err != nil {
		return nil, fmt.Errorf("cannot make user temp directory: %w", err)
	}
	p.flags["user-data-dir"] = p.storage.Dir

	names := make([]string, 0, len(p.flags))
	for name := range p.flags {
		names = append(names, name)
	}
	sort.Strings(names)

	var args []string
	for _, name := range names {
		switch value := p.flags[name].(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, errors.New("invalid browser command line flag")
		}
	}
	if _, ok := p.flags["no-sandbox"]; !ok && os.Getuid() == 0 {
		// Chromium needs --no-sandbox when running as root, for example
		// in a Linux container.
		args = append(args, "--no-sandbox")
	}
	if _, ok := p.flags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}
	args = append(args, "about:blank")

	return args, nil
}

// parseDevToolsURL grabs the websocket address from the browser's output.
func (p *Process) parseDevToolsURL(rc io.ReadCloser) {
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		if s := scanner.Text(); strings.HasPrefix(s, devToolsPrefix) {
			p.urlCh <- urlParseResult{
				wsURL: strings.TrimPrefix(strings.TrimSpace(s), devToolsPrefix),
			}
			// Keep draining so the browser never blocks on a full pipe.
			for scanner.Scan() {
			}
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("browser exited before the DevTools endpoint was printed")
	}
	p.urlCh <- urlParseResult{err: err}
}

func portFromWSURL(wsURL string) (int, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return 0, fmt.Errorf("cannot parse DevTools URL %q: %w", wsURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0, fmt.Errorf("cannot parse DevTools port from %q: %w", wsURL, err)
	}
	return port, nil
}

// findExecPath finds the path to the Chromium executable and returns it.
func findExecPath() string {
	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe",
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}
