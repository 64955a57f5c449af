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

package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Averroes/w3af/log"
)

func startProxy(t *testing.T, sink chan Pair) *Server {
	t.Helper()

	s := New("127.0.0.1", &http.Client{}, sink, log.NewNullLogger())
	require.NoError(t, s.Start())
	require.NoError(t, s.WaitForStart(time.Second))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func proxiedClient(t *testing.T, s *Server) *http.Client {
	t.Helper()

	proxyURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", s.BindPort()))
	require.NoError(t, err)

	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
}

func TestProxyForwardsAndRecords(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		fmt.Fprint(w, "hello")
	}))
	defer backend.Close()

	sink := make(chan Pair, 8)
	s := startProxy(t, sink)
	client := proxiedClient(t, s)

	resp, err := client.Get(backend.URL + "/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Backend"))

	select {
	case pair := <-sink:
		assert.Equal(t, "/index.html", pair.Request.URL.Path)
		assert.Equal(t, http.StatusOK, pair.Response.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("no traffic observed on sink")
	}

	require.NotNil(t, s.FirstRequest())
	require.NotNil(t, s.FirstResponse())
	assert.Equal(t, "/index.html", s.FirstRequest().URL.Path)
}

func TestProxyFirstRequestIsStable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.URL.Path)
	}))
	defer backend.Close()

	s := startProxy(t, nil)
	client := proxiedClient(t, s)

	for _, path := range []string{"/first", "/second"} {
		resp, err := client.Get(backend.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, "/first", s.FirstRequest().URL.Path)
}

func TestProxyBindPort(t *testing.T) {
	s := New("127.0.0.1", &http.Client{}, nil, log.NewNullLogger())
	assert.Zero(t, s.BindPort())

	require.NoError(t, s.Start())
	defer s.Stop()
	assert.NotZero(t, s.BindPort())
}

func TestProxyUpstreamFailure(t *testing.T) {
	s := startProxy(t, nil)
	client := proxiedClient(t, s)

	// Unroutable backend: the dispatcher fails, the proxy answers 502.
	resp, err := client.Get("http://127.0.0.1:1/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	assert.Nil(t, s.FirstRequest())
}

func TestProxyStopIsIdempotent(t *testing.T) {
	s := startProxy(t, nil)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestProxyWaitForStartTimeout(t *testing.T) {
	s := New("127.0.0.1", &http.Client{}, nil, log.NewNullLogger())
	err := s.WaitForStart(10 * time.Millisecond)
	require.Error(t, err)
}
