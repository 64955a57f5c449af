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

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	null "gopkg.in/guregu/null.v3"

	"github.com/Averroes/w3af/chrome"
	"github.com/Averroes/w3af/proxy"
)

func getBrowseCmd(c *rootCommand) *cobra.Command {
	var (
		chromePath      string
		headed          bool
		debuggingID     string
		pageLoadTimeout time.Duration
		printDOM        bool
		printMemory     bool
		noWait          bool
	)

	browseCmd := &cobra.Command{
		Use:   "browse url",
		Short: "Load a page through an instrumented browser",
		Long: `Browse starts a logging proxy and a Chrome subprocess routed through
it, loads the given URL, waits for the page to finish loading and
reports what the instrumentation observed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := chrome.NewOptionsFromEnv()
			if err != nil {
				return err
			}

			upd := chrome.Options{PageLoadTimeout: pageLoadTimeout}
			if chromePath != "" {
				upd.ExecPath = null.StringFrom(chromePath)
			}
			if headed {
				upd.Headless = null.BoolFrom(false)
			}
			*opts = opts.Apply(upd)

			sink := make(chan proxy.Pair, 256)
			drained := make(chan struct{})
			go func() {
				defer close(drained)
				for pair := range sink {
					c.logger.Infof("browse", "%s %s -> %d",
						pair.Request.Method, pair.Request.URL, pair.Response.StatusCode)
				}
			}()

			s, err := chrome.New(c.ctx, http.DefaultClient, sink, opts, c.logger)
			if err != nil {
				close(sink)
				<-drained
				return err
			}
			defer func() {
				s.Terminate()
				close(sink)
				<-drained
			}()

			if debuggingID != "" {
				s.SetDebuggingID(debuggingID)
			}
			c.logger.Debugf("browse", "started %s", s)

			if err := s.LoadURL(args[0]); err != nil {
				return err
			}
			if !noWait && !s.WaitForLoad() {
				c.logger.Warnf("browse", "page load did not complete within %s, continuing with a partial DOM",
					opts.PageLoadTimeout)
				_ = s.Stop()
			}

			if req := s.FirstRequest(); req != nil {
				c.logger.Infof("browse", "first request: %s %s", req.Method, req.URL)
			}
			if resp := s.FirstResponse(); resp != nil {
				c.logger.Infof("browse", "first response: %s", resp.Status)
			}

			if printDOM {
				dom, err := s.GetDOM()
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, dom)
			}
			if printMemory {
				private, shared, ok := s.MemoryUsage()
				if !ok {
					return fmt.Errorf("cannot read memory usage, browser process is gone")
				}
				fmt.Fprintf(os.Stdout, "pid: %d\nprivate: %d bytes\nshared: %d bytes\n",
					s.PID(), private, shared)
			}
			return nil
		},
	}

	browseCmd.Flags().StringVar(&chromePath, "chrome", "", "path to the Chrome binary (default: autodetect)")
	browseCmd.Flags().BoolVar(&headed, "headed", false, "run the browser with a visible window")
	browseCmd.Flags().StringVar(&debuggingID, "debugging-id", "", "correlation id attached to every log line")
	browseCmd.Flags().DurationVar(&pageLoadTimeout, "timeout", 0, "page load timeout (default: 20s)")
	browseCmd.Flags().BoolVar(&printDOM, "dom", false, "print the rendered DOM to stdout")
	browseCmd.Flags().BoolVar(&printMemory, "memory", false, "print browser memory usage to stdout")
	browseCmd.Flags().BoolVar(&noWait, "no-wait", false, "do not wait for the page load to finish")

	return browseCmd
}
