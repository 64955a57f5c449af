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
	"time"

	"github.com/mstoykov/envconfig"
	null "gopkg.in/guregu/null.v3"
)

const (
	// DefaultPageLoadTimeout bounds each load-wait stage and travels
	// with every navigate command.
	DefaultPageLoadTimeout = 20 * time.Second

	// DefaultIOTimeout bounds individual protocol round trips.
	DefaultIOTimeout = 1 * time.Second

	// DefaultStartTimeout bounds the proxy and browser startup waits.
	DefaultStartTimeout = 30 * time.Second
)

// Options configures one browser session.
type Options struct {
	ExecPath null.String `json:"execPath" envconfig:"W3AF_CHROME_PATH"`
	Headless null.Bool   `json:"headless" envconfig:"W3AF_CHROME_HEADLESS"`

	PageLoadTimeout time.Duration `json:"pageLoadTimeout" envconfig:"W3AF_CHROME_PAGE_LOAD_TIMEOUT"`
	IOTimeout       time.Duration `json:"ioTimeout" envconfig:"W3AF_CHROME_IO_TIMEOUT"`
	StartTimeout    time.Duration `json:"startTimeout" envconfig:"W3AF_CHROME_START_TIMEOUT"`

	// Extra command line flags for the browser, overriding defaults
	// with the same name.
	Flags map[string]interface{} `json:"-" ignored:"true"`
}

// NewOptions returns the default session options.
func NewOptions() *Options {
	return &Options{
		PageLoadTimeout: DefaultPageLoadTimeout,
		IOTimeout:       DefaultIOTimeout,
		StartTimeout:    DefaultStartTimeout,
	}
}

// NewOptionsFromEnv returns the default options with environment
// variable overrides applied.
func NewOptionsFromEnv() (*Options, error) {
	opts := NewOptions()
	if err := envconfig.Process("", opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// Apply merges the valid fields of upd into a copy of o and returns it.
func (o Options) Apply(upd Options) Options {
	if upd.ExecPath.Valid {
		o.ExecPath = upd.ExecPath
	}
	if upd.Headless.Valid {
		o.Headless = upd.Headless
	}
	if upd.PageLoadTimeout > 0 {
		o.PageLoadTimeout = upd.PageLoadTimeout
	}
	if upd.IOTimeout > 0 {
		o.IOTimeout = upd.IOTimeout
	}
	if upd.StartTimeout > 0 {
		o.StartTimeout = upd.StartTimeout
	}
	if upd.Flags != nil {
		o.Flags = upd.Flags
	}
	return o
}

// browserFlags folds the option fields that map to command line flags
// into the extra flag set.
func (o *Options) browserFlags() map[string]interface{} {
	flags := make(map[string]interface{}, len(o.Flags)+1)
	for name, value := range o.Flags {
		flags[name] = value
	}
	if o.Headless.Valid {
		flags["headless"] = o.Headless.Bool
	}
	return flags
}
