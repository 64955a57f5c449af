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

package chromium

import (
	"fmt"

	"github.com/spf13/afero"
)

// DataStore manages the browser's user data directory.
type DataStore struct {
	Dir string // path to the data storage directory

	fsys   afero.Fs
	remove bool // whether to remove the temporary directory in cleanup
}

// Make creates a temporary directory under tmpDir unless dir already
// names one the caller owns. Directories the caller passed in are never
// removed by Cleanup.
func (d *DataStore) Make(tmpDir string, dir interface{}) error {
	if d.fsys == nil {
		d.fsys = afero.NewOsFs()
	}

	if path, ok := dir.(string); ok && path != "" {
		d.Dir = path
		return nil
	}

	path, err := afero.TempDir(d.fsys, tmpDir, "w3af-chrome-data")
	if err != nil {
		return fmt.Errorf("cannot make temporary user data directory: %w", err)
	}
	d.Dir = path
	d.remove = true

	return nil
}

// Cleanup removes the temporary directory if this store created one.
func (d *DataStore) Cleanup() error {
	if !d.remove || d.Dir == "" {
		return nil
	}
	return d.fsys.RemoveAll(d.Dir)
}
