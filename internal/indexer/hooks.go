// Copyright 2025 Snapindex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package indexer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Hook script names, run before and after indexing.
const (
	HookPreFileBackup = "prefilebackup"
	HookPostFileIndex = "postfileindex"
)

// runHook executes a hook script synchronously. A missing script is fine;
// a non-zero exit code surfaces as an error reply and prevents indexing.
func (idx *Indexer) runHook(name string, args ...string) error {
	if idx.cfg.HookDir == "" {
		return nil
	}
	script := filepath.Join(idx.cfg.HookDir, name)
	if _, err := os.Stat(script); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.Command(script, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s script failed with error code %s", name, strconv.Itoa(exitErr.ExitCode()))
	}
	log.Warnf("hook %s did not run: %v", name, err)
	return fmt.Errorf("%s script failed with error code -1", name)
}
