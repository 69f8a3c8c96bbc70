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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"
)

// AccessKeyRotation is how long a token file's access key stays valid; the
// previous key is retained for one rotation as last.key.<token>.
const AccessKeyRotation = 7 * 24 * time.Hour

// writeTokenFile enumerates the local users and groups into
// tokens_<start_token>.properties together with a rotated access key. The
// server reads the file through the share to map file ACLs onto accounts.
func (idx *Indexer) writeTokenFile(startToken string) error {
	dir := idx.cfg.DataDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	path := filepath.Join(dir, "tokens_"+sanitizeToken(startToken)+".properties")

	key, _, err := idx.currentAccessKey(startToken, path)
	if err != nil {
		return err
	}

	var b strings.Builder
	if u, err := user.Current(); err == nil {
		fmt.Fprintf(&b, "uid=%s\n", u.Uid)
		fmt.Fprintf(&b, "user=%s\n", u.Username)
		if gids, err := u.GroupIds(); err == nil {
			fmt.Fprintf(&b, "gids=%s\n", strings.Join(gids, ","))
		}
	}
	fmt.Fprintf(&b, "access_key=%s\n", key)
	fmt.Fprintf(&b, "access_key_age=%d\n", time.Now().Unix())

	if err := os.WriteFile(path+".new", []byte(b.String()), 0600); err != nil {
		return err
	}
	return os.Rename(path+".new", path)
}

// currentAccessKey reuses the existing key while it is younger than the
// rotation interval; otherwise it generates a new one and retains the old
// key as last.key.<token>.
func (idx *Indexer) currentAccessKey(startToken, path string) (key string, rotated bool, err error) {
	oldKey, oldAge := readTokenKey(path)
	if oldKey != "" && time.Since(oldAge) < AccessKeyRotation {
		return oldKey, false, nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", false, err
	}
	key = hex.EncodeToString(buf)

	if oldKey != "" {
		lastPath := filepath.Join(idx.cfg.DataDir, "last.key."+sanitizeToken(startToken))
		if err := os.WriteFile(lastPath, []byte(oldKey), 0600); err != nil {
			return "", false, err
		}
	}
	return key, true, nil
}

func readTokenKey(path string) (string, time.Time) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}
	}
	var key string
	var age time.Time
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "access_key="); ok {
			key = v
		}
		if v, ok := strings.CutPrefix(line, "access_key_age="); ok {
			var unix int64
			fmt.Sscanf(v, "%d", &unix)
			age = time.Unix(unix, 0)
		}
	}
	return key, age
}

func sanitizeToken(token string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return r.Replace(token)
}
