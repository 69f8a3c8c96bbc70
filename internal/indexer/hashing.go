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
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"runtime"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"snapindex/internal/storage"
)

func newHash(algo HashAlgo) hash.Hash {
	switch algo {
	case HashSHA256:
		return sha256.New()
	case HashSHA512:
		return sha512.New()
	case HashTree:
		// The tree hash root of a flat read equals SHA-512/256.
		return sha512.New512_256()
	default:
		return nil
	}
}

// hashFile computes the configured hash of one file through the snapshot
// view.
func hashFile(fs billy.Filesystem, path string, algo HashAlgo) ([]byte, error) {
	h := newHash(algo)
	if h == nil {
		return nil, nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// hashPending computes the missing hashes of a directory listing. With
// parallel enabled the files are hashed on a bounded worker pool; a failed
// read leaves the hash empty and the entry is still emitted with
// best-effort metadata.
func hashPending(fs billy.Filesystem, dir string, files []storage.FileAndHash, need []int, algo HashAlgo, parallel bool, onError func(path string, err error)) {
	if algo == HashNone || len(need) == 0 {
		return
	}

	hashOne := func(i int) {
		path := joinFS(dir, files[i].Name)
		sum, err := hashFile(fs, path, algo)
		if err != nil {
			log.Warnf("hashing %s: %v", path, err)
			if onError != nil {
				onError(path, err)
			}
			return
		}
		files[i].Hash = sum
	}

	if !parallel {
		for _, i := range need {
			hashOne(i)
		}
		return
	}

	p := pool.New().WithMaxGoroutines(runtime.NumCPU())
	for _, i := range need {
		i := i
		p.Go(func() { hashOne(i) })
	}
	p.Wait()
}
