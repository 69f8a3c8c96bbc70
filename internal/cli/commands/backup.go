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

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"snapindex/internal/daemon"
)

var (
	backupFull       bool
	backupGroup      int
	backupStartToken string
	backupHashAlgo   string
)

var backupCmd = &cobra.Command{
	Use:   "index",
	Short: "Run a file backup index",
	Long:  `Ask the daemon to index the configured backup roots and publish a file list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reqType := daemon.RequestStartIncrFileBackup
		if backupFull {
			reqType = daemon.RequestStartFullFileBackup
		}
		resp, err := daemon.SendRequest(&daemon.Request{
			Type:       reqType,
			StartToken: backupStartToken,
			Group:      backupGroup,
			HashAlgo:   backupHashAlgo,
		}, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Println(resp.Reply)
		if !resp.Success {
			return fmt.Errorf("indexing failed")
		}
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Drain the indexer warning log",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendRequest(&daemon.Request{Type: daemon.RequestGetLog}, 10*time.Second)
		if err != nil {
			return err
		}
		fmt.Println(resp.Reply)
		return nil
	},
}

func init() {
	backupCmd.Flags().BoolVar(&backupFull, "full", false, "run a full index instead of an incremental one")
	backupCmd.Flags().IntVar(&backupGroup, "group", 0, "backup group")
	backupCmd.Flags().StringVar(&backupStartToken, "start-token", "local", "server start token")
	backupCmd.Flags().StringVar(&backupHashAlgo, "hash", "sha256", "hash algorithm (sha256, sha512, thash, none)")
	rootCmd.AddCommand(backupCmd, logCmd)
}
