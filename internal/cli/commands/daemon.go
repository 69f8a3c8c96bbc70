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

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the indexer daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexer daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemon.New().Run()
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendRequest(&daemon.Request{Type: daemon.RequestStop}, 10*time.Second)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("stop failed: %s", resp.Error)
		}
		fmt.Println("stopped")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !daemon.IsDaemonRunning() {
			fmt.Println("not running")
			return nil
		}
		resp, err := daemon.SendRequest(&daemon.Request{Type: daemon.RequestStatus}, 5*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("running (PID %d)\n", resp.PID)
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}
