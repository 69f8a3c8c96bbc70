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

var cbtCmd = &cobra.Command{
	Use:   "cbt",
	Short: "Manage change block tracking",
}

var cbtUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Reconfigure tracked volumes from settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendRequest(&daemon.Request{Type: daemon.RequestUpdateCbt}, time.Minute)
		if err != nil {
			return err
		}
		fmt.Println(resp.Reply)
		return nil
	},
}

var cbtSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Sample the bitmaps without running a backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendRequest(&daemon.Request{Type: daemon.RequestSnapshotCbt}, 10*time.Minute)
		if err != nil {
			return err
		}
		fmt.Println(resp.Reply)
		if !resp.Success {
			return fmt.Errorf("bitmap snapshot failed")
		}
		return nil
	},
}

func init() {
	cbtCmd.AddCommand(cbtUpdateCmd, cbtSnapshotCmd)
	rootCmd.AddCommand(cbtCmd)
}
