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
	shadowStartToken string
	shadowImage      bool
	shadowSaveID     int64
)

var shadowCmd = &cobra.Command{
	Use:   "shadow",
	Short: "Manage snapshots of backup roots",
}

var shadowCreateCmd = &cobra.Command{
	Use:   "create <logical-dir>",
	Short: "Create or reuse a snapshot of a backup root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendRequest(&daemon.Request{
			Type:        daemon.RequestCreateShadowcopy,
			LogicalDir:  args[0],
			StartToken:  shadowStartToken,
			ImageBackup: shadowImage,
			Fileserv:    true,
		}, 10*time.Minute)
		if err != nil {
			return err
		}
		fmt.Println(resp.Reply)
		if !resp.Success {
			return fmt.Errorf("snapshot failed")
		}
		return nil
	},
}

var shadowReleaseCmd = &cobra.Command{
	Use:   "release <logical-dir>",
	Short: "Release a snapshot claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendRequest(&daemon.Request{
			Type:        daemon.RequestReleaseShadowcopy,
			LogicalDir:  args[0],
			StartToken:  shadowStartToken,
			ImageBackup: shadowImage,
			SaveID:      shadowSaveID,
		}, time.Minute)
		if err != nil {
			return err
		}
		fmt.Println(resp.Reply)
		if !resp.Success {
			return fmt.Errorf("release failed")
		}
		return nil
	},
}

func init() {
	shadowCmd.PersistentFlags().StringVar(&shadowStartToken, "start-token", "local", "server start token")
	shadowCmd.PersistentFlags().BoolVar(&shadowImage, "image", false, "snapshot for an image backup")
	shadowReleaseCmd.Flags().Int64Var(&shadowSaveID, "save-id", 0, "save id from the create reply")
	shadowCmd.AddCommand(shadowCreateCmd, shadowReleaseCmd)
	rootCmd.AddCommand(shadowCmd)
}
