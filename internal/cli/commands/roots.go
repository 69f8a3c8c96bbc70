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
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"snapindex/internal/daemon"
	"snapindex/internal/storage"
)

var rootFlagNames = map[string]storage.RootFlag{
	"follow_symlinks":   storage.FlagFollowSymlinks,
	"symlinks_optional": storage.FlagSymlinksOptional,
	"optional":          storage.FlagOptional,
	"require_snapshot":  storage.FlagRequireSnapshot,
	"share_hashes":      storage.FlagShareHashes,
	"one_filesystem":    storage.FlagOneFilesystem,
	"keep":              storage.FlagKeepFiles,
}

var (
	rootGroup     int
	rootFlagsSpec string
)

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "Manage configured backup roots",
}

func openDAO() (*storage.ClientDAO, error) {
	if err := daemon.EnsureConfigDir(); err != nil {
		return nil, err
	}
	return storage.Open(filepath.Join(daemon.DataDir(), "client.db"))
}

var rootsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		dao, err := openDAO()
		if err != nil {
			return err
		}
		defer dao.Close()

		roots, err := dao.BackupRoots(context.Background())
		if err != nil {
			return err
		}
		for _, r := range roots {
			var flags []string
			for name, bit := range rootFlagNames {
				if r.Flags.Has(bit) {
					flags = append(flags, name)
				}
			}
			fmt.Printf("%d\t%s\t%s\tgroup=%d\t%s\n", r.ID, r.Name, r.Path, r.Group, strings.Join(flags, ","))
		}
		return nil
	},
}

var rootsAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Add a backup root",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var flags storage.RootFlag
		for _, name := range strings.Split(rootFlagsSpec, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			bit, ok := rootFlagNames[name]
			if !ok {
				return fmt.Errorf("unknown flag %q", name)
			}
			flags |= bit
		}

		dao, err := openDAO()
		if err != nil {
			return err
		}
		defer dao.Close()

		id, err := dao.AddBackupRoot(context.Background(), storage.BackupRoot{
			Name:  args[0],
			Path:  filepath.Clean(args[1]),
			Group: rootGroup,
			Flags: flags,
		})
		if err != nil {
			return err
		}
		fmt.Printf("added backup root %d\n", id)
		return nil
	},
}

var rootsDelCmd = &cobra.Command{
	Use:   "del <id>",
	Short: "Delete a backup root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("bad id %q", args[0])
		}
		dao, err := openDAO()
		if err != nil {
			return err
		}
		defer dao.Close()
		return dao.DelBackupRoot(context.Background(), id)
	},
}

func init() {
	rootsAddCmd.Flags().IntVar(&rootGroup, "group", 0, "backup group")
	rootsAddCmd.Flags().StringVar(&rootFlagsSpec, "flags", "", "comma-separated root flags")
	rootsCmd.AddCommand(rootsListCmd, rootsAddCmd, rootsDelCmd)
	rootCmd.AddCommand(rootsCmd)
}
