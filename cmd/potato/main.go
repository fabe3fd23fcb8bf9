// Copyright 2026 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command potato serves HTTP requests, handling each of them in its own
// isolated process tree.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/thediveo/potato/spawn"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "potato",
		Short:        "Serve requests in isolated process trees",
		SilenceUsage: true,
		Version:      version,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newNsCmd())
	return rootCmd
}

func main() {
	// Re-executed copies of ourselves must run their task and exit before
	// anything else happens.
	spawn.CheckAction()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
