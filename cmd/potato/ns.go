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

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/thediveo/potato/namespace"
)

func newNsCmd() *cobra.Command {
	var kinds string

	cmd := &cobra.Command{
		Use:   "ns",
		Short: "Show the current namespaces and optionally create new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := namespace.ParseFlagSet(kinds)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "current:")
			for _, k := range namespace.All.Kinds() {
				h, err := namespace.Open(k)
				if err != nil {
					return err
				}
				printHandle(out, h)
				h.Close()
			}
			if set == 0 {
				return nil
			}
			handles, err := namespace.Create(set)
			if err != nil {
				return err
			}
			defer namespace.CloseAll(handles)
			fmt.Fprintln(out, "created:")
			for _, k := range set.Kinds() {
				printHandle(out, handles[k])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kinds, "kinds", "", `namespaces to create, such as "net,uts"`)
	return cmd
}

func printHandle(w io.Writer, h *namespace.Handle) {
	fmt.Fprintf(w, "  fd %d: %s\n", h.Fd(), h.Name())
}
