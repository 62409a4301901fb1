// ABOUTME: Scan command for checking the files of one package with a malware scanner
// ABOUTME: Runs the scan in the foreground and prints the per-file results as JSON

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/scan"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <provider> <package> <file>...",
		Short: "Scan the files of a package",
		Long: `Look up every file of a package with a scanner (virustotal or
hybridanalysis). A file may carry its sha256 as path@sha256; otherwise
the digest is computed locally. Unknown .apk and .so files are uploaded
when the scanner allows uploads.

Examples:
  pkgmeta scan virustotal com.example.app /tmp/base.apk /tmp/lib/libfoo.so
  pkgmeta scan hybridanalysis com.example.app /tmp/base.apk@275a021b...`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			s, err := svc.Scanner(args[0])
			if err != nil {
				return err
			}
			if err := svc.StartWrites(ctx); err != nil {
				return err
			}

			st := s.ScanPackage(ctx, scan.Request{Package: args[1], Files: parseFileArgs(args[2:])})
			if err := printJSON(cmd.OutOrStdout(), st); err != nil {
				return err
			}
			if st.Phase == scan.PhaseError {
				return fmt.Errorf("scan of %s failed: %s", args[1], st.Error)
			}
			return nil
		},
	}

	return cmd
}

// parseFileArgs splits path@sha256 arguments. An @ not followed by a
// well-formed digest is part of the path.
func parseFileArgs(args []string) []scan.FileInput {
	files := make([]scan.FileInput, 0, len(args))
	for _, a := range args {
		in := scan.FileInput{Path: a}
		if i := strings.LastIndexByte(a, '@'); i >= 0 {
			if sum, err := types.ParseSHA256(a[i+1:]); err == nil {
				in = scan.FileInput{Path: a[:i], SHA256: sum}
			}
		}
		files = append(files, in)
	}
	return files
}
