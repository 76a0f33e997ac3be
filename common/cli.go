// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared utilities for zerotrace CLI tools.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ExecuteWithFang executes a cobra command using fang with the standard
// zerotrace options, so every CLI tool shares one execution pattern.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage creates an error handler that shows usage help for
// CLI argument errors and a --help hint otherwise.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if isUsageError(err) {
			helpFunc := cmd.HelpFunc()
			if helpFunc != nil {
				_ = colorprofile.NewWriter(w, nil)
				helpFunc(cmd, []string{})
			}
			return
		}
		_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
			lipgloss.Left,
			styles.ErrorText.UnsetWidth().Render("Try"),
			styles.Program.Flag.Render("--help"),
			styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
		))
		_, _ = fmt.Fprintln(w)
	}
}

func isUsageError(err error) bool {
	msg := err.Error()
	for _, fragment := range []string{
		"unknown flag",
		"unknown command",
		"invalid argument",
		"requires at least",
		"accepts at most",
		"required flag",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
