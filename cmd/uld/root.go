// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aclements/uld/link"
	"github.com/aclements/uld/linkerr"
)

var (
	outputPath  string
	libDirs     []string
	libNames    []string
	staticFlag  bool
	fuseLd      string
	nostdlib    bool
	disasmPath  string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "uld [flags] input...",
	Short: "A minimal static linker for x86_64 Linux ELF64 executables",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLink,

	// Errors are already logged with structured attrs in runLink;
	// cobra's default usage dump on error just adds noise here.
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output executable path")
	rootCmd.MarkFlagRequired("output")
	rootCmd.Flags().StringArrayVarP(&libDirs, "L", "L", nil, "prepend DIR to the library search path")
	rootCmd.Flags().StringArrayVarP(&libNames, "l", "l", nil, "search path for libNAME.a and treat it as an input")
	rootCmd.Flags().BoolVar(&staticFlag, "static", false, "accepted; static linking is implied")
	rootCmd.Flags().StringVar(&fuseLd, "fuse-ld", "", "accepted and ignored, for driver compatibility")
	rootCmd.Flags().BoolVar(&nostdlib, "nostdlib", false, "accepted and ignored by the core")
	rootCmd.Flags().StringVarP(&disasmPath, "disasm", "d", "", "write a symbolized disassembly of the final .text section to PATH")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "log each resolved input at debug level")
}

func runLink(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr, verboseFlag)

	inputs := make([]link.Input, 0, len(args)+len(libNames))
	for _, a := range args {
		inputs = append(inputs, link.Input{Path: a})
	}
	for _, name := range libNames {
		path, err := resolveLibrary(name, libDirs)
		if err != nil {
			return err
		}
		logger.Debug("resolved library", "name", name, "path", path)
		inputs = append(inputs, link.Input{Path: path})
	}

	for _, in := range inputs {
		logger.Debug("input", "path", in.Path)
	}

	cfg := link.Config{Inputs: inputs, Output: outputPath}

	var disasmFile *os.File
	if disasmPath != "" {
		f, err := os.Create(disasmPath)
		if err != nil {
			return linkerr.New(linkerr.IOFailure, linkerr.WithFile(disasmPath), linkerr.WithCause(err))
		}
		defer f.Close()
		cfg.Disasm = f
		disasmFile = f
	}

	result, err := link.Link(cfg)
	if err != nil {
		logErr(logger, err)
		return err
	}
	if disasmFile != nil {
		disasmFile.Sync()
	}

	logger.Info("link succeeded",
		"output", outputPath,
		"objects", result.ObjectCount,
		"entry", fmt.Sprintf("%#x", result.Entry),
	)
	return nil
}

func newLogger(w *os.File, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(newColorHandler(w, level))
}

// logErr reports a link failure with the structured attributes
// spec.md §7 asks for (file, symbol or section, and relocation
// context where applicable).
func logErr(logger *slog.Logger, err error) {
	var le *linkerr.Error
	if !errors.As(err, &le) {
		logger.Error(err.Error())
		return
	}
	attrs := []any{"kind", le.Kind.String()}
	if le.File != "" {
		attrs = append(attrs, "file", le.File)
	}
	if le.Member != "" {
		attrs = append(attrs, "member", le.Member)
	}
	if le.Symbol != "" {
		attrs = append(attrs, "symbol", le.Symbol)
	}
	if le.Section != "" {
		attrs = append(attrs, "section", le.Section)
	}
	if le.Reloc != "" {
		attrs = append(attrs, "reloc", le.Reloc)
	}
	if le.Detail != "" {
		attrs = append(attrs, "detail", le.Detail)
	}
	logger.Error("link failed", attrs...)
}
