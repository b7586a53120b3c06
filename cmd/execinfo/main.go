// This file is part of GoRE.
//
// Copyright (C) 2019-2024 GoRE Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Command execinfo prints the format independent view of ELF, PE and Mach-O
// executables.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/goretk/execfile"
	"github.com/sirupsen/logrus"
)

// CLI defines the command-line interface.
type CLI struct {
	Output  string   `short:"o" name:"output" enum:"text,yaml,json" default:"text" help:"Output format (text/yaml/json)"`
	Symbols bool     `short:"s" name:"symbols" help:"Decode and print symbol tables"`
	GoInfo  bool     `short:"g" name:"go" help:"Print the Go build ID and build info if present"`
	Verbose bool     `short:"v" name:"verbose" help:"Log skipped structures while decoding"`
	Files   []string `arg:"" name:"file" help:"Executables to inspect" type:"existingfile"`
}

func main() {
	var cli CLI

	kong.Parse(&cli,
		kong.Name("execinfo"),
		kong.Description("Inspect ELF, PE, Mach-O and universal binaries."),
		kong.UsageOnError(),
	)

	log := logrus.New()
	log.Out = os.Stderr
	if cli.Verbose {
		log.Level = logrus.DebugLevel
	}

	if err := run(cli, os.Stdout, log); err != nil {
		os.Exit(1)
	}
}

// run inspects every file and writes the reports to w. Files that fail to
// parse are logged and make run return an error after the remaining files
// have been processed.
func run(cli CLI, w io.Writer, log logrus.FieldLogger) error {
	opts := []execfile.Option{execfile.WithLogger(log)}
	if !cli.Symbols {
		opts = append(opts, execfile.WithoutSymbols())
	}

	var failed int
	var reports []*report
	for _, name := range cli.Files {
		f, err := execfile.Open(name, opts...)
		if err != nil {
			log.WithError(err).WithField("file", name).Error("failed to parse")
			failed++
			continue
		}
		reports = append(reports, newReport(name, f, cli.Symbols, cli.GoInfo))
	}

	if err := writeReports(w, cli.Output, reports); err != nil {
		log.WithError(err).Error("failed to write output")
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be parsed", failed, len(cli.Files))
	}
	return nil
}
