// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command implements the agent's CLI surface.
package command

import (
	"bytes"
	"flag"

	"github.com/hashicorp/cli"
)

// Meta contains the meta-options and functionality that every agent command
// inherits.
type Meta struct {
	Ui cli.Ui
}

// FlagSet returns a FlagSet wired to report parse errors through the UI.
func (m *Meta) FlagSet(n string) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)
	f.SetOutput(&uiErrorWriter{ui: m.Ui})
	return f
}

// uiErrorWriter adapts a cli.Ui to io.Writer so the flag package can print
// usage errors through it, one line at a time.
type uiErrorWriter struct {
	ui  cli.Ui
	buf bytes.Buffer
}

func (w *uiErrorWriter) Write(data []byte) (int, error) {
	read := 0
	for len(data) > 0 {
		a, token := scanLine(data)
		if a == 0 {
			break
		}
		w.ui.Error(string(token))
		data = data[a:]
		read += a
	}

	if len(data) > 0 {
		n, err := w.buf.Write(data)
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func (w *uiErrorWriter) Close() error {
	if w.buf.Len() > 0 {
		w.ui.Error(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func scanLine(data []byte) (int, []byte) {
	for i, b := range data {
		if b == '\n' {
			line := data[:i]
			if i > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			return i + 1, line
		}
	}
	return 0, nil
}
