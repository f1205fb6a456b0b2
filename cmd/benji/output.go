package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// emit prints v as indented JSON on stdout when -m is set, otherwise
// calls human to print whatever text that command normally shows. This
// keeps zerolog (stderr, operational logging) separate from the
// command's own stdout output, with the -m flag choosing which form the
// stdout side takes.
func (a *app) emit(v any, human func()) error {
	if !a.machine {
		human()
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(format string, args ...any) { fmt.Fprintf(os.Stdout, format, args...) }
