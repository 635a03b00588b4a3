package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _                  _
 (_)_ __ __ _  __ _| |_ ___
 | | '__/ _` + "`" + ` |/ _` + "`" + ` | __/ _ \
 | | | | (_| | (_| | ||  __/
 |_|_|  \__, |\__,_|\__\___|
        |___/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  IR Platform Session Gateway - Version %s\x1b[0m\n\n", Version)
}
