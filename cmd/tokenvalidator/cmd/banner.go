package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _        _                          _ _     _       _
 | |_ ___ | | _____ _ __   __   ____ _| (_) __| | __ _| |_ ___  _ __
 | __/ _ \| |/ / _ \ '_ \  \ \ / / _` + "`" + ` | | |/ _` + "`" + ` |/ _` + "`" + ` | __/ _ \| '__|
 | || (_) |   <  __/ | | |  \ V / (_| | | | (_| | (_| | || (_) | |
  \__\___/|_|\_\___|_| |_|   \_/ \__,_|_|_|\__,_|\__,_|\__\___/|_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Development validation service - Version %s\x1b[0m\n\n", Version)
}
