package main

import "github.com/jmcleod/tokenvalidator/cmd/tokenvalidator/cmd"

func main() {
	cmd.Execute()
}
