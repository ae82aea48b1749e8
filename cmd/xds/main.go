package main

import "github.com/OpenTraceLab/OpenTraceXDS/cmd/xds/cmd"

func main() {
	cmd.Execute()
}
