package main

import "github.com/apernet/quicmux/app/cmd"

func main() {
	cmd.Execute()
}
