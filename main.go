package main

import "github.com/moonbeam-foundation/lazyfork/cmd"

func main() {
	cmd.Execute()
}
