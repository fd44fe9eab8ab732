package main

import "github.com/cryfs/cryfs-sub000/cmd"

func main() {
	cmd.Execute()
}
