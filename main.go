package main

import "github.com/jainsau/coals/cmd"

func main() {
	cmd.Execute()
}
