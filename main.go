package main

import "gunshot-detector/cmd"

func main() {
	cmd.Execute()
}
