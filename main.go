package main

import "perfwatch/cmd"

func main() {
	cmd.Execute()
}
