package main

import "github.com/radityaharya/bocchi/cmd"

func main() {
	cmd.Execute()
}
