package main

import "github.com/fakeyudi/fightrec/cmd"

func main() {
	cmd.Execute()
}
