package main

import "github.com/kmorand/vigil/cmd/vigil/cmd"

func main() {
	cmd.Execute()
}
