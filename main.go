package main

import "github.com/opendata-ee/ariregister/cmd"

func main() {
	cmd.Execute()
}
