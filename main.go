package main

import "github.com/BeroLab/brok/cmd"

func main() {
	cmd.Execute()
}
