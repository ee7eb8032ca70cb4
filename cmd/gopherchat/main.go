package main

import "github.com/suPer8Hu/gopherchat/internal/cli"

func main() {
	cli.Execute()
}
