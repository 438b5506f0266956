package main

import "github.com/naka-gawa/github-stars-tracker/cmd"

func main() {
	cmd.Execute()
}
