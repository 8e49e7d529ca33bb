package main

import "github.com/ValentinKolb/rntbd/cmd"

func main() {
	cmd.Execute()
}
