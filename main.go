package main

import "github.com/ValentinKolb/dMux/cmd"

func main() {
	cmd.Execute()
}
