package main

import "github.com/ValentinKolb/msgnet/cmd"

func main() {
	cmd.Execute()
}
