package main

import "github.com/unkn0wn-root/atomcache/cmd/atomcache/cmd"

func main() {
	cmd.Execute()
}
