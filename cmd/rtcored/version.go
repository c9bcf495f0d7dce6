package main

import "fmt"

// Version is set via -ldflags "-X main.Version=..." by the release build;
// it defaults to "dev" for local builds.
var Version = "dev"

func version() {
	fmt.Printf("rtcored %s\n", Version)
}
