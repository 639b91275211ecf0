package roo

import (
	"fmt"
	"os"
	"runtime/debug"
)

// set at link time with -ldflags "-X github.com/glycerine/roo.LAST_GIT_COMMIT_HASH=..."
var LAST_GIT_COMMIT_HASH string
var NEAREST_GIT_TAG string
var GIT_BRANCH string
var GO_VERSION string

// GetCodeVersion describes the build of programName.
func GetCodeVersion(programName string) string {
	mod := "(devel)"
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == "github.com/glycerine/roo" {
				mod = dep.Version
			}
		}
		if bi.Main.Path == "github.com/glycerine/roo" && bi.Main.Version != "" {
			mod = bi.Main.Version
		}
	}
	return fmt.Sprintf("%s roo: %s / commit: %s / nearest-git-tag: %s / branch: %s / go version: %s\n",
		programName, mod, LAST_GIT_COMMIT_HASH, NEAREST_GIT_TAG, GIT_BRANCH, GO_VERSION)
}

// Exit1IfVersionReq prints the version and exits
// when -version is on the command line.
func Exit1IfVersionReq() {
	for _, a := range os.Args {
		if a == "-version" || a == "--version" {
			fmt.Fprintf(os.Stderr, "%s", GetCodeVersion(os.Args[0]))
			os.Exit(1)
		}
	}
}
