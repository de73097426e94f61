// af-sudo is the in-container client shim that relays a whitelisted
// privileged command (abuild-fetch, abuild-addgroup, abuild-adduser,
// abuild-apk, apk fetch) to the root daemon over the inherited rootd socket and
// exits with its returned retcode (spec.md §4.3's "redirect" table).
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/apkfoundry/af/rootd"
	"github.com/apkfoundry/af/sandbox"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "af-sudo: usage: af-sudo COMMAND [ARGS...]")
		return 2
	}
	command := args[1]
	cmdArgs := args[2:]

	fdStr := os.Getenv(sandbox.RootdFDEnv)
	if fdStr == "" {
		fmt.Fprintf(os.Stderr, "af-sudo: %s is not set; not running inside a jailed container\n", sandbox.RootdFDEnv)
		return 1
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "af-sudo: malformed %s: %v\n", sandbox.RootdFDEnv, err)
		return 1
	}
	conn := os.NewFile(uintptr(fd), "rootd-conn")

	retcode, err := rootd.Call(conn, command, cmdArgs, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "af-sudo: %v\n", err)
		return 1
	}
	return int(retcode)
}
