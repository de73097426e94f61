package rootd

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned for any Command not in the whitelist.
var ErrUnknownCommand = errors.New("rootd: unknown command")

// commandSpec maps one whitelisted client-facing command to the
// binary the server actually execs and the validator run over its
// arguments.
type commandSpec struct {
	run      string
	validate func(args []string) error
}

var commands = map[string]commandSpec{
	"abuild-fetch":    {run: "abuild-fetch", validate: validateAbuildFetch},
	"abuild-addgroup": {run: "addgroup", validate: validateAddgroup},
	"abuild-adduser":  {run: "adduser", validate: validateAdduser},
	"abuild-apk":      {run: "apk", validate: validateApkSubcommands},
	"apk":             {run: "apk", validate: validateApkFetchOnly},
}

// Lookup resolves a Command to the binary to exec, validating its
// arguments against the whitelist. Returns ErrUnknownCommand for any
// command outside the table.
func Lookup(command string, args []string) (run string, err error) {
	spec, ok := commands[command]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	if err := spec.validate(args); err != nil {
		return "", err
	}
	return spec.run, nil
}

// validateAbuildFetch requires exactly "-d <dir> <url>".
func validateAbuildFetch(args []string) error {
	if len(args) != 3 || args[0] != "-d" || args[1] == "" || args[2] == "" {
		return fmt.Errorf("rootd: abuild-fetch: expected -d <dir> <url>, got %v", args)
	}
	return nil
}

// validateAddgroup requires exactly "-S <group>".
func validateAddgroup(args []string) error {
	if len(args) != 2 || args[0] != "-S" || args[1] == "" {
		return fmt.Errorf("rootd: abuild-addgroup: expected -S <group>, got %v", args)
	}
	return nil
}

// validateAdduser requires the flag set "-D -G <group> -H -S" plus
// exactly one trailing positional username. Flag order beyond -G's
// required value is not significant.
func validateAdduser(args []string) error {
	var (
		sawD, sawH, sawS bool
		sawG             bool
		positional       []string
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-D":
			sawD = true
		case "-H":
			sawH = true
		case "-S":
			sawS = true
		case "-G":
			if i+1 >= len(args) {
				return fmt.Errorf("rootd: abuild-adduser: -G requires a group name")
			}
			sawG = true
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("rootd: abuild-adduser: unrecognized flag %q", args[i])
			}
			positional = append(positional, args[i])
		}
	}

	if !sawD || !sawH || !sawS || !sawG {
		return fmt.Errorf("rootd: abuild-adduser: expected -D -G <group> -H -S <user>, got %v", args)
	}
	if len(positional) != 1 || positional[0] == "" {
		return fmt.Errorf("rootd: abuild-adduser: expected exactly one username, got %v", positional)
	}
	return nil
}

// validateApkSubcommands implements the abuild-apk path: any apk
// subcommand is passed through, except add/del, which are restricted
// to ephemeral makedepends virtual packages. This permits ephemeral
// makedepends installation but forbids arbitrary package
// manipulation.
func validateApkSubcommands(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("rootd: apk: missing subcommand")
	}

	switch args[0] {
	case "add":
		return validateApkAddVirtual(args[1:])
	case "del":
		return validateApkDelVirtual(args[1:])
	default:
		return nil
	}
}

// validateApkFetchOnly implements the bare apk path: only the fetch
// subcommand is permitted.
func validateApkFetchOnly(args []string) error {
	if len(args) == 0 || args[0] != "fetch" {
		return fmt.Errorf("rootd: apk: only the fetch subcommand is permitted, got %v", args)
	}
	return nil
}

const makedependsPrefix = ".makedepends-"

// validateApkAddVirtual requires --virtual .makedepends-<name>
// somewhere in the argument list.
func validateApkAddVirtual(args []string) error {
	for i, a := range args {
		if a != "--virtual" {
			continue
		}
		if i+1 >= len(args) {
			return fmt.Errorf("rootd: apk add: --virtual requires a name")
		}
		name := args[i+1]
		if !strings.HasPrefix(name, makedependsPrefix) {
			return fmt.Errorf("rootd: apk add: invalid virtual name %q", name)
		}
		return nil
	}
	return fmt.Errorf("rootd: apk add: --virtual %s* is required", makedependsPrefix)
}

// validateApkDelVirtual requires every non-flag target to begin with
// the makedepends virtual prefix.
func validateApkDelVirtual(args []string) error {
	var targets int
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		targets++
		if !strings.HasPrefix(a, makedependsPrefix) {
			return fmt.Errorf("rootd: apk del: target %q does not begin with %s", a, makedependsPrefix)
		}
	}
	if targets == 0 {
		return fmt.Errorf("rootd: apk del: missing target")
	}
	return nil
}
