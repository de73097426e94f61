package sandbox

import (
	"fmt"
	"sort"
)

// buildEnv constructs the fixed environment set inside the jailed
// process: identity, the three dataset paths, a minimal PATH, and the
// command-redirect variables that route privileged helper
// invocations through af-sudo to the root daemon.
func buildEnv(c *Container, opts RunOptions) []string {
	env := []string{
		"LOGNAME=" + "builder",
		"USER=" + "builder",
		fmt.Sprintf("UID=%d", c.UID),
		"PATH=/usr/bin:/bin:/usr/sbin:/sbin",
		"APORTSDIR=" + containerPath[Aportsdir],
		"REPODEST=" + containerPath[Repodest],
		"SRCDEST=" + containerPath[Srcdest],
		"HOME=/tmp",
	}

	redirects := map[string]string{
		"ABUILD_FETCH": "abuild-fetch",
		"ADDGROUP":     "abuild-addgroup",
		"ADDUSER":      "abuild-adduser",
		"SUDO_APK":     "abuild-apk",
		"APK_FETCH":    "apk",
	}
	for _, name := range sortedKeys(redirects) {
		env = append(env, fmt.Sprintf("%s=/af/libexec/af-sudo %s", name, redirects[name]))
	}

	for _, k := range sortedKeys(opts.ExtraEnv) {
		env = append(env, k+"="+opts.ExtraEnv[k])
	}

	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
