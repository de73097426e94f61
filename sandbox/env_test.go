package sandbox

import (
	"strings"
	"testing"
)

func TestBuildEnvContainsRedirectsAndDatasets(t *testing.T) {
	c := &Container{UID: 1000}
	env := buildEnv(c, RunOptions{ExtraEnv: map[string]string{"FOO": "bar"}})

	want := []string{
		"APORTSDIR=/af/aports",
		"REPODEST=/af/repos",
		"SRCDEST=/af/distfiles",
		"ABUILD_FETCH=/af/libexec/af-sudo abuild-fetch",
		"ADDGROUP=/af/libexec/af-sudo abuild-addgroup",
		"ADDUSER=/af/libexec/af-sudo abuild-adduser",
		"SUDO_APK=/af/libexec/af-sudo abuild-apk",
		"APK_FETCH=/af/libexec/af-sudo apk",
		"FOO=bar",
		"UID=1000",
	}

	joined := strings.Join(env, "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("env missing %q, got:\n%s", w, joined)
		}
	}
}
