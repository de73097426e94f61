package sandbox

import "golang.org/x/sys/unix"

// privilegedCaps are granted to the jailed process's permitted,
// effective, and inheritable sets when it runs as root inside the
// namespace.
var privilegedCaps = []uintptr{
	unix.CAP_CHOWN,
	unix.CAP_FOWNER,
	unix.CAP_DAC_OVERRIDE,
	unix.CAP_SETFCAP,
	unix.CAP_SYS_CHROOT,
	unix.CAP_SETUID,
	unix.CAP_SETGID,
}

// applyCapabilities sets the calling process's capability sets to
// exactly privilegedCaps, using the version-3 (64-bit) header. Every
// capability in privilegedCaps has an index below 32, so only the
// low word of the two-word version-3 data array is populated.
func applyCapabilities() error {
	header := unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0,
	}

	var mask uint32
	for _, c := range privilegedCaps {
		mask |= 1 << uint(c)
	}

	data := [2]unix.CapUserData{
		{Effective: mask, Permitted: mask, Inheritable: mask},
	}

	if err := unix.Capset(&header, &data[0]); err != nil {
		return err
	}
	return nil
}
