//go:build windows

package store

import "golang.org/x/sys/windows"

// diskFreeBytes returns the bytes available to the process on the volume
// holding dir.
func diskFreeBytes(dir string) (uint64, error) {
	var free, total, totalFree uint64
	path, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(path, &free, &total, &totalFree); err != nil {
		return 0, err
	}
	return free, nil
}
