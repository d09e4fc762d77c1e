// Copyright (C) 2025 Canmi

package device

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// fileDevice addresses a byte extent inside an open file or block
// device. Regular files and /dev nodes behave the same through the
// pread/pwrite interface, which keeps tests on plain files honest.
type fileDevice struct {
	f    *os.File
	base int64
	size int64
}

func openFile(path string, base, size int64, readOnly bool) (*fileDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	if size == 0 {
		// Regular files report their size via stat, block devices
		// only via a seek to the end.
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, err
		}
		size = end - base
	}

	if size <= 0 {
		f.Close()
		return nil, fmt.Errorf("device: empty extent for %s", path)
	}

	return &fileDevice{f: f, base: base, size: size}, nil
}

func (d *fileDevice) check(off int64, length int) error {
	if off < 0 || off+int64(length) > d.size {
		return ErrOutOfExtent
	}
	return nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := d.check(off, len(p)); err != nil {
		return 0, err
	}
	return d.f.ReadAt(p, d.base+off)
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := d.check(off, len(p)); err != nil {
		return 0, err
	}
	return d.f.WriteAt(p, d.base+off)
}

func (d *fileDevice) Sync() error {
	return d.f.Sync()
}

// Trim punches a hole so the range reads back as zeroes without
// consuming space. Filesystems and devices without punch-hole support
// get an explicit zero fill instead.
func (d *fileDevice) Trim(off, length int64) error {
	if err := d.check(off, int(length)); err != nil {
		return err
	}

	err := unix.Fallocate(int(d.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		d.base+off, length)
	if err == nil {
		return nil
	}
	if err != unix.EOPNOTSUPP && err != unix.ENODEV && err != unix.ENOSYS {
		return err
	}

	return d.zeroFill(off, length)
}

func (d *fileDevice) zeroFill(off, length int64) error {
	const chunk = 1 << 20
	zero := make([]byte, min64(length, chunk))

	for length > 0 {
		n := min64(length, chunk)
		if _, err := d.f.WriteAt(zero[:n], d.base+off); err != nil {
			return err
		}
		off += n
		length -= n
	}

	return nil
}

func (d *fileDevice) Size() int64 {
	return d.size
}

func (d *fileDevice) Close() error {
	return d.f.Close()
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
