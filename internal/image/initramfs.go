package image

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	newcMagic       = "070701"
	newcHeaderLen   = 110
	newcTrailerName = "TRAILER!!!"

	modeDir     = 0o040000
	modeReg     = 0o100000
	modeSymlink = 0o120000
)

// BuildInitramfs walks rootDir and packs its tree into a cpio "newc"
// archive, skipping the path at kernelRelPath (already extracted
// separately into the artifact pair).
func BuildInitramfs(rootDir, kernelRelPath string) ([]byte, error) {
	buf := &bytes.Buffer{}
	ino := uint32(1)

	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == kernelRelPath {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var data []byte
		var mode uint32
		switch {
		case d.IsDir():
			mode = modeDir | uint32(info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			data = []byte(link)
			mode = modeSymlink | 0o777
		case info.Mode().IsRegular():
			data, err = os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			mode = modeReg | uint32(info.Mode().Perm())
		default:
			// device nodes, sockets, fifos: skip, the kernel tree doesn't need them
			return nil
		}

		entry := newcEntry{
			ino:      ino,
			mode:     mode,
			nlink:    nlinkOf(info),
			filesize: uint32(len(data)),
			name:     rel,
			data:     data,
		}
		ino++
		return writeNewcEntry(buf, entry)
	})
	if err != nil {
		return nil, err
	}

	if err := writeNewcEntry(buf, newcEntry{
		ino:   0,
		mode:  modeReg,
		nlink: 1,
		name:  newcTrailerName,
	}); err != nil {
		return nil, fmt.Errorf("write cpio trailer: %w", err)
	}

	return buf.Bytes(), nil
}

func nlinkOf(info fs.FileInfo) uint32 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint32(st.Nlink)
	}
	return 1
}

type newcEntry struct {
	ino      uint32
	mode     uint32
	uid      uint32
	gid      uint32
	nlink    uint32
	mtime    uint32
	filesize uint32
	devmajor uint32
	devminor uint32
	name     string
	data     []byte
}

func writeNewcEntry(buf *bytes.Buffer, e newcEntry) error {
	name := strings.TrimPrefix(e.name, "/")
	nameSize := len(name) + 1

	header := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		newcMagic, e.ino, e.mode, e.uid, e.gid, e.nlink, e.mtime, e.filesize,
		e.devmajor, e.devminor, uint32(0), uint32(0), nameSize, uint32(0))
	if len(header) != newcHeaderLen {
		return fmt.Errorf("unexpected cpio header length %d", len(header))
	}

	buf.WriteString(header)
	buf.WriteString(name)
	buf.WriteByte(0)

	if pad := alignTo4(newcHeaderLen + nameSize); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	if len(e.data) > 0 {
		buf.Write(e.data)
	}
	if pad := alignTo4(len(e.data)); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return nil
}

func alignTo4(n int) int {
	if n%4 == 0 {
		return 0
	}
	return 4 - (n % 4)
}
