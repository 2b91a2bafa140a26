package ninep

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// Fid is a 9P file identifier (§3): a resolved host path under the export
// root, plus an optional open file handle.
type Fid struct {
	mu   sync.Mutex
	path string   // absolute host path, always under root
	file *os.File // non-nil once Tlopen/Tlcreate succeeds
}

// errEscapesRoot is returned by resolve when a path would leave the export.
var errEscapesRoot = errors.New("escapes export root")

// containmentCheck verifies that resolved is root or a descendant of root
// after lexical cleaning — the §8 "9P root containment" invariant.
func containmentCheck(root, resolved string) error {
	root = filepath.Clean(root)
	resolved = filepath.Clean(resolved)
	if resolved == root {
		return nil
	}
	if strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return nil
	}
	return errEscapesRoot
}

// resolveComponent joins parent and name, re-roots an absolute symlink
// target at root, and follows symlinks up to MaxSymlinks times (§3, §8).
func resolveComponent(root, parent, name string) (string, error) {
	switch name {
	case ".":
		return parent, nil
	case "..":
		up := filepath.Dir(parent)
		if err := containmentCheck(root, up); err != nil {
			return root, nil // never escape root (§8 scenario 6)
		}
		return up, nil
	}

	candidate := filepath.Join(parent, name)
	if err := containmentCheck(root, candidate); err != nil {
		return "", errEscapesRoot
	}

	for i := 0; i < MaxSymlinks; i++ {
		info, err := os.Lstat(candidate)
		if err != nil {
			return candidate, err // ENOENT etc — caller maps to 9P error
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return candidate, nil
		}
		target, err := os.Readlink(candidate)
		if err != nil {
			return candidate, err
		}
		if filepath.IsAbs(target) {
			candidate = filepath.Join(root, target)
		} else {
			candidate = filepath.Join(filepath.Dir(candidate), target)
		}
		if err := containmentCheck(root, candidate); err != nil {
			return "", errEscapesRoot
		}
	}
	return "", syscall.ELOOP
}

// qidFor stats path and builds its QID (§4.7 QID encoding).
func qidFor(path string) (QID, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return QID{}, err
	}
	var typ byte
	switch {
	case info.IsDir():
		typ = qtDir
	case info.Mode()&os.ModeSymlink != 0:
		typ = qtSymlink
	default:
		typ = qtFile
	}
	ino := inodeOf(info)
	mtime := info.ModTime().Unix()
	return QID{Type: typ, Version: uint32(mtime), Path: ino}, nil
}

func inodeOf(info fs.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// errnoOf maps standard I/O error kinds to 9P2000.L errno values (§4.7
// error mapping).
func errnoOf(err error) uint32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errEscapesRoot):
		return errEACCES
	case errors.Is(err, fs.ErrNotExist):
		return errENOENT
	case errors.Is(err, fs.ErrPermission):
		return errEACCES
	case errors.Is(err, fs.ErrExist):
		return errEEXIST
	case errors.Is(err, syscall.ELOOP):
		return errELOOP
	case errors.Is(err, syscall.EINVAL):
		return errEINVAL
	case errors.Is(err, syscall.EAGAIN):
		return errEAGAIN
	default:
		return errEIO
	}
}

const errENOENT = 2
