package ninep

import (
	"io/fs"
	"syscall"
)

// sectorSize is the blksize reported in Rgetattr (§4.7).
const sectorSize = 512

func modeOf(info fs.FileInfo, st *syscall.Stat_t) uint32 {
	if st != nil {
		return st.Mode
	}
	m := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		m |= 0o040000
	case info.Mode()&fs.ModeSymlink != 0:
		m |= 0o120000
	default:
		m |= 0o100000
	}
	return m
}

func uidOf(st *syscall.Stat_t) uint32 {
	if st == nil {
		return 0
	}
	return st.Uid
}

func gidOf(st *syscall.Stat_t) uint32 {
	if st == nil {
		return 0
	}
	return st.Gid
}

func nlinkOf(st *syscall.Stat_t) uint64 {
	if st == nil {
		return 1
	}
	return uint64(st.Nlink)
}

func blocksOf(st *syscall.Stat_t) uint64 {
	if st == nil {
		return 0
	}
	return uint64(st.Blocks)
}

func atimeOf(st *syscall.Stat_t) int64 {
	if st == nil {
		return 0
	}
	return int64(st.Atim.Sec)
}

func ctimeOf(st *syscall.Stat_t) int64 {
	if st == nil {
		return 0
	}
	return int64(st.Ctim.Sec)
}
