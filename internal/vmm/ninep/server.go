package ninep

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

// Server implements the 9P2000.L message handlers against one exported host
// directory (§4.7).
type Server struct {
	mu       sync.Mutex
	root     string
	readOnly bool
	mountTag string

	msize uint32
	fids  map[uint32]*Fid
}

// NewServer canonicalizes root and returns a server ready to handle
// Tversion/Tattach.
func NewServer(root, mountTag string, readOnly bool) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Server{
		root:     resolved,
		readOnly: readOnly,
		mountTag: mountTag,
		msize:    MaxMsize,
		fids:     make(map[uint32]*Fid),
	}, nil
}

// MountTag returns the config-space mount tag bytes (§4.7 config space).
func (s *Server) MountTag() []byte { return p9String(s.mountTag)[2:] }

// Reset clears all fids (§4.4 reset rule: status=0 clears stateful device
// tables; a Tversion also clears fids per §4.7).
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fids {
		if f.file != nil {
			f.file.Close()
		}
	}
	s.fids = make(map[uint32]*Fid)
}

// Handle decodes one request and returns the encoded response. Unsupported
// message types yield EOPNOTSUPP (§4.7 fallback).
func (s *Server) Handle(msg []byte) []byte {
	h, body, ok := decodeHeader(msg)
	if !ok {
		return rlerror(0, errEINVAL)
	}

	switch h.Type {
	case TVersion:
		return s.handleVersion(h.Tag, body)
	case TAttach:
		return s.handleAttach(h.Tag, body)
	case TWalk:
		return s.handleWalk(h.Tag, body)
	case TLopen:
		return s.handleLopen(h.Tag, body)
	case TLcreate:
		return s.handleLcreate(h.Tag, body)
	case TStatfs:
		return s.handleStatfs(h.Tag, body)
	case TRead:
		return s.handleRead(h.Tag, body)
	case TWrite:
		return s.handleWrite(h.Tag, body)
	case TClunk:
		return s.handleClunk(h.Tag, body)
	case TReadlink:
		return s.handleReadlink(h.Tag, body)
	case TGetattr:
		return s.handleGetattr(h.Tag, body)
	case TXattrwalk:
		return s.handleXattrwalk(h.Tag, body)
	case TReaddir:
		return s.handleReaddir(h.Tag, body)
	case TMkdir:
		return s.handleMkdir(h.Tag, body)
	default:
		return rlerror(h.Tag, errEOPNOTSU)
	}
}

func (s *Server) handleVersion(tag uint16, body []byte) []byte {
	if len(body) < 6 {
		return rlerror(tag, errEINVAL)
	}
	clientMsize := binary.LittleEndian.Uint32(body[0:4])
	s.Reset()

	s.mu.Lock()
	if clientMsize < s.msize {
		s.msize = clientMsize
	}
	if s.msize > MaxMsize {
		s.msize = MaxMsize
	}
	msize := s.msize
	s.mu.Unlock()

	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, msize)
	resp = append(resp, p9String(versionString)...)
	return encodeMessage(RVersion, tag, resp)
}

func (s *Server) handleAttach(tag uint16, body []byte) []byte {
	if len(body) < 8 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])

	qid, err := qidFor(s.root)
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}

	s.mu.Lock()
	s.fids[fidNum] = &Fid{path: s.root}
	s.mu.Unlock()

	return encodeMessage(RAttach, tag, qid.Encode())
}

func (s *Server) getFid(num uint32) (*Fid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fids[num]
	return f, ok
}

func (s *Server) setFid(num uint32, f *Fid) {
	s.mu.Lock()
	s.fids[num] = f
	s.mu.Unlock()
}

func (s *Server) handleWalk(tag uint16, body []byte) []byte {
	if len(body) < 10 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	newfidNum := binary.LittleEndian.Uint32(body[4:8])
	nwname := binary.LittleEndian.Uint16(body[8:10])
	rest := body[10:]

	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}

	if nwname == 0 {
		s.setFid(newfidNum, &Fid{path: fid.path})
		return encodeMessage(RWalk, tag, []byte{0, 0})
	}

	cur := fid.path
	var qids [][]byte
	for i := uint16(0); i < nwname; i++ {
		name, next, ok := readP9String(rest)
		if !ok {
			break
		}
		rest = next

		resolved, err := resolveComponent(s.root, cur, name)
		if err != nil {
			break // partial qid list, at least one succeeded (§4.7/§8)
		}
		qid, err := qidFor(resolved)
		if err != nil {
			break
		}
		cur = resolved
		qids = append(qids, qid.Encode())
	}

	if len(qids) < int(nwname) && len(qids) == 0 {
		return rlerror(tag, errENOENT)
	}

	if len(qids) == int(nwname) {
		s.setFid(newfidNum, &Fid{path: cur})
	}

	resp := make([]byte, 2)
	binary.LittleEndian.PutUint16(resp, uint16(len(qids)))
	for _, q := range qids {
		resp = append(resp, q...)
	}
	return encodeMessage(RWalk, tag, resp)
}

// open-flag bits as sent by Tlopen/Tlcreate (Linux O_* semantics, §4.7).
const (
	oRDONLY = 0x0
	oWRONLY = 0x1
	oRDWR   = 0x2
	oTRUNC  = 0x200
	oAPPEND = 0x400
)

func (s *Server) handleLopen(tag uint16, body []byte) []byte {
	if len(body) < 8 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	flags := binary.LittleEndian.Uint32(body[4:8])

	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}

	qid, err := qidFor(fid.path)
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}

	if qid.Type == qtDir {
		return encodeMessage(RLopen, tag, append(qid.Encode(), 0, 0, 0, 0))
	}

	wantsWrite := flags&0x3 == oWRONLY || flags&0x3 == oRDWR || flags&oTRUNC != 0
	if wantsWrite && s.readOnly {
		return rlerror(tag, errEROFS)
	}

	osFlags := os.O_RDONLY
	switch flags & 0x3 {
	case oWRONLY:
		osFlags = os.O_WRONLY
	case oRDWR:
		osFlags = os.O_RDWR
	}
	if flags&oTRUNC != 0 {
		osFlags |= os.O_TRUNC
	}
	if flags&oAPPEND != 0 {
		osFlags |= os.O_APPEND
	}

	f, err := os.OpenFile(fid.path, osFlags, 0)
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}

	fid.mu.Lock()
	fid.file = f
	fid.mu.Unlock()

	return encodeMessage(RLopen, tag, append(qid.Encode(), 0, 0, 0, 0))
}

func (s *Server) handleLcreate(tag uint16, body []byte) []byte {
	if s.readOnly {
		return rlerror(tag, errEROFS)
	}
	if len(body) < 4 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	name, rest, ok := readP9String(body[4:])
	if !ok || len(rest) < 8 {
		return rlerror(tag, errEINVAL)
	}
	flags := binary.LittleEndian.Uint32(rest[0:4])
	mode := binary.LittleEndian.Uint32(rest[4:8])

	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}

	path := filepath.Join(fid.path, name)
	if err := containmentCheck(s.root, path); err != nil {
		return rlerror(tag, errEACCES)
	}

	osFlags := os.O_CREATE | os.O_EXCL
	switch flags & 0x3 {
	case oWRONLY:
		osFlags |= os.O_WRONLY
	case oRDWR:
		osFlags |= os.O_RDWR
	default:
		osFlags |= os.O_RDONLY
	}
	f, err := os.OpenFile(path, osFlags, os.FileMode(mode&0o777))
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}

	qid, err := qidFor(path)
	if err != nil {
		f.Close()
		return rlerror(tag, errnoOf(err))
	}

	fid.mu.Lock()
	fid.path = path
	fid.file = f
	fid.mu.Unlock()

	return encodeMessage(RLcreate, tag, append(qid.Encode(), 0, 0, 0, 0))
}

func (s *Server) handleStatfs(tag uint16, body []byte) []byte {
	if len(body) < 4 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(fid.path, &st); err != nil {
		return rlerror(tag, errnoOf(err))
	}

	resp := make([]byte, 0, 64)
	resp = appendU32(resp, uint32(st.Type))
	resp = appendU32(resp, uint32(st.Bsize))
	resp = appendU64(resp, st.Blocks)
	resp = appendU64(resp, st.Bfree)
	resp = appendU64(resp, st.Bavail)
	resp = appendU64(resp, st.Files)
	resp = appendU64(resp, st.Ffree)
	resp = appendU64(resp, 0) // fsid
	resp = appendU32(resp, uint32(st.Namelen))
	return encodeMessage(RStatfs, tag, resp)
}

func (s *Server) handleRead(tag uint16, body []byte) []byte {
	if len(body) < 16 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	offset := binary.LittleEndian.Uint64(body[4:12])
	count := binary.LittleEndian.Uint32(body[12:16])

	fid, ok := s.getFid(fidNum)
	if !ok || fid.file == nil {
		return rlerror(tag, errEINVAL)
	}

	buf := make([]byte, count)
	fid.mu.Lock()
	n, err := fid.file.ReadAt(buf, int64(offset))
	fid.mu.Unlock()
	if err != nil && n == 0 {
		return rlerror(tag, errnoOf(err))
	}

	resp := make([]byte, 4, 4+n)
	binary.LittleEndian.PutUint32(resp, uint32(n))
	resp = append(resp, buf[:n]...)
	return encodeMessage(RRead, tag, resp)
}

func (s *Server) handleWrite(tag uint16, body []byte) []byte {
	if s.readOnly {
		return rlerror(tag, errEROFS)
	}
	if len(body) < 16 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	offset := binary.LittleEndian.Uint64(body[4:12])
	count := binary.LittleEndian.Uint32(body[12:16])
	data := body[16:]
	if uint32(len(data)) < count {
		count = uint32(len(data))
	}

	fid, ok := s.getFid(fidNum)
	if !ok || fid.file == nil {
		return rlerror(tag, errEINVAL)
	}

	fid.mu.Lock()
	n, err := fid.file.WriteAt(data[:count], int64(offset))
	fid.mu.Unlock()
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}

	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, uint32(n))
	return encodeMessage(RWrite, tag, resp)
}

func (s *Server) handleClunk(tag uint16, body []byte) []byte {
	if len(body) < 4 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])

	s.mu.Lock()
	if f, ok := s.fids[fidNum]; ok {
		if f.file != nil {
			f.file.Close()
		}
		delete(s.fids, fidNum)
	}
	s.mu.Unlock()

	return encodeMessage(RClunk, tag, nil)
}

func (s *Server) handleReadlink(tag uint16, body []byte) []byte {
	if len(body) < 4 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}
	target, err := os.Readlink(fid.path)
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}
	return encodeMessage(RReadlink, tag, p9String(target))
}

// rgetattrSize is the fixed 160-byte Rgetattr payload (§4.7).
const rgetattrSize = 160

func (s *Server) handleGetattr(tag uint16, body []byte) []byte {
	if len(body) < 12 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}

	info, err := os.Lstat(fid.path)
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}
	qid, _ := qidFor(fid.path)
	st, _ := info.Sys().(*syscall.Stat_t)

	resp := make([]byte, 0, rgetattrSize)
	resp = appendU64(resp, 0x7FF) // valid mask: all fields present
	resp = append(resp, qid.Encode()...)
	resp = appendU32(resp, modeOf(info, st))
	resp = appendU32(resp, uidOf(st))
	resp = appendU32(resp, gidOf(st))
	resp = appendU64(resp, nlinkOf(st))
	resp = appendU64(resp, uint64(info.Size()))
	resp = appendU64(resp, uint64(sectorSize))
	resp = appendU64(resp, blocksOf(st))
	resp = appendU64(resp, uint64(atimeOf(st))) // atime sec
	resp = appendU64(resp, 0)                   // atime nsec
	resp = appendU64(resp, uint64(info.ModTime().Unix()))
	resp = appendU64(resp, uint64(info.ModTime().Nanosecond()))
	resp = appendU64(resp, uint64(ctimeOf(st))) // ctime sec
	resp = appendU64(resp, 0)                   // ctime nsec
	resp = appendU64(resp, 0)                   // btime sec
	resp = appendU64(resp, 0)                   // btime nsec
	resp = appendU64(resp, 0)                   // gen
	resp = appendU64(resp, 0)                   // data_version
	for len(resp) < rgetattrSize {
		resp = append(resp, 0)
	}
	return encodeMessage(RGetattr, tag, resp)
}

func (s *Server) handleXattrwalk(tag uint16, body []byte) []byte {
	if len(body) < 8 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	newfidNum := binary.LittleEndian.Uint32(body[4:8])
	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}
	s.setFid(newfidNum, &Fid{path: fid.path})
	resp := make([]byte, 8) // size=0: xattrs are not supported (§4.7)
	return encodeMessage(RXattrwalk, tag, resp)
}

type direntry struct {
	qid   QID
	dtype byte
	name  string
}

func (s *Server) handleReaddir(tag uint16, body []byte) []byte {
	if len(body) < 16 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	offset := binary.LittleEndian.Uint64(body[4:12])
	count := binary.LittleEndian.Uint32(body[12:16])

	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}

	entries, err := s.listDirEntries(fid.path)
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}

	resp := make([]byte, 4, 4+count)
	var used uint32
	idx := uint64(0)
	for _, e := range entries {
		if idx < offset {
			idx++
			continue
		}
		rec := encodeDirEntry(e, idx+1)
		if used+uint32(len(rec)) > count {
			break
		}
		resp = append(resp, rec...)
		used += uint32(len(rec))
		idx++
	}
	binary.LittleEndian.PutUint32(resp[0:4], used)
	return encodeMessage(RReaddir, tag, resp)
}

// listDirEntries returns "." and ".." (clipped to root) followed by the
// directory's entries sorted by name (§4.7, §8 readdir completeness).
func (s *Server) listDirEntries(path string) ([]direntry, error) {
	selfQ, err := qidFor(path)
	if err != nil {
		return nil, err
	}
	parentPath := filepath.Dir(path)
	if containmentCheck(s.root, parentPath) != nil {
		parentPath = s.root
	}
	parentQ, err := qidFor(parentPath)
	if err != nil {
		parentQ = selfQ
	}

	out := []direntry{
		{qid: selfQ, dtype: 4, name: "."},
		{qid: parentQ, dtype: 4, name: ".."},
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		childQ, err := qidFor(filepath.Join(path, name))
		if err != nil {
			continue
		}
		dtype := byte(8)
		if childQ.Type == qtDir {
			dtype = 4
		}
		out = append(out, direntry{qid: childQ, dtype: dtype, name: name})
	}
	return out, nil
}

func encodeDirEntry(e direntry, nextOffset uint64) []byte {
	rec := make([]byte, 0, 13+8+1+2+len(e.name))
	rec = append(rec, e.qid.Encode()...)
	rec = appendU64(rec, nextOffset)
	rec = append(rec, e.dtype)
	rec = append(rec, p9String(e.name)...)
	return rec
}

func (s *Server) handleMkdir(tag uint16, body []byte) []byte {
	if s.readOnly {
		return rlerror(tag, errEROFS)
	}
	if len(body) < 4 {
		return rlerror(tag, errEINVAL)
	}
	fidNum := binary.LittleEndian.Uint32(body[0:4])
	name, rest, ok := readP9String(body[4:])
	if !ok || len(rest) < 4 {
		return rlerror(tag, errEINVAL)
	}
	mode := binary.LittleEndian.Uint32(rest[0:4])

	fid, ok := s.getFid(fidNum)
	if !ok {
		return rlerror(tag, errEINVAL)
	}
	path := filepath.Join(fid.path, name)
	if err := containmentCheck(s.root, path); err != nil {
		return rlerror(tag, errEACCES)
	}
	if err := os.Mkdir(path, os.FileMode(mode&0o777)); err != nil {
		return rlerror(tag, errnoOf(err))
	}
	qid, err := qidFor(path)
	if err != nil {
		return rlerror(tag, errnoOf(err))
	}
	return encodeMessage(RMkdir, tag, qid.Encode())
}

func appendU32(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}

func appendU64(b []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(b, tmp...)
}
