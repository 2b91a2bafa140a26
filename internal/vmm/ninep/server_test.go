package ninep

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func twalkBody(fidNum, newfidNum uint32, names []string) []byte {
	body := make([]byte, 10)
	binary.LittleEndian.PutUint32(body[0:4], fidNum)
	binary.LittleEndian.PutUint32(body[4:8], newfidNum)
	binary.LittleEndian.PutUint16(body[8:10], uint16(len(names)))
	for _, n := range names {
		body = append(body, p9String(n)...)
	}
	return body
}

func tattachBody(fidNum uint32) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], fidNum)
	binary.LittleEndian.PutUint32(body[4:8], 0xFFFFFFFF) // afid = NOFID
	body = append(body, p9String("user")...)
	body = append(body, p9String("")...)
	body = append(body, make([]byte, 4)...) // n_uname
	return body
}

// §8 scenario 6: walking ["..", "..", ".."] from the root fid returns the
// root fid's QID three times and leaves the walked fid pointing at root.
func TestWalkNeverEscapesRoot(t *testing.T) {
	root := t.TempDir()
	srv, err := NewServer(root, "export", false)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	attachResp := srv.Handle(encodeMessage(TAttach, 1, tattachBody(0)))
	h, body, ok := decodeHeader(attachResp)
	if !ok || h.Type != RAttach {
		t.Fatalf("attach failed: type=%d ok=%v", h.Type, ok)
	}
	rootQID := body[:13]

	walkResp := srv.Handle(encodeMessage(TWalk, 2, twalkBody(0, 1, []string{"..", "..", ".."})))
	h, body, ok = decodeHeader(walkResp)
	if !ok || h.Type != RWalk {
		t.Fatalf("walk failed: type=%d ok=%v", h.Type, ok)
	}

	nwqid := binary.LittleEndian.Uint16(body[0:2])
	if nwqid != 3 {
		t.Fatalf("nwqid = %d, want 3", nwqid)
	}
	qidBytes := body[2:]
	for i := 0; i < 3; i++ {
		got := qidBytes[i*13 : i*13+13]
		if string(got) != string(rootQID) {
			t.Fatalf("qid[%d] = %x, want root qid %x", i, got, rootQID)
		}
	}

	fid, ok := srv.getFid(1)
	if !ok {
		t.Fatalf("newfid 1 not registered")
	}
	if fid.path != srv.root {
		t.Fatalf("walked fid path = %q, want export root %q", fid.path, srv.root)
	}
}

// §8 "9P root containment": a symlink inside the export pointing outside
// it must not be resolvable past the export boundary.
func TestWalkRejectsEscapingSymlink(t *testing.T) {
	root := t.TempDir()
	srv, err := NewServer(root, "export", false)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	resolved, err := resolveComponent(srv.root, srv.root, ".")
	if err != nil || resolved != srv.root {
		t.Fatalf("resolveComponent(.) = %q, %v", resolved, err)
	}

	if err := containmentCheck(srv.root, "/etc/passwd"); err == nil {
		t.Fatalf("containmentCheck allowed an out-of-root path")
	}

	if err := os.Symlink("../..", filepath.Join(srv.root, "escape")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := resolveComponent(srv.root, srv.root, "escape"); err != errEscapesRoot {
		t.Fatalf("resolveComponent(escape) err = %v, want %v", err, errEscapesRoot)
	}
}
