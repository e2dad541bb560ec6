package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	ncerr "scriptcon/internal/errors"
	"scriptcon/util"
)

const (
	scriptFile   = "script.zst"
	manifestFile = "manifest.cbor"
)

// File is a ScriptStore rooted at a directory.  The script is kept
// zstd-compressed in script.zst and described by manifest.cbor.  Both
// are replaced by rename, manifest last, so a crash mid-install leaves
// the previous script loadable or reports it corrupt, never half of
// each.
type File struct {
	dir    string
	max    uint32
	logger *util.Logger
}

// NewFile returns a store rooted at dir, creating it if needed.
func NewFile(dir string, maxLen uint32, logger *util.Logger) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create script store %s: %w", dir, err)
	}
	return &File{dir: dir, max: maxLen, logger: logger}, nil
}

// Dir returns the store directory.
func (f *File) Dir() string { return f.dir }

// MaxScriptLen implements ScriptStore.
func (f *File) MaxScriptLen() uint32 { return f.max }

// OpenScript implements ScriptStore.
func (f *File) OpenScript(name string, length uint32) (io.WriteCloser, error) {
	if length > f.max {
		return nil, ncerr.ErrResources
	}
	tmp, err := os.CreateTemp(f.dir, ".script-*.zst")
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("open script: %w", err)
	}
	return &fileSink{
		f:    f,
		name: name,
		want: length,
		tmp:  tmp,
		enc:  enc,
		hash: blake3.New(),
	}, nil
}

// Load implements ScriptStore.
func (f *File) Load() (*Script, error) {
	raw, err := os.ReadFile(filepath.Join(f.dir, manifestFile))
	if os.IsNotExist(err) {
		return nil, ncerr.ErrNotInstalled
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	man, err := UnmarshalManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncerr.ErrCorrupt, err)
	}

	src, err := f.readScript(man.Length)
	if err != nil {
		return nil, err
	}
	if err := man.Verify(src); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ncerr.ErrCorrupt, man.Name, err)
	}
	return &Script{Manifest: man, Source: src}, nil
}

func (f *File) readScript(length uint32) ([]byte, error) {
	in, err := os.Open(filepath.Join(f.dir, scriptFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncerr.ErrCorrupt, err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncerr.ErrCorrupt, err)
	}
	defer dec.Close()

	// One byte of headroom so an overlong script is detected.
	src, err := io.ReadAll(io.LimitReader(dec, int64(length)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncerr.ErrCorrupt, err)
	}
	return src, nil
}

// commit moves a finished script into place and writes its manifest.
func (f *File) commit(tmpPath string, man Manifest) error {
	data, err := MarshalManifest(man)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(f.dir, scriptFile)); err != nil {
		return fmt.Errorf("commit script: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(f.dir, manifestFile), data); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	f.logger.Verbose("installed %q: %d bytes, blake3 %s, id %s", man.Name, man.Length, man.Digest, man.ID)
	return nil
}

// fileSink compresses and hashes the script as it streams in.
type fileSink struct {
	f    *File
	name string
	want uint32
	n    uint32

	tmp  *os.File
	enc  *zstd.Encoder
	hash *blake3.Hasher

	closed bool
}

func (s *fileSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if uint64(s.n)+uint64(len(p)) > uint64(s.want) {
		return 0, ncerr.ErrResources
	}
	if _, err := s.enc.Write(p); err != nil {
		return 0, fmt.Errorf("write script: %w", err)
	}
	s.hash.Write(p) //nolint:errcheck
	s.n += uint32(len(p))
	return len(p), nil
}

// Close commits the script if exactly the declared length arrived and
// discards it otherwise.
func (s *fileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.enc.Close()
	if err == nil {
		err = s.tmp.Sync()
	}
	if cerr := s.tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.n != s.want {
		err = fmt.Errorf("%q: got %d of %d bytes: %w", s.name, s.n, s.want, ncerr.ErrIncomplete)
	}
	if err != nil {
		os.Remove(s.tmp.Name())
		return err
	}

	var digest Digest
	copy(digest[:], s.hash.Sum(nil))
	man := NewManifest(s.name, nil)
	man.Length = s.n
	man.Digest = digest
	if err := s.f.commit(s.tmp.Name(), man); err != nil {
		os.Remove(s.tmp.Name())
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
