package store

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Digest is a BLAKE3-256 digest of script source.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// DigestOf hashes src.
func DigestOf(src []byte) Digest {
	return Digest(blake3.Sum256(src))
}

// Manifest describes the installed script.  It is stored next to the
// script as deterministic CBOR with integer keys.
type Manifest struct {
	ID          string    `cbor:"1,keyasint"`
	Name        string    `cbor:"2,keyasint"`
	Length      uint32    `cbor:"3,keyasint"`
	Digest      Digest    `cbor:"4,keyasint"`
	InstalledAt time.Time `cbor:"5,keyasint"`
}

// NewManifest describes src as freshly installed under name.
func NewManifest(name string, src []byte) Manifest {
	return Manifest{
		ID:          uuid.NewString(),
		Name:        name,
		Length:      uint32(len(src)),
		Digest:      DigestOf(src),
		InstalledAt: time.Now().UTC(),
	}
}

// Verify checks src against the manifest's length and digest.
func (m Manifest) Verify(src []byte) error {
	if uint32(len(src)) != m.Length {
		return fmt.Errorf("length %d, manifest says %d", len(src), m.Length)
	}
	if d := DigestOf(src); d != m.Digest {
		return fmt.Errorf("digest %s, manifest says %s", d, m.Digest)
	}
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	if encMode, err = opts.EncMode(); err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalManifest encodes m.
func MarshalManifest(m Manifest) ([]byte, error) {
	return encMode.Marshal(m)
}

// UnmarshalManifest decodes a manifest.
func UnmarshalManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
