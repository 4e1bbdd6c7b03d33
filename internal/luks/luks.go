// Package luks models the on-disk layout that LUKS2 writes in AES-GCM
// authenticated mode: the payload is a run of fixed-size areas, each a
// 128 KiB metadata block of packed per-sector tags followed by the
// ciphertext sectors, and every sector is sealed under an IV/AAD built
// from its absolute 512-byte-unit index. Given the image and the master
// key, Volume locates the payload start and streams the sectors back
// out.
package luks

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/markuschaaf/luks-rescue/internal/aesgcm"
)

// MetaSize is the metadata block preceding the sectors of every area.
const MetaSize = 128 * 1024

// dm-integrity interleaves 32768 512-byte units per area regardless of
// the configured sector size.
const (
	unitSize     = 512
	unitsPerArea = 32768
)

// Geometry is the set of layout constants fixed by the sector size.
type Geometry struct {
	SecSize    int // bytes per sector
	SecPerArea int // sectors per area
	AreaSize   int // metadata block plus sectors, in bytes
}

// NewGeometry derives the area layout for a supported sector size.
func NewGeometry(secSize int) (Geometry, error) {
	switch secSize {
	case 512, 1024, 2048, 4096:
	default:
		return Geometry{}, fmt.Errorf("bad sector size %d", secSize)
	}
	per := unitsPerArea / (secSize / unitSize)
	return Geometry{
		SecSize:    secSize,
		SecPerArea: per,
		AreaSize:   per*secSize + MetaSize,
	}, nil
}

// units converts a logical sector index to the 512-byte-unit index the
// IV and AAD count in.
func (g *Geometry) units(sec int) uint64 {
	return uint64(sec) * uint64(g.SecSize/unitSize)
}

// sectorFrame builds the 20-byte scratch buffer the per-sector crypto
// state is derived from: the little-endian unit index, the same eight
// bytes again, then four zero bytes. The IV is the last twelve bytes,
// the AAD the whole buffer; the duplicated halves match the
// dm-integrity journal framing and must not be collapsed.
func sectorFrame(unit uint64) [20]byte {
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:], unit)
	binary.LittleEndian.PutUint64(buf[8:], unit)
	return buf
}

// Volume is the decryption engine for one image/key pair. It is not
// safe for concurrent use: a single cipher state is reused for every
// sector.
type Volume struct {
	img    []byte
	cipher *aesgcm.Cipher
	geo    Geometry
	secCnt int
	offset int
	plain  []byte
	tag    [aesgcm.TagSize]byte
}

// NewVolume builds the engine over a mapped image. key is the raw AES
// master key; secCnt the number of logical sectors the volume had. Both
// img and key must stay valid for the Volume's lifetime.
func NewVolume(img, key []byte, secCnt, secSize int) (*Volume, error) {
	geo, err := NewGeometry(secSize)
	if err != nil {
		return nil, err
	}
	if secCnt <= 0 {
		return nil, fmt.Errorf("bad sector count %d", secCnt)
	}
	cipher, err := aesgcm.New(key)
	if err != nil {
		return nil, err
	}
	return &Volume{
		img:    img,
		cipher: cipher,
		geo:    geo,
		secCnt: secCnt,
		plain:  make([]byte, secSize),
	}, nil
}

// Offset returns the payload offset chosen by the last successful
// FindOffset.
func (v *Volume) Offset() int { return v.offset }

// Geometry returns the layout constants of the volume.
func (v *Volume) Geometry() Geometry { return v.geo }

// initSector keys the cipher for the sector at the given 512-byte-unit
// index. Exactly one Decrypt/Digest pair must follow before the next
// call.
func (v *Volume) initSector(unit uint64) {
	frame := sectorFrame(unit)
	v.cipher.SetIV(frame[8:])
	v.cipher.AddAAD(frame[:])
}

// steps is the sampling divisor of the probe pass: up to four areas are
// probed at up to four sectors each. The confidence scale (a percentage
// from 16 weighted probes) depends on it being exactly 4.
const steps = 4

func step(n int) int { return (n + steps - 1) / steps }

// FindOffset scans candidate payload offsets on the align grid,
// ascending, and accepts the first candidate whose sampled verification
// confidence reaches minCert percent. It returns that confidence, or 0
// if no candidate qualifies; the winning offset is kept on the Volume.
// An image smaller than one area never qualifies.
func (v *Volume) FindOffset(align int, minCert uint) uint {
	if align <= 0 || len(v.img) < v.geo.AreaSize {
		return 0
	}
	maxOffset := len(v.img) - v.geo.AreaSize
	for off := 0; off <= maxOffset; off += align {
		v.offset = off
		if r := v.probe(); r >= minCert && r > 0 {
			return r
		}
	}
	v.offset = 0
	return 0
}

// probe scores the current candidate offset: up to four areas spread
// over the remaining image, each scored by probeArea, averaged on the
// fixed divisor.
func (v *Volume) probe() uint {
	var percent uint
	areaCnt := (len(v.img) - v.offset) / v.geo.AreaSize
	for area := 0; area < areaCnt; area += step(areaCnt) {
		percent += v.probeArea(area)
	}
	return percent / steps
}

// probeArea decrypts up to four sectors spread over one area and returns
// the percentage that verify against the stored tags (25 per verified
// probe).
func (v *Volume) probeArea(area int) uint {
	g := &v.geo
	meta := v.img[v.offset+area*g.AreaSize:]
	data := meta[MetaSize:]
	var percent uint
	for i := 0; i < g.SecPerArea; i += step(g.SecPerArea) {
		v.initSector(g.units(area*g.SecPerArea + i))
		v.cipher.Decrypt(v.plain, data[i*g.SecSize:(i+1)*g.SecSize])
		v.cipher.Digest(v.tag[:])
		if aesgcm.Equal(v.tag[:], meta[i*aesgcm.TagSize:(i+1)*aesgcm.TagSize]) {
			percent += 100
		}
	}
	return percent / steps
}

// Rescue decrypts every sector from the chosen offset in logical order,
// writing the plaintext to data and the computed 16-byte tag of each
// sector to tags. A sector whose computed tag differs from the stored
// one is still written: damaged data is what this tool exists to get
// back. One status glyph per area goes to diag ('.' all verified, 'o'
// some, 'O' none), then a newline.
func (v *Volume) Rescue(data, tags, diag io.Writer) error {
	g := &v.geo
	areaCnt := (v.secCnt + g.SecPerArea - 1) / g.SecPerArea
	if err := v.checkSize(areaCnt); err != nil {
		return err
	}
	for area := 0; area < areaCnt; area++ {
		meta := v.img[v.offset+area*g.AreaSize:]
		ct := meta[MetaSize:]
		sec, ok := 0, 0
		for ; sec < g.SecPerArea; sec++ {
			absSec := area*g.SecPerArea + sec
			if absSec == v.secCnt {
				break
			}
			v.initSector(g.units(absSec))
			v.cipher.Decrypt(v.plain, ct[sec*g.SecSize:(sec+1)*g.SecSize])
			v.cipher.Digest(v.tag[:])
			if aesgcm.Equal(v.tag[:], meta[sec*aesgcm.TagSize:(sec+1)*aesgcm.TagSize]) {
				ok++
			}
			if _, err := data.Write(v.plain); err != nil {
				return err
			}
			if _, err := tags.Write(v.tag[:]); err != nil {
				return err
			}
		}
		var glyph byte
		switch {
		case ok == 0:
			glyph = 'O'
		case ok == sec:
			glyph = '.'
		default:
			glyph = 'o'
		}
		fmt.Fprintf(diag, "%c", glyph)
	}
	fmt.Fprintln(diag)
	return nil
}

// checkSize verifies that secCnt sectors actually fit between the
// chosen offset and the end of the image.
func (v *Volume) checkSize(areaCnt int) error {
	g := &v.geo
	lastSecs := v.secCnt - (areaCnt-1)*g.SecPerArea
	need := v.offset + (areaCnt-1)*g.AreaSize + MetaSize + lastSecs*g.SecSize
	if need > len(v.img) {
		return fmt.Errorf("image too small for %d sectors at offset %#x", v.secCnt, v.offset)
	}
	return nil
}
