package luks

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometry(t *testing.T) {
	for _, tc := range []struct {
		secSize, secPerArea int
	}{
		{512, 32768},
		{1024, 16384},
		{2048, 8192},
		{4096, 4096},
	} {
		geo, err := NewGeometry(tc.secSize)
		require.NoError(t, err)
		assert.Equal(t, tc.secPerArea, geo.SecPerArea)
		assert.Equal(t, 32768, geo.SecPerArea*geo.SecSize/512)
		assert.Equal(t, tc.secPerArea*tc.secSize+128*1024, geo.AreaSize)
	}
	for _, bad := range []int{0, 256, 513, 8192, -512} {
		_, err := NewGeometry(bad)
		assert.Error(t, err, "sector size %d", bad)
	}
}

func TestSectorFrame(t *testing.T) {
	for _, unit := range []uint64{0, 1, 255, 256, 0x8000, 0xdeadbeef, 1 << 40} {
		frame := sectorFrame(unit)
		var le [8]byte
		binary.LittleEndian.PutUint64(le[:], unit)
		assert.Equal(t, le[:], frame[0:8])
		assert.Equal(t, le[:], frame[8:16], "second half repeats the index")
		assert.Equal(t, []byte{0, 0, 0, 0}, frame[16:20])
		// the IV is the trailing 12 bytes of the AAD
		assert.Equal(t, frame[8:20], append(append([]byte{}, le[:]...), 0, 0, 0, 0))
	}
}

func TestUnits(t *testing.T) {
	for _, tc := range []struct {
		secSize int
		sec     int
		unit    uint64
	}{
		{512, 7, 7},
		{1024, 7, 14},
		{2048, 7, 28},
		{4096, 7, 56},
		{4096, 0, 0},
	} {
		geo, err := NewGeometry(tc.secSize)
		require.NoError(t, err)
		assert.Equal(t, tc.unit, geo.units(tc.sec))
	}
}

// fixture is a synthetic image produced by the inverse of the rescue
// procedure: per-sector GCM encryption with the index-derived IV/AAD,
// tags packed into each area's metadata block, zeros before the
// payload.
type fixture struct {
	img    []byte
	key    []byte
	plain  []byte
	tags   []byte
	secSz  int
	secCnt int
	offset int
}

func buildFixture(t *testing.T, secSz, secCnt, offset int) *fixture {
	t.Helper()
	geo, err := NewGeometry(secSz)
	require.NoError(t, err)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i*7 + 3)
	}
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)

	areaCnt := (secCnt + geo.SecPerArea - 1) / geo.SecPerArea
	f := &fixture{
		img:    make([]byte, offset+areaCnt*geo.AreaSize),
		key:    key,
		secSz:  secSz,
		secCnt: secCnt,
		offset: offset,
	}
	for sec := 0; sec < secCnt; sec++ {
		plain := bytes.Repeat([]byte{byte(sec)}, secSz)
		f.plain = append(f.plain, plain...)
		var frame [20]byte
		unit := uint64(sec) * uint64(secSz/512)
		binary.LittleEndian.PutUint64(frame[0:], unit)
		binary.LittleEndian.PutUint64(frame[8:], unit)
		sealed := aead.Seal(nil, frame[8:20], plain, frame[:])
		meta := f.img[offset+(sec/geo.SecPerArea)*geo.AreaSize:]
		i := sec % geo.SecPerArea
		copy(meta[i*16:], sealed[secSz:])
		copy(meta[MetaSize+i*secSz:], sealed[:secSz])
		f.tags = append(f.tags, sealed[secSz:]...)
	}
	return f
}

func (f *fixture) volume(t *testing.T) *Volume {
	t.Helper()
	v, err := NewVolume(f.img, f.key, f.secCnt, f.secSz)
	require.NoError(t, err)
	return v
}

func TestNewVolume(t *testing.T) {
	f := buildFixture(t, 4096, 16, 0)
	_, err := NewVolume(f.img, f.key[:15], f.secCnt, f.secSz)
	assert.Error(t, err, "bad key size")
	_, err = NewVolume(f.img, f.key, f.secCnt, 1000)
	assert.Error(t, err, "bad sector size")
	_, err = NewVolume(f.img, f.key, 0, f.secSz)
	assert.Error(t, err, "bad sector count")
	_, err = NewVolume(f.img, f.key, -5, f.secSz)
	assert.Error(t, err, "bad sector count")
}

func TestFindOffsetAtZero(t *testing.T) {
	f := buildFixture(t, 512, 32768, 0)
	v := f.volume(t)
	// one full area: one sampled area, all four sector probes verify
	cert := v.FindOffset(0x8000, 25)
	assert.Equal(t, uint(25), cert)
	assert.Equal(t, 0, v.Offset())
}

func TestFindOffsetNonzero(t *testing.T) {
	f := buildFixture(t, 512, 32768, 0x100000)
	v := f.volume(t)
	cert := v.FindOffset(0x8000, 25)
	assert.Equal(t, uint(25), cert)
	assert.Equal(t, 0x100000, v.Offset())
}

func TestFindOffsetFourAreas(t *testing.T) {
	f := buildFixture(t, 4096, 4*4096, 0)
	v := f.volume(t)
	// four sampled areas, sixteen verified probes
	cert := v.FindOffset(0x8000, 25)
	assert.Equal(t, uint(100), cert)
	assert.Equal(t, 0, v.Offset())
}

func TestFindOffsetRandomImage(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	key := make([]byte, 32)
	rng.Read(key)

	small := make([]byte, 16<<20) // shorter than one area
	rng.Read(small)
	v, err := NewVolume(small, key, 32768, 512)
	require.NoError(t, err)
	assert.Equal(t, uint(0), v.FindOffset(0x8000, 25))

	geo, _ := NewGeometry(512)
	big := make([]byte, geo.AreaSize+0x40000)
	rng.Read(big)
	v, err = NewVolume(big, key, 32768, 512)
	require.NoError(t, err)
	assert.Equal(t, uint(0), v.FindOffset(0x8000, 25))
}

func TestFindOffsetOffGrid(t *testing.T) {
	f := buildFixture(t, 512, 32768, 0x8000)
	v := f.volume(t)
	// payload sits at 0x8000, which a 1 MiB grid never visits
	assert.Equal(t, uint(0), v.FindOffset(0x100000, 25))
}

func TestFindOffsetLowestWins(t *testing.T) {
	f := buildFixture(t, 512, 32768, 0x8000)
	geo := f.volume(t).Geometry()
	// duplicate the payload area; the copy scores the same confidence
	// at its own grid offset
	img := append(append([]byte{}, f.img...), f.img[0x8000:0x8000+geo.AreaSize]...)
	v, err := NewVolume(img, f.key, f.secCnt, f.secSz)
	require.NoError(t, err)
	cert := v.FindOffset(0x8000, 25)
	assert.Equal(t, uint(25), cert)
	assert.Equal(t, 0x8000, v.Offset())

	// the duplicate alone also qualifies, so the first hit was a real
	// tie-break
	v2, err := NewVolume(img[geo.AreaSize:], f.key, f.secCnt, f.secSz)
	require.NoError(t, err)
	cert = v2.FindOffset(0x8000, 25)
	assert.Equal(t, uint(25), cert)
	assert.Equal(t, 0x8000, v2.Offset())
}

func TestRescue(t *testing.T) {
	f := buildFixture(t, 512, 32768, 0)
	v := f.volume(t)
	require.NotZero(t, v.FindOffset(0x8000, 25))

	var data, tags, diag bytes.Buffer
	require.NoError(t, v.Rescue(&data, &tags, &diag))
	assert.Equal(t, f.plain, data.Bytes())
	assert.Equal(t, f.tags, tags.Bytes())
	assert.Equal(t, ".\n", diag.String())
}

func TestRescuePartialLastArea(t *testing.T) {
	f := buildFixture(t, 4096, 4095, 0x8000)
	v := f.volume(t)
	cert := v.FindOffset(0x8000, 25)
	require.Equal(t, uint(25), cert)
	require.Equal(t, 0x8000, v.Offset())

	var data, tags, diag bytes.Buffer
	require.NoError(t, v.Rescue(&data, &tags, &diag))
	assert.Len(t, data.Bytes(), 4095*4096)
	assert.Equal(t, f.plain, data.Bytes())
	assert.Equal(t, ".\n", diag.String())
}

func TestRescueDamagedTags(t *testing.T) {
	f := buildFixture(t, 512, 32768, 0)
	// flip one byte in every fifth stored tag
	for sec := 0; sec < f.secCnt; sec += 5 {
		f.img[sec*16] ^= 0xff
	}
	v := f.volume(t)
	// probe sectors 0, 8192, 16384, 24576: only the first hits a
	// damaged tag, so the area scores 75 and the candidate 18
	cert := v.FindOffset(0x8000, 15)
	assert.Equal(t, uint(18), cert)
	assert.Equal(t, 0, v.Offset())

	var data, tags, diag bytes.Buffer
	require.NoError(t, v.Rescue(&data, &tags, &diag))
	// decryption is not gated on verification: plaintext and computed
	// tags come out as if nothing happened
	assert.Equal(t, f.plain, data.Bytes())
	assert.Equal(t, f.tags, tags.Bytes())
	assert.Equal(t, "o\n", diag.String())
}

func TestRescueAllDamaged(t *testing.T) {
	f := buildFixture(t, 4096, 4096, 0)
	for sec := 0; sec < f.secCnt; sec++ {
		f.img[sec*16] ^= 0xff
	}
	v := f.volume(t)
	var data, tags, diag bytes.Buffer
	require.NoError(t, v.Rescue(&data, &tags, &diag))
	assert.Equal(t, f.plain, data.Bytes())
	assert.Equal(t, "O\n", diag.String())
}

func TestRescueIdempotent(t *testing.T) {
	f := buildFixture(t, 4096, 4095, 0)
	v := f.volume(t)
	require.NotZero(t, v.FindOffset(0x8000, 25))

	var data1, tags1, diag1 bytes.Buffer
	require.NoError(t, v.Rescue(&data1, &tags1, &diag1))
	var data2, tags2, diag2 bytes.Buffer
	require.NoError(t, v.Rescue(&data2, &tags2, &diag2))
	assert.Equal(t, data1.Bytes(), data2.Bytes())
	assert.Equal(t, tags1.Bytes(), tags2.Bytes())
	assert.Equal(t, diag1.String(), diag2.String())
}

func TestRescueImageTooSmall(t *testing.T) {
	f := buildFixture(t, 512, 32768, 0)
	// claim twice the sectors the image holds
	v, err := NewVolume(f.img, f.key, 2*32768, 512)
	require.NoError(t, err)
	var data, tags, diag bytes.Buffer
	err = v.Rescue(&data, &tags, &diag)
	assert.ErrorContains(t, err, "too small")
}
