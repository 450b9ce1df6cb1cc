package assets

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/assets/loaders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spirvModule(bound uint32) []byte {
	var buf []byte
	for _, w := range []uint32{loaders.SpirvMagic, 0x00010500, 0, bound, 0} {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x10, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newTestManager(t *testing.T) (*AssetManager, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "shaders"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "textures"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "shaders", "spin.comp.spv"), spirvModule(8), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "shaders", "spin.comp"), []byte("#version 460"), 0o644))
	writePNG(t, filepath.Join(root, "textures", "ramp.png"), 4, 2)

	am, err := NewAssetManager(root)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, am.Close()) })
	return am, root
}

func TestAssetManagerIndexesKnownTypes(t *testing.T) {
	am, _ := newTestManager(t)

	assert.Equal(t, 2, am.Len())
	info, ok := am.Info("shaders/spin.comp.spv")
	require.True(t, ok)
	assert.Equal(t, AssetTypeShader, info.Type)
	assert.True(t, info.LastLoaded.IsZero())

	_, ok = am.Info("shaders/spin.comp")
	assert.False(t, ok)
}

func TestAssetManagerLoadsShader(t *testing.T) {
	am, _ := newTestManager(t)

	code, err := am.LoadShader("shaders/spin.comp.spv")
	require.NoError(t, err)
	assert.Equal(t, spirvModule(8), code)

	info, _ := am.Info("shaders/spin.comp.spv")
	assert.False(t, info.LastLoaded.IsZero())

	_, err = am.LoadImage("shaders/spin.comp.spv")
	assert.Error(t, err)
}

func TestAssetManagerLoadsImageAsRGBA(t *testing.T) {
	am, _ := newTestManager(t)

	img, err := am.LoadImage("textures/ramp.png")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), img.Width)
	assert.Equal(t, uint32(2), img.Height)
	assert.Equal(t, "png", img.Format)
	require.Len(t, img.Pixels, 4*2*4)
	// pixel (3, 1)
	assert.Equal(t, []byte{3, 1, 0x10, 0xFF}, img.Pixels[(1*4+3)*4:(1*4+3)*4+4])
}

func TestAssetManagerMissingAsset(t *testing.T) {
	am, _ := newTestManager(t)

	_, err := am.Load("textures/missing.png")
	assert.True(t, errors.Is(err, ErrAssetNotFound))
}

func TestAssetManagerReloadsChangedFiles(t *testing.T) {
	am, root := newTestManager(t)

	_, err := am.LoadShader("shaders/spin.comp.spv")
	require.NoError(t, err)

	changed := make(chan string, 8)
	am.Subscribe(func(name string) {
		select {
		case changed <- name:
		default:
		}
	})

	require.NoError(t, os.WriteFile(filepath.Join(root, "shaders", "spin.comp.spv"), spirvModule(16), 0o644))

	select {
	case name := <-changed:
		assert.Equal(t, "shaders/spin.comp.spv", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
	require.Eventually(t, func() bool {
		code, err := am.LoadShader("shaders/spin.comp.spv")
		return err == nil && bytes.Equal(code, spirvModule(16))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAssetManagerClosed(t *testing.T) {
	am, err := NewAssetManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, am.Close())
	require.NoError(t, am.Close())

	_, err = am.Load("anything.png")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewAssetManagerRejectsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.png")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := NewAssetManager(path)
	assert.Error(t, err)

	_, err = NewAssetManager(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestValidateSpirv(t *testing.T) {
	assert.NoError(t, loaders.ValidateSpirv(spirvModule(1)))
	assert.ErrorIs(t, loaders.ValidateSpirv([]byte{1, 2, 3}), loaders.ErrInvalidShader)
	assert.ErrorIs(t, loaders.ValidateSpirv(spirvModule(1)[:8]), loaders.ErrInvalidShader)

	bad := spirvModule(1)
	bad[0] = 0
	assert.ErrorIs(t, loaders.ValidateSpirv(bad), loaders.ErrInvalidShader)
}

func TestToRGBAConvertsSubImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src.Set(2, 2, color.RGBA{R: 0xAA, A: 0xFF})
	sub := src.SubImage(image.Rect(2, 2, 4, 4))

	img := loaders.ToRGBA(sub, "raw")
	assert.Equal(t, uint32(2), img.Width)
	assert.Len(t, img.Pixels, 2*2*4)
	assert.Equal(t, []byte{0xAA, 0, 0, 0xFF}, img.Pixels[:4])
}
