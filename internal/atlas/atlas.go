// Package atlas keeps the host copy of the texture atlas: fixed-size RGB
// blocks addressed by slot, filled from raw texel data or bitmap files.
package atlas

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"os"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"clgol/internal/diag"
	"clgol/internal/logging"
)

const (
	// Channels is the number of bytes per texel stored in the atlas.
	Channels = 3
	// SourceChannels is the number of bytes per texel accepted by SetTexture.
	SourceChannels = 4

	// bitmapSignature is "BM" read little-endian.
	bitmapSignature = 0x4D42
	// maxDecodePixels caps the size of a bitmap accepted for decoding.
	maxDecodePixels = 1 << 26
)

var (
	ErrSlotOutOfRange = xerrors.New("texture slot out of range")
	ErrTextureSize    = xerrors.New("texture data smaller than one block")
)

// Geometry is the block layout of the atlas.
type Geometry struct {
	BlockWidth  int
	BlockHeight int
	Slots       int
}

// DefaultGeometry is 16 blocks of 480x300 texels, a 1920x1200 RGB atlas.
func DefaultGeometry() Geometry {
	return Geometry{BlockWidth: 480, BlockHeight: 300, Slots: 16}
}

func (g Geometry) Texels() int { return g.BlockWidth * g.BlockHeight }

func (g Geometry) BlockBytes() int { return g.Texels() * Channels }

// Bytes is the size of the whole atlas and of its device buffer.
func (g Geometry) Bytes() int { return g.BlockBytes() * g.Slots }

func (g Geometry) Validate() error {
	if g.BlockWidth <= 0 || g.BlockHeight <= 0 || g.Slots <= 0 {
		return xerrors.Errorf("invalid atlas geometry %dx%d x %d slots", g.BlockWidth, g.BlockHeight, g.Slots)
	}
	return nil
}

// Atlas is the host mirror of the device texture buffer.
type Atlas struct {
	geom     Geometry
	data     []byte
	log      *zap.Logger
	uploaded bool
}

func New(g Geometry, log *zap.Logger) (*Atlas, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Atlas{geom: g, data: make([]byte, g.Bytes()), log: logging.OrNop(log)}, nil
}

func (a *Atlas) Geometry() Geometry { return a.geom }

// Bytes returns the whole mirror. The slice aliases the atlas.
func (a *Atlas) Bytes() []byte { return a.data }

// MarkUploaded records that the device holds a copy of the mirror. Later
// mutations are kept on the host only and logged.
func (a *Atlas) MarkUploaded() { a.uploaded = true }

func (a *Atlas) touched(slot int) {
	if a.uploaded {
		a.log.Warn("texture changed after atlas upload, device copy is not refreshed", zap.Int("slot", slot))
	}
}

// SetTexture converts one block of 4-channel texels to 3-channel texels
// with the first and third channel swapped and stores it in slot.
func (a *Atlas) SetTexture(slot int, data []byte) error {
	if slot < 0 || slot >= a.geom.Slots {
		return xerrors.Errorf("slot %d of %d: %w", slot, a.geom.Slots, ErrSlotOutOfRange)
	}
	texels := a.geom.Texels()
	if len(data) < texels*SourceChannels {
		return xerrors.Errorf("got %d bytes, need %d: %w", len(data), texels*SourceChannels, ErrTextureSize)
	}
	dst := a.data[slot*a.geom.BlockBytes():]
	for i, j := 0, 0; i < texels*SourceChannels; i, j = i+SourceChannels, j+Channels {
		dst[j] = data[i+2]
		dst[j+1] = data[i+1]
		dst[j+2] = data[i]
	}
	a.touched(slot)
	return nil
}

// AddTexture decodes the bitmap at path and stores its texels in slot 0.
func (a *Atlas) AddTexture(path string) error {
	texels, err := DecodeFile(path)
	if err != nil {
		a.log.Error("loading texture", zap.String("path", path), zap.Error(err))
		return err
	}
	a.store(0, texels)
	return nil
}

// LoadTextures decodes the bitmaps concurrently and stores them in
// consecutive slots starting at 0. The mirror is only written after every
// file decoded successfully.
func (a *Atlas) LoadTextures(ctx context.Context, paths []string) error {
	if len(paths) > a.geom.Slots {
		return xerrors.Errorf("%d textures for %d slots: %w", len(paths), a.geom.Slots, ErrSlotOutOfRange)
	}
	decoded := make([][]byte, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			texels, err := DecodeFile(path)
			if err != nil {
				return err
			}
			decoded[i] = texels
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Error("loading textures", zap.Strings("paths", paths), zap.Error(err))
		return err
	}
	for i, texels := range decoded {
		a.store(i, texels)
	}
	a.log.Info("textures loaded", zap.Int("count", len(paths)))
	return nil
}

// store copies RGB texels linearly into slot, clipped to the block.
func (a *Atlas) store(slot int, texels []byte) {
	block := a.data[slot*a.geom.BlockBytes() : (slot+1)*a.geom.BlockBytes()]
	n := copy(block, texels)
	if n < len(texels) {
		a.log.Debug("texture clipped to block", zap.Int("slot", slot), zap.Int("bytes", len(texels)), zap.Int("kept", n))
	}
	a.touched(slot)
}

// DecodeFile reads a BMP file and returns its pixels as tightly packed RGB
// rows, bottom row first as stored on disk.
func DecodeFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %v: %w", path, err, diag.ErrIO)
	}
	defer f.Close()
	return Decode(f)
}

// Decode validates the "BM" signature and decodes the bitmap in r.
func Decode(r io.ReadSeeker) ([]byte, error) {
	var sig [2]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, xerrors.Errorf("reading signature: %v: %w", err, diag.ErrInvalidImageFormat)
	}
	if binary.LittleEndian.Uint16(sig[:]) != bitmapSignature {
		return nil, xerrors.Errorf("signature %#04x: %w", binary.LittleEndian.Uint16(sig[:]), diag.ErrInvalidImageFormat)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, xerrors.Errorf("rewinding: %v: %w", err, diag.ErrIO)
	}
	cfg, err := bmp.DecodeConfig(r)
	if err != nil {
		return nil, xerrors.Errorf("reading header: %v: %w", err, diag.ErrInvalidImageFormat)
	}
	if cfg.Width*cfg.Height > maxDecodePixels {
		return nil, xerrors.Errorf("bitmap %dx%d: %w", cfg.Width, cfg.Height, diag.ErrOutOfMemory)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, xerrors.Errorf("rewinding: %v: %w", err, diag.ErrIO)
	}
	img, err := bmp.Decode(r)
	if err != nil {
		if errors.Is(err, bmp.ErrUnsupported) {
			return nil, xerrors.Errorf("decoding: %v: %w", err, diag.ErrInvalidImageFormat)
		}
		return nil, xerrors.Errorf("decoding: %v: %w", err, diag.ErrIO)
	}
	return packRGB(img), nil
}

func packRGB(img image.Image) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*Channels)
	for y := b.Max.Y - 1; y >= b.Min.Y; y-- {
		switch src := img.(type) {
		case *image.RGBA:
			row := src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				out = append(out, row[i], row[i+1], row[i+2])
			}
		case *image.NRGBA:
			row := src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				out = append(out, row[i], row[i+1], row[i+2])
			}
		default:
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				out = append(out, byte(r>>8), byte(g>>8), byte(bl>>8))
			}
		}
	}
	return out
}
