package storage

import (
	"image"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

// Residency flags describing where a Storage currently holds valid data.
type Residency int

const (
	ResidencyNone Residency = 0
	ResidencyCPU  Residency = 1 << iota
	ResidencyGPU
)

// Storage is the activation container: a logical (W, H, D) tensor packed
// into a set of RGBA8 textures with spatial padding and channel packing.
// Grounded on original_source/core/nnets/storage.h's Storage class; the
// packing math in New is a direct port of Storage::Storage(ctx, gpu, size,
// pad, reservedChannels) in storage.cpp.
type Storage struct {
	size Size
	pad  int

	// packX, packY are the spatial packing factors: packX*packY blocks of
	// 4 channels are laid out side by side within a single texture so
	// that ceil(D/4)/(packX*packY) textures suffice to sample the whole
	// tensor at once.
	packX, packY int

	textures []texture
	flat     bool

	memory AlignedMemory

	residency Residency
}

type texture struct {
	handle driver.Texture
	dirty  bool
}

// New allocates the layout (but not the GPU/CPU backing store — see
// AllocateGPU/AllocateCPU) for a 2D storage of the given logical size,
// spatial padding and number of additionally reserved channels (depth
// capping, SPEC_FULL.md §9 step 2).
func New(device driver.Device, size Size, pad, reservedChannels int) (*Storage, error) {
	depth := size.D + reservedChannels
	if err := checkChannelCount(depth); err != nil {
		return nil, err
	}
	maxChannels := 4 * device.GetLimit(driver.LimitTextureImageUnits)
	packX, packY := packingFactors(depth, maxChannels)
	return &Storage{size: size, pad: pad, packX: packX, packY: packY}, nil
}

// NewFlat allocates a single-texture, column-stacked storage of depth
// channels for use as Dense input (W = H = 1).
func NewFlat(depth int) (*Storage, error) {
	if err := checkChannelCount(depth); err != nil {
		return nil, err
	}
	return &Storage{size: Size{W: 1, H: 1, D: depth}, packX: 1, packY: depth / 4, flat: true}, nil
}

func checkChannelCount(depth int) error {
	if depth%4 != 0 && depth != 3 {
		return beatmuperr.NewInvalidArgument("channel count %d is neither a multiple of 4 nor 3 (image input)", depth)
	}
	return nil
}

// packingFactors finds the integer factorization packX*packY =
// ceil(depth/maxChannels) with packX the largest divisor <= sqrt(.). When
// depth already fits in one texture sampling pass, no packing is needed.
func packingFactors(depth, maxChannels int) (packX, packY int) {
	if depth <= maxChannels {
		return 1, 1
	}
	channelsPerTexture := ceilDiv(depth, maxChannels)
	packX, packY = 1, channelsPerTexture
	for i := 1; i*i <= channelsPerTexture; i++ {
		if channelsPerTexture%i == 0 {
			packX = i
			packY = channelsPerTexture / i
		}
	}
	return packX, packY
}

// Size returns the storage's logical tensor size.
func (s *Storage) Size() Size { return s.size }

// Padding returns the spatial padding in pixels on every side.
func (s *Storage) Padding() int { return s.pad }

// NumberOfTextures returns N = ceil(D / (4*packX*packY)).
func (s *Storage) NumberOfTextures() int {
	return ceilDiv(s.size.D, 4*s.packX*s.packY)
}

// TextureWidth returns the width in pixels of every texture in the
// storage.
func (s *Storage) TextureWidth() int {
	return (s.size.W+s.pad)*s.packX + s.pad
}

// TextureHeight returns the height in pixels of every texture.
func (s *Storage) TextureHeight() int {
	return (s.size.H+s.pad)*s.packY + s.pad
}

// ChannelTextureNumber returns the index of the texture holding the
// channel quad starting at channel (which must be a multiple of 4).
func (s *Storage) ChannelTextureNumber(channel int) int {
	return channel / 4 / (s.packX * s.packY)
}

// ChannelOrigin returns the pixel offset, within its texture, of the
// channel quad starting at channel.
func (s *Storage) ChannelOrigin(channel int) image.Point {
	return image.Pt(
		s.pad+(channel/4%s.packX)*(s.pad+s.size.W),
		s.pad+((channel/4/s.packX)%s.packY)*(s.pad+s.size.H),
	)
}

// Residency reports where the storage currently holds valid data.
func (s *Storage) Residency() Residency { return s.residency }

// IsAllocated reports whether any backing store (GPU or CPU) exists.
func (s *Storage) IsAllocated() bool {
	return len(s.textures) > 0 || s.memory.Len() > 0
}

// Texture returns the i-th GPU texture handle. AllocateGPU must have run.
func (s *Storage) Texture(i int) driver.Texture { return s.textures[i].handle }

// AllocateGPU creates the GPU textures backing this storage (marking them
// dirty: they need a clear before first use). Must run on the GPU thread.
func (s *Storage) AllocateGPU(device driver.Device) error {
	if len(s.textures) > 0 {
		return nil
	}
	n := s.NumberOfTextures()
	s.textures = make([]texture, n)
	w, h := s.TextureWidth(), s.TextureHeight()
	for i := 0; i < n; i++ {
		t, err := device.NewTexture(w, h, driver.TextureFormatRGBA8)
		if err != nil {
			return beatmuperr.NewRuntimeError("allocating storage texture %d/%d: %v", i, n, err)
		}
		s.textures[i] = texture{handle: t, dirty: true}
	}
	s.residency |= ResidencyGPU
	return nil
}

// AllocateCPU reserves aligned host memory sized to hold the storage's
// full texel content.
func (s *Storage) AllocateCPU() error {
	if s.memory.Len() > 0 {
		return nil
	}
	mem, err := NewAlignedMemory(s.memorySize())
	if err != nil {
		return beatmuperr.NewRuntimeError("allocating host storage: %v", err)
	}
	s.memory = mem
	s.residency |= ResidencyCPU
	return nil
}

func (s *Storage) memorySize() int {
	return s.TextureWidth() * s.TextureHeight() * s.NumberOfTextures() * 4
}

// Free enqueues the storage's textures for deferred destruction on the GPU
// thread via bin, and immediately releases host memory. Matches
// original_source's Storage::free(): GPU resources are never deleted from
// an arbitrary goroutine.
func (s *Storage) Free(bin *gpu.RecycleBin) {
	if len(s.textures) > 0 {
		textures := s.textures
		s.textures = nil
		bin.Put(func() {
			for _, t := range textures {
				t.handle.Release()
			}
		})
	}
	s.memory.Release()
	s.residency = ResidencyNone
}
