package storage

import (
	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

// View is a read-only channel-quad remapping over a Storage: it exposes a
// subset or permutation of the underlying storage's channels without
// copying any texel data, only reindexing which textures an operation
// binds and at what channel offset it samples them. Grounded on
// original_source's Storage::View, which backs Conv2D's depthwise-group
// slicing and the channel-shuffle operation used between grouped
// convolutions.
type View struct {
	storage *Storage
	depth   int

	// channelBase maps a channel index local to this view to the
	// corresponding channel index (a multiple of 4) in storage.
	channelBase func(channel int) int

	// textureMap, when non-nil, compacts the storage's texture indices
	// actually touched by this view into a dense 0..len(textureMap)
	// range, so a Slice view over a handful of channels doesn't force
	// binding every texture of the parent storage.
	textureMap []int
}

// NewView builds the identity view over the whole of s.
func NewView(s *Storage) View {
	return View{storage: s, depth: s.size.D, channelBase: func(c int) int { return c }}
}

// Depth returns the number of channels exposed through the view.
func (v View) Depth() int { return v.depth }

// Slice restricts v to the [first, first+num) channel range (both multiples
// of 4), compacting the set of underlying textures actually referenced.
// Grounded on Storage::View(View&&, firstChannel, numChannels) in
// storage.cpp, which builds a Bitset of touched textures and a textureMap
// to avoid binding unused ones.
func (v View) Slice(first, num int) (View, error) {
	if first%4 != 0 {
		return View{}, beatmuperr.NewInvalidArgument("storage: view slice must start on a channel quad boundary, got %d", first)
	}
	if first+num > v.depth {
		return View{}, beatmuperr.NewInvalidArgument("storage: view slice [%d,%d) out of range for depth %d", first, first+num, v.depth)
	}

	used := map[int]bool{}
	for c := 0; c < num; c += 4 {
		used[v.storage.ChannelTextureNumber(v.channelBase(first+c))] = true
	}
	textureMap := make([]int, 0, len(used))
	compacted := map[int]int{}
	for _, orig := range v.storage.orderedTextureIndices() {
		if used[orig] {
			compacted[orig] = len(textureMap)
			textureMap = append(textureMap, orig)
		}
	}

	base := v.channelBase
	return View{
		storage: v.storage,
		depth:   num,
		channelBase: func(c int) int {
			return base(first + c)
		},
		textureMap: textureMap,
	}, nil
}

// NewShuffleView builds a channel-quad-permuted view over s, matching
// original_source's Storage::View(Storage&, shuffleStep): quad i of the
// view reads the storage's quad
// shuffled = (shuffleStep*i) % num + (shuffleStep*i) / num, where
// num = D/4; the mapping is a permutation when shuffleStep divides num. A
// shuffleStep of 0 gives the identity view. This implements the
// channel-shuffle operation used to mix information across groups in
// grouped convolutions.
func NewShuffleView(s *Storage, shuffleStep int) View {
	if shuffleStep == 0 {
		return NewView(s)
	}
	num := s.size.D / 4
	return View{
		storage: s,
		depth:   s.size.D,
		channelBase: func(c int) int {
			i := c / 4
			shuffled := (shuffleStep*i)%num + (shuffleStep*i)/num
			return shuffled*4 + c%4
		},
	}
}

// orderedTextureIndices returns 0..NumberOfTextures()-1 in a deterministic
// slice; kept as a tiny helper so Slice never depends on Go map ordering
// when compacting the touched-texture set.
func (s *Storage) orderedTextureIndices() []int {
	n := s.NumberOfTextures()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// NumberOfTextures returns how many distinct textures this view binds.
func (v View) NumberOfTextures() int {
	if v.textureMap != nil {
		return len(v.textureMap)
	}
	return v.storage.NumberOfTextures()
}

// Texture returns the i-th texture (in the view's own compacted indexing)
// bound by this view.
func (v View) Texture(i int) driver.Texture {
	if v.textureMap != nil {
		return v.storage.Texture(v.textureMap[i])
	}
	return v.storage.Texture(i)
}

// ChannelTextureNumber returns the view-local texture index holding the
// channel quad starting at channel.
func (v View) ChannelTextureNumber(channel int) int {
	orig := v.storage.ChannelTextureNumber(v.channelBase(channel))
	if v.textureMap == nil {
		return orig
	}
	for i, t := range v.textureMap {
		if t == orig {
			return i
		}
	}
	return -1
}

// ChannelOrigin returns the pixel offset, within its texture, of the
// channel quad starting at channel.
func (v View) ChannelOrigin(channel int) (x, y int) {
	p := v.storage.ChannelOrigin(v.channelBase(channel))
	return p.X, p.Y
}

// TextureWidth and TextureHeight pass through to the underlying storage:
// a view never changes the spatial layout, only which textures/channels
// are visible.
func (v View) TextureWidth() int  { return v.storage.TextureWidth() }
func (v View) TextureHeight() int { return v.storage.TextureHeight() }

// Size returns the (W, H, Depth) of the view.
func (v View) Size() Size {
	sz := v.storage.size
	sz.D = v.depth
	return sz
}

// Padding returns the underlying storage's spatial padding.
func (v View) Padding() int { return v.storage.pad }

// Pull reads the underlying storage back to the host (see Storage.Pull)
// and reorders/selects channels into the view's own ordering, returning
// row-major (H, W, Depth) float32 data. This is how a CPU-side operation
// (e.g. a softmax sink) obtains its input: the GPU-resident storage is
// pulled once, through the view that was bound to it, rather than the
// operation reaching across to the GPU thread itself.
func (v View) Pull(device driver.Device) ([]float32, error) {
	full, err := v.storage.Pull(device)
	if err != nil {
		return nil, err
	}
	w, h, fullD := v.storage.size.W, v.storage.size.H, v.storage.size.D
	out := make([]float32, w*h*v.depth)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < v.depth; c++ {
				out[(y*w+x)*v.depth+c] = full[(y*w+x)*fullD+v.channelBase(c)]
			}
		}
	}
	return out, nil
}

// PushFull writes hwc into the underlying storage, the Push counterpart
// to Pull. It requires v to span the storage's entire depth in identity
// order (the case for every operation's own output view): a genuine
// partial-channel write would need to preserve the untouched channels
// sharing a texture, which no operation in this engine ever does (writes
// always land on a freshly bound output view covering its whole storage).
func (v View) PushFull(device driver.Device, hwc []float32) error {
	if v.depth != v.storage.size.D {
		return beatmuperr.NewRuntimeError("storage: PushFull requires a view over the full storage depth (got %d of %d)", v.depth, v.storage.size.D)
	}
	return v.storage.Push(device, hwc)
}
