package sim

import (
	"image"
	"testing"

	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

func TestBackendGetLimit(t *testing.T) {
	b := New(DefaultOptions())
	if got := b.GetLimit(driver.LimitTextureImageUnits); got != 16 {
		t.Errorf("LimitTextureImageUnits = %d, want 16", got)
	}
	if b.GLSLVersion() != driver.GLSLES310 {
		t.Errorf("GLSLVersion() = %v, want GLSLES310", b.GLSLVersion())
	}
}

func TestBackendTextureUploadDownloadRoundTrip(t *testing.T) {
	b := New(DefaultOptions())
	tex, err := b.NewTexture(4, 4, driver.TextureFormatRGBA8)
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	pixels := make([]byte, 4*4*4)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	tex.Upload(image.Pt(0, 0), image.Pt(4, 4), pixels)

	got := make([]byte, 4*4*4)
	if err := tex.Download(image.Rect(0, 0, 4, 4), got); err != nil {
		t.Fatalf("Download: %v", err)
	}
	for i := range pixels {
		if got[i] != pixels[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], pixels[i])
		}
	}
}

func TestBackendCompileRejectsEmptySource(t *testing.T) {
	b := New(DefaultOptions())
	if _, err := b.Compile(driver.ShaderSource{Name: "empty"}); err == nil {
		t.Error("expected error compiling an empty fragment source")
	}
	if _, err := b.CompileCompute(driver.ShaderSource{Name: "empty"}); err == nil {
		t.Error("expected error compiling an empty compute source")
	}
}

func TestBackendDrawInvokesKernelPerPixel(t *testing.T) {
	b := New(DefaultOptions())
	outTex, err := b.NewTexture(2, 3, driver.TextureFormatRGBA8)
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	fb, err := b.NewFramebuffer(outTex)
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}

	var calls [][2]int
	src := driver.ShaderSource{
		Name: "count-pixels",
		GLSL: "void main(){}",
		Kernel: func(ctx *driver.ExecContext, x, y int) {
			calls = append(calls, [2]int{x, y})
		},
	}
	prog, err := b.Compile(src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b.BindOutput(fb)
	if err := b.Draw(prog); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if len(calls) != 2*3 {
		t.Fatalf("kernel invoked %d times, want %d", len(calls), 2*3)
	}
}

func TestBackendDrawBindsInputsIntoExecContext(t *testing.T) {
	b := New(DefaultOptions())
	inTex, err := b.NewTexture(1, 1, driver.TextureFormatRGBA8)
	if err != nil {
		t.Fatalf("NewTexture(in): %v", err)
	}
	inTex.Upload(image.Pt(0, 0), image.Pt(1, 1), []byte{10, 20, 30, 40})

	outTex, err := b.NewTexture(1, 1, driver.TextureFormatRGBA8)
	if err != nil {
		t.Fatalf("NewTexture(out): %v", err)
	}
	fb, _ := b.NewFramebuffer(outTex)

	var sawInputs int
	src := driver.ShaderSource{
		Name: "pass-through",
		GLSL: "void main(){}",
		Kernel: func(ctx *driver.ExecContext, x, y int) {
			sawInputs = len(ctx.Inputs)
			ctx.Output.Set(x, y, [4]uint8{1, 2, 3, 4})
		},
	}
	prog, _ := b.Compile(src)
	b.BindOutput(fb)
	b.BindTexture(0, inTex, driver.FilterNearest)
	if err := b.Draw(prog); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if sawInputs != 1 {
		t.Errorf("ExecContext.Inputs had %d entries, want 1", sawInputs)
	}

	got := make([]byte, 4)
	if err := outTex.Download(image.Rect(0, 0, 1, 1), got); err != nil {
		t.Fatalf("Download: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBackendBindOutputClearsPreviousBindings(t *testing.T) {
	b := New(DefaultOptions())
	in, _ := b.NewTexture(1, 1, driver.TextureFormatRGBA8)
	out1, _ := b.NewTexture(1, 1, driver.TextureFormatRGBA8)
	out2, _ := b.NewTexture(1, 1, driver.TextureFormatRGBA8)
	fb1, _ := b.NewFramebuffer(out1)
	fb2, _ := b.NewFramebuffer(out2)

	b.BindOutput(fb1)
	b.BindTexture(0, in, driver.FilterNearest)

	b.BindOutput(fb2)

	var sawInputs int
	src := driver.ShaderSource{
		Name: "check",
		GLSL: "void main(){}",
		Kernel: func(ctx *driver.ExecContext, x, y int) {
			sawInputs = len(ctx.Inputs)
		},
	}
	prog, _ := b.Compile(src)
	if err := b.Draw(prog); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if sawInputs != 0 {
		t.Errorf("rebinding output should clear stale input bindings, saw %d", sawInputs)
	}
}

func TestBackendDispatchInvokesKernelPerGroup(t *testing.T) {
	b := New(DefaultOptions())
	var groups [][3]int
	src := driver.ShaderSource{
		Name: "compute-groups",
		GLSL: "void main(){}",
		Kernel: func(ctx *driver.ExecContext, x, y int) {
			groups = append(groups, ctx.GroupID)
		},
	}
	prog, err := b.CompileCompute(src)
	if err != nil {
		t.Fatalf("CompileCompute: %v", err)
	}
	if err := b.Dispatch(prog, 2, 3, 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(groups) != 2*3*1 {
		t.Fatalf("kernel invoked %d times, want %d", len(groups), 2*3*1)
	}
}
