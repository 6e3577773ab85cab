package reader

import (
	"context"
	"testing"

	"github.com/zsiec/scrubcore/frame"
)

type fakeDecoder struct {
	calls    int
	from, to float64
}

func (f *fakeDecoder) DecodeWindow(ctx context.Context, from, to float64) ([]RawFrame, error) {
	f.calls++
	f.from, f.to = from, to
	var out []RawFrame
	for t := from; t <= to; t += 1.0 / 30 {
		out = append(out, RawFrame{PTS: t, Handle: t})
	}
	return out, nil
}

func build(pts float64, handle any) *frame.DecodedFrame {
	return &frame.DecodedFrame{PTS: pts, Buffer: frame.NewPixelBuffer(handle, nil)}
}

func TestCopyFrameNearestPrevious(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	r := NewGOPReader(dec, 1.0, (1.0/30)/2, nil)

	got, err := r.CopyFrame(context.Background(), 0, 1.0, build)
	if err != nil {
		t.Fatalf("CopyFrame error: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a frame")
	}
	if got.PTS > 1.0+(1.0/30)/2 {
		t.Fatalf("returned PTS %v should not exceed target+tolerance", got.PTS)
	}
	if dec.calls != 1 {
		t.Fatalf("decode calls = %d, want 1", dec.calls)
	}
}

func TestCopyFrameRebuildsOnBackwardJump(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	r := NewGOPReader(dec, 1.0, (1.0/30)/2, nil)

	if _, err := r.CopyFrame(context.Background(), 0, 5.0, build); err != nil {
		t.Fatalf("CopyFrame error: %v", err)
	}
	callsAfterFirst := dec.calls

	if _, err := r.CopyFrame(context.Background(), 0, 0.0, build); err != nil {
		t.Fatalf("CopyFrame error: %v", err)
	}
	if dec.calls == callsAfterFirst {
		t.Fatalf("expected a window rebuild on backward jump past window")
	}
}

func TestSimpleReaderUsesNarrowWindow(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	r := NewSimpleReader(dec, (1.0/30)/2, nil)

	if _, err := r.CopyFrame(context.Background(), 0, 1.0, build); err != nil {
		t.Fatalf("CopyFrame error: %v", err)
	}
	if dec.to-dec.from > 0.2 {
		t.Fatalf("simple reader window too wide: [%v,%v]", dec.from, dec.to)
	}
}
