package audio_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/talkback/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := audio.BytesToInt16s(audio.MonoToStereo(audio.Int16sToBytes([]int16{100, -200, 300})))
	want := []int16{100, 100, -200, -200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("MonoToStereo = %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{"average", []int16{100, 200, -100, -200}, []int16{150, -150}},
		{"max values stay in range", []int16{32767, 32767}, []int16{32767}},
		{"min values stay in range", []int16{-32768, -32768}, []int16{-32768}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.BytesToInt16s(audio.StereoToMono(audio.Int16sToBytes(tc.in)))
			if !slices.Equal(got, tc.want) {
				t.Errorf("StereoToMono(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()
	pcm := audio.Int16sToBytes([]int16{0, 100, 200, 300})

	if got := audio.ResampleMono16(pcm, 16000, 16000); len(got) != len(pcm) {
		t.Errorf("same rate: len = %d, want %d", len(got), len(pcm))
	}
	if got := audio.ResampleMono16(pcm, 0, 16000); len(got) != len(pcm) {
		t.Errorf("invalid rate: len = %d, want %d", len(got), len(pcm))
	}

	up := audio.BytesToInt16s(audio.ResampleMono16(pcm, 16000, 32000))
	if len(up) != 8 {
		t.Fatalf("upsample: %d samples, want 8", len(up))
	}
	if up[0] != 0 || up[1] != 50 || up[2] != 100 {
		t.Errorf("upsample interpolation = %v", up[:3])
	}

	down := audio.BytesToInt16s(audio.ResampleMono16(pcm, 16000, 8000))
	if !slices.Equal(down, []int16{0, 200}) {
		t.Errorf("downsample = %v, want [0 200]", down)
	}
}

func TestFormatConverter_PassThrough(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	in := audio.AudioFrame{Data: audio.Int16sToBytes([]int16{1, 2}), SampleRate: 48000, Channels: 1}
	out := conv.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("matching format should return the original buffer")
	}
}

func TestFormatConverter_StereoToMonoResample(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 8000, Channels: 1}}
	in := audio.AudioFrame{
		Data:       audio.Int16sToBytes([]int16{100, 300, 100, 300, 100, 300, 100, 300}),
		SampleRate: 16000,
		Channels:   2,
		Timestamp:  time.Second,
	}
	out := conv.Convert(in)
	if out.SampleRate != 8000 || out.Channels != 1 {
		t.Fatalf("format = %dHz/%dch, want 8000Hz/1ch", out.SampleRate, out.Channels)
	}
	if got := audio.BytesToInt16s(out.Data); !slices.Equal(got, []int16{200, 200}) {
		t.Errorf("samples = %v, want [200 200]", got)
	}
	if out.Timestamp != time.Second {
		t.Errorf("timestamp = %v, want 1s", out.Timestamp)
	}
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	out := conv.Convert(audio.AudioFrame{Data: audio.Int16sToBytes([]int16{7}), SampleRate: 48000, Channels: 1})
	if got := audio.BytesToInt16s(out.Data); !slices.Equal(got, []int16{7, 7}) {
		t.Errorf("samples = %v, want [7 7]", got)
	}
}

func TestFormatConverter_DropsMisalignedFrame(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	out := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1})
	if out.Data != nil {
		t.Errorf("misaligned frame data = %v, want nil", out.Data)
	}
}

func TestFormat_FrameBytes(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 48000, Channels: 1}
	if got := f.FrameBytes(20 * time.Millisecond); got != 1920 {
		t.Errorf("FrameBytes(20ms) = %d, want 1920", got)
	}
}
