package audio

import (
	"log/slog"
	"sync"
)

// Converter adapts frames to a target format. It logs once on the first
// mismatch and once on corrupt (odd byte count) PCM. Create one per stream;
// not designed for shared use across goroutines.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame adapted to the target format. When the source format
// already matches, the frame is returned unchanged (zero allocation).
// Resampling happens before channel conversion so stereo data is never
// resampled when the target is mono.
func (c *Converter) Convert(frame Frame) Frame {
	if len(frame.PCM)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio convert: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.PCM),
				"sample_rate", frame.Format.SampleRate,
			)
		})
		return Frame{Format: c.Target, Timestamp: frame.Timestamp}
	}

	if frame.Format == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio convert: format mismatch, converting",
			"from_rate", frame.Format.SampleRate, "to_rate", c.Target.SampleRate,
			"from_channels", frame.Format.Channels, "to_channels", c.Target.Channels,
		)
	})

	pcm := frame.PCM
	rate := frame.Format.SampleRate
	channels := frame.Format.Channels

	if rate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, rate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, rate, c.Target.SampleRate)
		}
		rate = c.Target.SampleRate
	}

	if channels != c.Target.Channels {
		switch {
		case channels == 1 && c.Target.Channels == 2:
			pcm = MonoToStereo(pcm)
		case channels == 2 && c.Target.Channels == 1:
			pcm = StereoToMono(pcm)
		}
		channels = c.Target.Channels
	}

	return Frame{
		PCM:       pcm,
		Format:    Format{SampleRate: rate, Channels: channels},
		Timestamp: frame.Timestamp,
	}
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame to produce mono output, using
// int32 arithmetic to prevent overflow and clamping to the int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM from srcRate to
// dstRate using linear interpolation per channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8
		l1, r1 := l0, r0
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		}

		lv := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rv := int16(float64(r0)*(1-frac) + float64(r1)*frac)
		out[i*4] = byte(lv)
		out[i*4+1] = byte(lv >> 8)
		out[i*4+2] = byte(rv)
		out[i*4+3] = byte(rv >> 8)
	}
	return out
}
