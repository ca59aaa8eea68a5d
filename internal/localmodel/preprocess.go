package localmodel

import (
	"image"

	"github.com/nfnt/resize"
)

// Preprocess resizes img to size x size and lays it out as CHW float32
// scaled to [0,1]. When mean and std carry three values each, every channel is
// normalized as (v - mean) / std.
func Preprocess(img image.Image, size int, mean, std []float32) []float32 {
	target := uint(size)
	resized := resize.Resize(target, target, img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	normalize := len(mean) == 3 && len(std) == 3

	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			px := [3]float32{float32(r) / 65535.0, float32(g) / 65535.0, float32(b) / 65535.0}
			idx := y*width + x
			for c := 0; c < 3; c++ {
				v := px[c]
				if normalize && std[c] != 0 {
					v = (v - mean[c]) / std[c]
				}
				data[c*plane+idx] = v
			}
		}
	}
	return data
}
