package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"sync"
)

// Image is a decoded picture in HWC layout with values in [0, 255].
type Image struct {
	Pix      []float32
	Width    int
	Height   int
	Channels int
}

func NewImage(width, height, channels int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	return &Image{
		Pix:      make([]float32, width*height*channels),
		Width:    width,
		Height:   height,
		Channels: channels,
	}, nil
}

// Decode reads a PNG or JPEG image and converts it to channels (1 for
// grayscale, 3 for RGB).
func Decode(reader io.Reader, channels int) (*Image, error) {
	src, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	img, err := NewImage(bounds.Dx(), bounds.Dy(), channels)
	if err != nil {
		return nil, err
	}

	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			c := src.At(bounds.Min.X+x, bounds.Min.Y+y)
			idx := (y*img.Width + x) * channels
			if channels == 1 {
				g := color.GrayModel.Convert(c).(color.Gray)
				img.Pix[idx] = float32(g.Y)
				continue
			}
			r, g, b, _ := c.RGBA()
			img.Pix[idx] = float32(r >> 8)
			img.Pix[idx+1] = float32(g >> 8)
			img.Pix[idx+2] = float32(b >> 8)
		}
	}
	return img, nil
}

// LoadImage decodes the image file at path.
func LoadImage(path string, channels int) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := Decode(file, channels)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LoadImages decodes several files concurrently. channels[i] applies to paths[i].
func LoadImages(paths []string, channels []int, maxWorkers int) ([]*Image, error) {
	if len(paths) != len(channels) {
		return nil, fmt.Errorf("got %d paths but %d channel counts", len(paths), len(channels))
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*Image, len(paths))
	errors := make([]error, len(paths))

	jobs := make(chan int, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errors[i] = LoadImage(paths[i], channels[i])
			}
		}()
	}

	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errors {
		if err != nil {
			return nil, fmt.Errorf("failed to load image %d: %w", i, err)
		}
	}
	return results, nil
}

// ResizeBilinear resamples img to width x height with bilinear
// interpolation over half-pixel centres, clamping at the borders. Output
// values stay within the input's range.
func ResizeBilinear(img *Image, width, height int) (*Image, error) {
	out, err := NewImage(width, height, img.Channels)
	if err != nil {
		return nil, err
	}
	if width == img.Width && height == img.Height {
		copy(out.Pix, img.Pix)
		return out, nil
	}

	scaleX := float64(img.Width) / float64(width)
	scaleY := float64(img.Height) / float64(height)
	c := img.Channels

	for y := 0; y < height; y++ {
		sy := (float64(y)+0.5)*scaleY - 0.5
		y0, y1, wy := sampleAxis(sy, img.Height)
		for x := 0; x < width; x++ {
			sx := (float64(x)+0.5)*scaleX - 0.5
			x0, x1, wx := sampleAxis(sx, img.Width)
			for ch := 0; ch < c; ch++ {
				p00 := float64(img.Pix[(y0*img.Width+x0)*c+ch])
				p01 := float64(img.Pix[(y0*img.Width+x1)*c+ch])
				p10 := float64(img.Pix[(y1*img.Width+x0)*c+ch])
				p11 := float64(img.Pix[(y1*img.Width+x1)*c+ch])
				top := p00 + (p01-p00)*wx
				bottom := p10 + (p11-p10)*wx
				out.Pix[(y*width+x)*c+ch] = float32(top + (bottom-top)*wy)
			}
		}
	}
	return out, nil
}

// sampleAxis returns the two neighbouring source indices around coordinate s
// and the weight of the second one.
func sampleAxis(s float64, size int) (int, int, float64) {
	if s <= 0 {
		return 0, 0, 0
	}
	if s >= float64(size-1) {
		return size - 1, size - 1, 0
	}
	i0 := int(math.Floor(s))
	return i0, i0 + 1, s - float64(i0)
}

// CHW returns the pixel data reordered to channel-major layout.
func (img *Image) CHW() []float32 {
	plane := img.Width * img.Height
	out := make([]float32, plane*img.Channels)
	for i := 0; i < plane; i++ {
		for ch := 0; ch < img.Channels; ch++ {
			out[ch*plane+i] = img.Pix[i*img.Channels+ch]
		}
	}
	return out
}

// EncodePNG writes channel-major data with values in [0, 255] as a PNG.
// Values are rounded and clamped. channels must be 1 or 3.
func EncodePNG(w io.Writer, chw []float32, channels, height, width int) error {
	plane := width * height
	if len(chw) != plane*channels {
		return fmt.Errorf("data length %d does not match %dx%dx%d", len(chw), channels, height, width)
	}

	var img image.Image
	switch channels {
	case 1:
		gray := image.NewGray(image.Rect(0, 0, width, height))
		for i := 0; i < plane; i++ {
			gray.Pix[i] = toByte(chw[i])
		}
		img = gray
	case 3:
		rgba := image.NewRGBA(image.Rect(0, 0, width, height))
		for i := 0; i < plane; i++ {
			rgba.Pix[i*4] = toByte(chw[i])
			rgba.Pix[i*4+1] = toByte(chw[plane+i])
			rgba.Pix[i*4+2] = toByte(chw[2*plane+i])
			rgba.Pix[i*4+3] = 255
		}
		img = rgba
	default:
		return fmt.Errorf("unsupported channel count %d", channels)
	}

	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	return nil
}

// SavePNG writes channel-major data to path as a PNG.
func SavePNG(path string, chw []float32, channels, height, width int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodePNG(file, chw, channels, height, width); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func toByte(v float32) uint8 {
	f := math.Round(float64(v))
	if f != f || f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f)
}
