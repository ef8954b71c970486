// Package imageprocessor turns data-URL encoded images into the normalized
// NHWC tensor the spoof classifier consumes.
package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// InputSize is the square edge, in pixels, the classifier expects.
	InputSize = 224
	// Channels is the number of color channels per pixel (RGB).
	Channels = 3
)

var (
	ErrMalformedPayload       = errors.New("malformed image payload")
	ErrDecode                 = errors.New("invalid base64 image data")
	ErrUnsupportedImageFormat = errors.New("unsupported image format")
)

// Preprocessing stages, reported on PreprocessError.
const (
	StagePayload = "payload"
	StageBase64  = "base64"
	StageImage   = "image"
)

// PreprocessError reports which stage rejected the payload. Err always wraps
// one of the package sentinel errors.
type PreprocessError struct {
	Stage string
	Err   error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("preprocess %s: %v", e.Stage, e.Err)
}

func (e *PreprocessError) Unwrap() error {
	return e.Err
}

// Tensor is a dense float32 tensor shaped [1, InputSize, InputSize, Channels].
type Tensor struct {
	Shape [4]int64
	Data  []float32
}

// At returns the value of channel c at row y, column x of the single batch item.
func (t *Tensor) At(y, x, c int) float32 {
	w, ch := int(t.Shape[2]), int(t.Shape[3])
	return t.Data[(y*w+x)*ch+c]
}

// Preprocess decodes a `<mime-prefix>,<base64>` payload and returns the
// normalized input tensor. No partial tensor is ever returned.
func Preprocess(payload string) (*Tensor, error) {
	encoded, err := StripDataURL(payload)
	if err != nil {
		return nil, err
	}
	raw, err := DecodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	img, _, err := DecodeImage(raw)
	if err != nil {
		return nil, err
	}
	return ToTensor(img)
}

// StripDataURL drops everything up to and including the first comma.
func StripDataURL(payload string) (string, error) {
	_, data, found := strings.Cut(payload, ",")
	if !found {
		return "", &PreprocessError{Stage: StagePayload, Err: fmt.Errorf("%w: missing ',' separator", ErrMalformedPayload)}
	}
	return data, nil
}

// DecodeBase64 decodes standard, padded base64. ASCII whitespace is ignored.
func DecodeBase64(encoded string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, encoded)

	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, &PreprocessError{Stage: StageBase64, Err: fmt.Errorf("%w: %w", ErrDecode, err)}
	}
	return raw, nil
}

// DecodeImage parses raw with any registered codec and returns the image and
// its format name. Images without pixels are rejected.
func DecodeImage(raw []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", &PreprocessError{Stage: StageImage, Err: fmt.Errorf("%w: %w", ErrUnsupportedImageFormat, err)}
	}
	if err := checkBounds(img); err != nil {
		return nil, "", err
	}
	return img, format, nil
}

func checkBounds(img image.Image) error {
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return &PreprocessError{Stage: StageImage, Err: fmt.Errorf("%w: %dx%d image has no pixels", ErrUnsupportedImageFormat, b.Dx(), b.Dy())}
	}
	return nil
}

// ToTensor converts img to opaque RGB, stretches it to InputSize x InputSize
// and scales every channel to [0, 1].
func ToTensor(img image.Image) (*Tensor, error) {
	if err := checkBounds(img); err != nil {
		return nil, err
	}

	var sized image.Image = toRGB(img)
	if b := sized.Bounds(); b.Dx() != InputSize || b.Dy() != InputSize {
		sized = resize.Resize(InputSize, InputSize, sized, resize.Bilinear)
	}

	t := &Tensor{
		Shape: [4]int64{1, InputSize, InputSize, Channels},
		Data:  make([]float32, InputSize*InputSize*Channels),
	}
	b := sized.Bounds()
	i := 0
	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			r, g, bl := rgbAt(sized, b.Min.X+x, b.Min.Y+y)
			t.Data[i] = float32(r) / 255.0
			t.Data[i+1] = float32(g) / 255.0
			t.Data[i+2] = float32(bl) / 255.0
			i += Channels
		}
	}
	return t, nil
}

// toRGB copies img into an opaque NRGBA image anchored at the origin. Alpha is
// discarded rather than composited, so color values stay as encoded.
func toRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			o := dst.PixOffset(x, y)
			dst.Pix[o] = c.R
			dst.Pix[o+1] = c.G
			dst.Pix[o+2] = c.B
			dst.Pix[o+3] = 0xff
		}
	}
	return dst
}

func rgbAt(img image.Image, x, y int) (uint8, uint8, uint8) {
	switch m := img.(type) {
	case *image.NRGBA:
		o := m.PixOffset(x, y)
		return m.Pix[o], m.Pix[o+1], m.Pix[o+2]
	case *image.RGBA:
		o := m.PixOffset(x, y)
		return m.Pix[o], m.Pix[o+1], m.Pix[o+2]
	}
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return c.R, c.G, c.B
}
