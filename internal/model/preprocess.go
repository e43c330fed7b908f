package model

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
)

// DecodeError reports an upload that is not a decodable image.
type DecodeError struct {
	MimeType string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot decode %s: %v", e.MimeType, e.Err)
	}
	return fmt.Sprintf("cannot decode %s", e.MimeType)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeFailure(mt *mimetype.MIME, err error) error {
	return apperr.New(apperr.KindDecode, "model.Preprocess", &DecodeError{MimeType: mt.String(), Err: err})
}

// Preprocess decodes raw image bytes and produces the model input: RGB
// resized to ImageSize x ImageSize, scaled to [0,1], normalized per channel
// with meta.Mean and meta.Std, laid out channel-major (CHW). Undecodable
// input yields an apperr.KindDecode error wrapping a *DecodeError.
func Preprocess(data []byte, meta Metadata) ([]float32, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, decodeFailure(mt, fmt.Errorf("not an image"))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, decodeFailure(mt, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, decodeFailure(mt, fmt.Errorf("empty image"))
	}

	size := uint(meta.ImageSize)
	resized := resize.Resize(size, size, img, resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	input := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// Alpha is dropped, not premultiplied, like an RGB conversion.
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			i := y*width + x
			input[i] = (float32(c.R)/255.0 - meta.Mean[0]) / meta.Std[0]
			input[plane+i] = (float32(c.G)/255.0 - meta.Mean[1]) / meta.Std[1]
			input[2*plane+i] = (float32(c.B)/255.0 - meta.Mean[2]) / meta.Std[2]
		}
	}

	return input, nil
}
