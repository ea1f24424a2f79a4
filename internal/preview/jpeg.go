package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/e7canasta/canrec/internal/types"
)

// encodeJPEG converts a BGR24 frame to JPEG
func encodeJPEG(f types.Frame, quality int) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("preview: invalid frame %dx%d with %d bytes", f.Width, f.Height, len(f.Data))
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Data) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i+2]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i]
		img.Pix[j+3] = 0xff
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("preview: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
