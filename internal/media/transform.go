package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/disintegration/imaging"
)

// Asset is the stored representation produced from a staged upload.
type Asset struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Transformer turns raw upload bytes into the stored asset.
type Transformer interface {
	Transform(ctx context.Context, data []byte) (Asset, error)
}

// JPEGTransformer re-encodes raster images as JPEG.
type JPEGTransformer struct {
	Quality int
}

func (t JPEGTransformer) Transform(_ context.Context, data []byte) (Asset, error) {
	if len(data) == 0 {
		return Asset{}, errors.New("empty image")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Asset{}, fmt.Errorf("decode image: %w", err)
	}
	quality := t.Quality
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return Asset{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return Asset{Data: buf.Bytes(), ContentType: "image/jpeg", Extension: ".jpg"}, nil
}

// PassthroughTransformer stores bytes unchanged, labelled by their sniffed type.
type PassthroughTransformer struct{}

func (PassthroughTransformer) Transform(_ context.Context, data []byte) (Asset, error) {
	if len(data) == 0 {
		return Asset{}, errors.New("empty asset")
	}
	return Asset{Data: data, ContentType: detectMime(data)}, nil
}
