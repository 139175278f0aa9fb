package ocr

import (
	"context"
	"image"

	"quiz-autotap/src/screenshot"
)

// VisionQuerier is the part of the LLM client used for OCR.
type VisionQuerier interface {
	QueryVision(ctx context.Context, imageData []byte) (string, error)
}

// Vision performs OCR with a vision-capable chat model.
type Vision struct {
	Client VisionQuerier
}

func NewVision(client VisionQuerier) *Vision {
	return &Vision{Client: client}
}

func (v *Vision) Recognize(ctx context.Context, img *image.RGBA) (string, error) {
	data, err := screenshot.EncodePNG(img)
	if err != nil {
		return "", err
	}
	return v.Client.QueryVision(ctx, data)
}
