package toolexec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// ImageOutput is returned by tool handlers that produce a picture, for
// example a browser screenshot. The gateway downscales and inlines it.
type ImageOutput struct {
	// Path or Data carries the image; Path wins when both are set.
	Path string
	Data []byte

	// MediaType is sniffed from the bytes when empty.
	MediaType string

	// Description is extra text shown to the model alongside the image.
	Description string
}

// ImagePayload is an inline base64 image ready for the provider request.
type ImagePayload struct {
	MediaType string
	Data      string
}

const (
	defaultImageMaxBytes = 4 * 1024 * 1024
	defaultImageMaxEdge  = 1568

	// imageReadCap bounds how much is ever read off disk, independent of
	// the inline budget.
	imageReadCap = 16 * 1024 * 1024

	jpegStartQuality = 85
	jpegQualityStep  = 15
	jpegMinQuality   = 25
)

// prepareImage turns a handler's image into an inline payload under the
// configured byte and edge caps, and keeps a temp file copy of what was
// actually sent.
func (g *Gateway) prepareImage(out *ImageOutput) (*ImagePayload, string, error) {
	maxBytes := g.opts.ImageMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultImageMaxBytes
	}
	maxEdge := g.opts.ImageMaxEdge
	if maxEdge <= 0 {
		maxEdge = defaultImageMaxEdge
	}

	data := out.Data
	if out.Path != "" {
		info, err := os.Stat(out.Path)
		if err != nil {
			return nil, "", fmt.Errorf("image file: %w", err)
		}
		if info.Size() > imageReadCap {
			return nil, "", fmt.Errorf("image file %s is %d bytes, above the %d byte cap", out.Path, info.Size(), imageReadCap)
		}
		data, err = os.ReadFile(out.Path)
		if err != nil {
			return nil, "", fmt.Errorf("image file: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image result carries no data")
	}

	mediaType := out.MediaType
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}

	if needsRescale(data, maxBytes, maxEdge) {
		scaled, scaledType, err := rescaleImage(data, maxEdge, maxBytes)
		if err != nil {
			return nil, "", fmt.Errorf("rescale image: %w", err)
		}
		log.Debug().
			Int("original", len(data)).
			Int("scaled", len(scaled)).
			Str("media_type", scaledType).
			Msg("Downscaled tool image")
		data, mediaType = scaled, scaledType
	}

	tmpPath := saveImageCopy(data, mediaType)

	desc := fmt.Sprintf("[image attached: %s, %d bytes]", mediaType, len(data))
	if tmpPath != "" {
		desc = fmt.Sprintf("[image attached: %s, %d bytes, copy at %s]", mediaType, len(data), tmpPath)
	}
	if out.Description != "" {
		desc = out.Description + "\n" + desc
	}

	return &ImagePayload{
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(data),
	}, desc, nil
}

func needsRescale(data []byte, maxBytes, maxEdge int) bool {
	if len(data) > maxBytes {
		return true
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		// Undecodable images go through as-is when under the byte cap.
		return false
	}
	return cfg.Width > maxEdge || cfg.Height > maxEdge
}

// rescaleImage decodes, scales the longest edge down to maxEdge, and
// re-encodes as JPEG, lowering quality until the result fits maxBytes.
func rescaleImage(data []byte, maxEdge, maxBytes int) ([]byte, string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}

	scaled := downscale(src, maxEdge)

	for quality := jpegStartQuality; quality >= jpegMinQuality; quality -= jpegQualityStep {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", err
		}
		if buf.Len() <= maxBytes {
			return buf.Bytes(), "image/jpeg", nil
		}
	}
	return nil, "", fmt.Errorf("image does not fit %d bytes even at minimum quality", maxBytes)
}

func downscale(src image.Image, maxEdge int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxEdge {
		return src
	}

	scale := float64(maxEdge) / float64(longest)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}

// saveImageCopy writes what was sent to the model into a temp file for
// inspection. Failures are logged and tolerated.
func saveImageCopy(data []byte, mediaType string) string {
	ext := ".img"
	switch mediaType {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	}

	f, err := os.CreateTemp("", "relay-img-*"+ext)
	if err != nil {
		log.Warn().Err(err).Msg("Could not create image copy")
		return ""
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		log.Warn().Err(err).Msg("Could not write image copy")
		return ""
	}
	return f.Name()
}
