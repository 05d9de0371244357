// Package displayapi builds the MIME bundles cell code emits as rich
// output: HTML, Markdown, SVG and PNG, each keyed by the same MIME type
// names the notebook server's event consumer expects. It is adapted from
// gonbui.go's DisplayHTML/DisplayMarkdown/DisplaySVG/DisplayPNG family,
// re-targeted at an in-process MIMEBundle instead of a named-pipe message
// to a separate kernel process.
package displayapi

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"

	"github.com/pkg/errors"

	"github.com/nimbusnb/nimbus/internal/workerproto"
)

const (
	mimeTextHTML     = "text/html"
	mimeTextMarkdown = "text/markdown"
	mimeImageSVG     = "image/svg+xml"
	mimeImagePNG     = "image/png"
)

// HTML wraps a raw HTML fragment for display.
func HTML(html string) workerproto.MIMEBundle {
	return workerproto.MIMEBundle{mimeTextHTML: html}
}

// Markdown wraps a Markdown fragment for display.
func Markdown(markdown string) workerproto.MIMEBundle {
	return workerproto.MIMEBundle{mimeTextMarkdown: markdown}
}

// SVG wraps raw SVG markup for display.
func SVG(svg string) workerproto.MIMEBundle {
	return workerproto.MIMEBundle{mimeImageSVG: svg}
}

// PNG wraps already-encoded PNG bytes, base64-encoding them the way the
// JSON envelope requires for binary MIME types.
func PNG(png []byte) workerproto.MIMEBundle {
	return workerproto.MIMEBundle{mimeImagePNG: base64.StdEncoding.EncodeToString(png)}
}

// Image encodes an image.Image as a PNG display bundle, the Go-native
// counterpart to passing raw PNG bytes directly.
func Image(img image.Image) (workerproto.MIMEBundle, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.WithMessage(err, "failed to encode image as PNG")
	}
	return PNG(buf.Bytes()), nil
}
