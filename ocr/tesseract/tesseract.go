//go:build cgo

// Package tesseract runs OCR locally through libtesseract.
package tesseract

import (
	iface "TableDetServer/interface"
	"TableDetServer/ocr"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

const Name = "tesseract"

func init() {
	ocr.Register(Name, func(cfg ocr.Config) (iface.TextExtractor, error) {
		return New(cfg), nil
	})
}

// Client keeps a small pool of gosseract clients; a single client is not goroutine safe.
type Client struct {
	language string
	prefix   string
	pool     sync.Pool
}

func New(cfg ocr.Config) *Client {
	lang := cfg.Language
	if lang == "" {
		lang = "eng"
	}
	c := &Client{language: lang, prefix: cfg.TessdataPrefix}
	c.pool.New = func() any {
		return gosseract.NewClient()
	}
	return c
}

func (c *Client) ExtractText(ctx context.Context, img []byte) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client := c.pool.Get().(*gosseract.Client)
	defer c.pool.Put(client)

	if c.prefix != "" {
		if err := client.SetTessdataPrefix(c.prefix); err != nil {
			return nil, fmt.Errorf("failed to set tessdata path: %w", err)
		}
	}
	if err := client.SetLanguage(c.language); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("OCR failed: %w", err)
	}
	return SplitLines(text), nil
}

// SplitLines drops blank lines and surrounding whitespace.
func SplitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
