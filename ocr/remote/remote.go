// Package remote posts regions to an HTTP OCR service.
//
// The service receives a multipart form with the PNG in field "image" and answers
// {"lines": ["..."]}.
package remote

import (
	iface "TableDetServer/interface"
	"TableDetServer/ocr"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	Name           = "remote"
	TimeOutSeconds = 10
)

func init() {
	ocr.Register(Name, func(cfg ocr.Config) (iface.TextExtractor, error) {
		return New(cfg)
	})
}

type Response struct {
	Lines []string `json:"lines"`
}

type Client struct {
	endpoint string
	language string
	client   *resty.Client
}

func New(cfg ocr.Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: remote ocr needs an endpoint", iface.ErrInvalidInput)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = TimeOutSeconds * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		language: cfg.Language,
		client:   resty.New().SetTimeout(timeout),
	}, nil
}

func (c *Client) ExtractText(ctx context.Context, img []byte) ([]string, error) {
	var body Response
	req := c.client.R().
		SetContext(ctx).
		SetFileReader("image", "region.png", bytes.NewReader(img)).
		SetResult(&body)
	if c.language != "" {
		req.SetFormData(map[string]string{"language": c.language})
	}
	resp, err := req.Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	return body.Lines, nil
}
