// Package textract extracts lines of text with AWS Textract DetectDocumentText.
package textract

import (
	iface "TableDetServer/interface"
	"TableDetServer/ocr"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/textract"
	"github.com/aws/aws-sdk-go/service/textract/textractiface"
)

const Name = "textract"

func init() {
	ocr.Register(Name, func(cfg ocr.Config) (iface.TextExtractor, error) {
		return New(cfg)
	})
}

type Client struct {
	api textractiface.TextractAPI
}

// New reads credentials from AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY when set,
// otherwise falls back to the SDK's default chain.
func New(cfg ocr.Config) (*Client, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		return nil, fmt.Errorf("%w: textract needs a region", iface.ErrInvalidInput)
	}
	awsCfg := &aws.Config{Region: aws.String(region)}
	if id := os.Getenv("AWS_ACCESS_KEY_ID"); id != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(id, os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN"))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return NewWithAPI(textract.New(sess)), nil
}

func NewWithAPI(api textractiface.TextractAPI) *Client {
	return &Client{api: api}
}

// ExtractText returns the LINE blocks of the document in reading order.
func (c *Client) ExtractText(ctx context.Context, img []byte) ([]string, error) {
	out, err := c.api.DetectDocumentTextWithContext(ctx, &textract.DetectDocumentTextInput{
		Document: &textract.Document{Bytes: img},
	})
	if err != nil {
		return nil, fmt.Errorf("textract DetectDocumentText: %w", err)
	}
	lines := make([]string, 0, len(out.Blocks))
	for _, b := range out.Blocks {
		if aws.StringValue(b.BlockType) == textract.BlockTypeLine {
			lines = append(lines, aws.StringValue(b.Text))
		}
	}
	return lines, nil
}
