package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	BlockText     = "text"
	BlockImageURL = "image_url"
)

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentBlock is one typed part of a multi-part message. Block types the
// gateway does not model are kept verbatim in Raw.
type ContentBlock struct {
	Type     string
	Text     string
	ImageURL *ImageURL
	Raw      json.RawMessage
}

type contentBlockJSON struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	return json.Marshal(contentBlockJSON{Type: b.Type, Text: b.Text, ImageURL: b.ImageURL})
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw contentBlockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode content block: %w", err)
	}
	*b = ContentBlock{Type: raw.Type, Text: raw.Text, ImageURL: raw.ImageURL}
	if raw.Type != BlockText && raw.Type != BlockImageURL {
		b.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

type contentKind uint8

const (
	contentAbsent contentKind = iota
	contentText
	contentBlocks
)

// Content is either plain text, an ordered list of blocks, or absent.
type Content struct {
	kind   contentKind
	text   string
	blocks []ContentBlock
}

func TextContent(s string) Content {
	return Content{kind: contentText, text: s}
}

func BlockContent(blocks ...ContentBlock) Content {
	return Content{kind: contentBlocks, blocks: blocks}
}

func (c Content) IsAbsent() bool { return c.kind == contentAbsent }
func (c Content) IsText() bool   { return c.kind == contentText }
func (c Content) Text() string   { return c.text }

func (c Content) Blocks() []ContentBlock {
	out := make([]ContentBlock, len(c.blocks))
	copy(out, c.blocks)
	return out
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case contentText:
		return json.Marshal(c.text)
	case contentBlocks:
		return json.Marshal(c.blocks)
	}
	return []byte("null"), nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
		*c = TextContent(s)
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
		*c = BlockContent(blocks...)
	default:
		return fmt.Errorf("decode content: unsupported json %q", data[:1])
	}
	return nil
}
