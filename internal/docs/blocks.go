// Package docs implements the document provider client and the structured
// workspace layered on top of it. The API shape follows the Notion REST
// surface: pages are created with block children and content is appended as
// typed blocks. Markdown-to-block translation lives behind the Renderer
// seam so the provider can be swapped without touching the handlers.
package docs

type (
	// Block is one content block in the provider's block model.
	Block struct {
		Type      string    `json:"type"`
		Paragraph *RichBody `json:"paragraph,omitempty"`
		Heading1  *RichBody `json:"heading_1,omitempty"`
		Heading2  *RichBody `json:"heading_2,omitempty"`
		Heading3  *RichBody `json:"heading_3,omitempty"`
		Bulleted  *RichBody `json:"bulleted_list_item,omitempty"`
		Numbered  *RichBody `json:"numbered_list_item,omitempty"`
		Quote     *RichBody `json:"quote,omitempty"`
		Callout   *RichBody `json:"callout,omitempty"`
		Divider   *Empty    `json:"divider,omitempty"`
	}

	// RichBody is the rich-text payload of a block.
	RichBody struct {
		RichText []RichText `json:"rich_text"`
	}

	// RichText is one run of text, optionally linked.
	RichText struct {
		Type      string      `json:"type"`
		Text      TextContent `json:"text"`
		PlainText string      `json:"plain_text,omitempty"`
	}

	// TextContent carries the text run content.
	TextContent struct {
		Content string `json:"content"`
		Link    *Link  `json:"link,omitempty"`
	}

	// Link is a URL attached to a text run.
	Link struct {
		URL string `json:"url"`
	}

	// Empty marks block types without a payload.
	Empty struct{}
)

func body(text string) *RichBody {
	return &RichBody{RichText: []RichText{{
		Type: "text",
		Text: TextContent{Content: text},
	}}}
}

// Paragraph builds a paragraph block.
func Paragraph(text string) Block {
	return Block{Type: "paragraph", Paragraph: body(text)}
}

// ParagraphLink builds a paragraph whose text links to url.
func ParagraphLink(text, url string) Block {
	return Block{Type: "paragraph", Paragraph: &RichBody{RichText: []RichText{{
		Type: "text",
		Text: TextContent{Content: text, Link: &Link{URL: url}},
	}}}}
}

// Heading1 builds a top-level heading block.
func Heading1(text string) Block {
	return Block{Type: "heading_1", Heading1: body(text)}
}

// Heading2 builds a second-level heading block.
func Heading2(text string) Block {
	return Block{Type: "heading_2", Heading2: body(text)}
}

// Heading3 builds a third-level heading block.
func Heading3(text string) Block {
	return Block{Type: "heading_3", Heading3: body(text)}
}

// Bullet builds a bulleted list item.
func Bullet(text string) Block {
	return Block{Type: "bulleted_list_item", Bulleted: body(text)}
}

// Numbered builds a numbered list item.
func Numbered(text string) Block {
	return Block{Type: "numbered_list_item", Numbered: body(text)}
}

// Quote builds a quote block.
func Quote(text string) Block {
	return Block{Type: "quote", Quote: body(text)}
}

// Callout builds a callout block.
func Callout(text string) Block {
	return Block{Type: "callout", Callout: body(text)}
}

// Divider builds a divider block.
func Divider() Block {
	return Block{Type: "divider", Divider: &Empty{}}
}

// Text extracts the concatenated plain text of the block.
func (b Block) Text() string {
	var rb *RichBody
	switch b.Type {
	case "paragraph":
		rb = b.Paragraph
	case "heading_1":
		rb = b.Heading1
	case "heading_2":
		rb = b.Heading2
	case "heading_3":
		rb = b.Heading3
	case "bulleted_list_item":
		rb = b.Bulleted
	case "numbered_list_item":
		rb = b.Numbered
	case "quote":
		rb = b.Quote
	case "callout":
		rb = b.Callout
	}
	if rb == nil {
		return ""
	}
	var out string
	for _, rt := range rb.RichText {
		if rt.PlainText != "" {
			out += rt.PlainText
			continue
		}
		out += rt.Text.Content
	}
	return out
}
