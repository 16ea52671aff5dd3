// Package extract finds ```echarts fenced code blocks in markdown text and
// substitutes rendered images back into the document.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var blockPattern = regexp.MustCompile("(?is)```echarts[ \\t]*\\n(.*?)\\n```")

// Block is one ```echarts code block found in a document. Config is nil and
// Err is set when the block body is not valid JSON; such blocks are left in
// place rather than rendered.
type Block struct {
	Raw    string
	Config json.RawMessage
	Start  int
	End    int
	Err    string
}

// Valid reports whether the block parsed cleanly and can be rendered.
func (b Block) Valid() bool { return b.Err == "" && len(b.Config) > 0 }

// Blocks extracts all echarts code blocks from content, in document order.
func Blocks(content string) []Block {
	matches := blockPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		start, end := m[0], m[1]
		body := content[m[2]:m[3]]

		block := Block{
			Raw:   content[start:end],
			Start: start,
			End:   end,
		}

		var probe any
		if err := json.Unmarshal([]byte(body), &probe); err != nil {
			block.Err = fmt.Sprintf("invalid JSON: %v", err)
		} else {
			block.Config = json.RawMessage(body)
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// ReplaceWithImages substitutes each block with a markdown image pointing at
// the corresponding URL. Blocks with an empty URL (render failed) or a parse
// error keep their original text. imageURLs must align with blocks by index.
func ReplaceWithImages(content string, blocks []Block, imageURLs []string) (string, error) {
	if len(blocks) != len(imageURLs) {
		return "", fmt.Errorf("blocks and image URLs must align: %d vs %d", len(blocks), len(imageURLs))
	}

	// Replace back-to-front so earlier offsets stay valid.
	result := content
	for i := len(blocks) - 1; i >= 0; i-- {
		if !blocks[i].Valid() || imageURLs[i] == "" {
			continue
		}
		image := fmt.Sprintf("![](%s)", imageURLs[i])
		result = result[:blocks[i].Start] + image + result[blocks[i].End:]
	}
	return result, nil
}
