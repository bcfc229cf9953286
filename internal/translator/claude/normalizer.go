package claude

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type turn struct {
	role   string
	blocks []string
}

// NormalizeHistory rewrites a Claude messages array into strictly
// alternating user/assistant turns: string content becomes a text block,
// adjacent same-role turns merge in order, empty turns drop, and a
// conversation opening with an assistant turn gains a synthetic user turn.
// The result of normalizing an already-normalized array is unchanged.
func NormalizeHistory(messagesJSON []byte) []byte {
	var turns []turn
	gjson.ParseBytes(messagesJSON).ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		if role != "user" && role != "assistant" {
			return true
		}
		blocks := contentBlocks(m.Get("content"))
		if len(blocks) == 0 {
			return true
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			return true
		}
		turns = append(turns, turn{role: role, blocks: blocks})
		return true
	})

	if len(turns) > 0 && turns[0].role == "assistant" {
		lead := turn{role: "user", blocks: []string{`{"type":"text","text":"Continue"}`}}
		turns = append([]turn{lead}, turns...)
	}

	out := []byte("[]")
	for _, t := range turns {
		msg := `{"role":` + strconv.Quote(t.role) + `,"content":[` + strings.Join(t.blocks, ",") + `]}`
		out, _ = sjson.SetRawBytes(out, "-1", []byte(msg))
	}
	return out
}

// contentBlocks canonicalizes a content field to raw block objects,
// dropping blocks that carry nothing.
func contentBlocks(content gjson.Result) []string {
	if content.Type == gjson.String {
		if strings.TrimSpace(content.String()) == "" {
			return nil
		}
		raw, _ := sjson.Set(`{"type":"text"}`, "text", content.String())
		return []string{raw}
	}
	if !content.IsArray() {
		return nil
	}
	var blocks []string
	content.ForEach(func(_, blk gjson.Result) bool {
		if !emptyBlock(blk) {
			blocks = append(blocks, blk.Raw)
		}
		return true
	})
	return blocks
}

func emptyBlock(blk gjson.Result) bool {
	switch blk.Get("type").String() {
	case "text":
		return strings.TrimSpace(blk.Get("text").String()) == ""
	case "":
		return true
	default:
		return false
	}
}
