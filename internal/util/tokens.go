package util

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens estimates how many tokens text occupies using the cl100k
// vocabulary. Falls back to a bytes/4 heuristic when the tokenizer is
// unavailable.
func CountTokens(text string) int64 {
	codecOnce.Do(func() {
		var err error
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warnf("util: loading tokenizer: %v", err)
		}
	})
	if codec == nil {
		return heuristicTokens(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return heuristicTokens(text)
	}
	return int64(len(ids))
}

func heuristicTokens(text string) int64 {
	return int64(len(text)+3) / 4
}

// EstimateRequestTokens estimates the input token count of a Claude
// Messages API request body. The upstream usually reports exact usage;
// this covers streams where it does not.
func EstimateRequestTokens(body []byte) int64 {
	var total int64
	req := gjson.ParseBytes(body)

	system := req.Get("system")
	if system.Type == gjson.String {
		total += CountTokens(system.String())
	} else if system.IsArray() {
		system.ForEach(func(_, v gjson.Result) bool {
			total += CountTokens(v.Get("text").String())
			return true
		})
	}

	req.Get("messages").ForEach(func(_, m gjson.Result) bool {
		content := m.Get("content")
		if content.Type == gjson.String {
			total += CountTokens(content.String())
			return true
		}
		content.ForEach(func(_, blk gjson.Result) bool {
			switch blk.Get("type").String() {
			case "text":
				total += CountTokens(blk.Get("text").String())
			case "tool_use":
				total += CountTokens(blk.Get("input").Raw)
			case "tool_result":
				total += CountTokens(blk.Get("content").Raw)
			}
			return true
		})
		return true
	})
	return total
}
