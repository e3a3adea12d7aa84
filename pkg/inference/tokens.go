package inference

import (
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// CountTokens estimates the token count of text for the given model. Models
// without a registered encoding fall back to cl100k_base, which is close
// enough for the preview/accounting fields this feeds.
func CountTokens(modelID string, text string) int {
	codec, err := tokenizer.ForModel(tokenizer.Model(modelID))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Str("model", modelID).Msg("no tokenizer available")
			return 0
		}
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		log.Warn().Err(err).Str("model", modelID).Msg("tokenizing failed")
		return 0
	}
	return len(ids)
}
