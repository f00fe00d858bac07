package main

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ted-keystonepartners/tevor/pkg/cache/memory"
	"github.com/ted-keystonepartners/tevor/pkg/chat"
	"github.com/ted-keystonepartners/tevor/pkg/config"
	"github.com/ted-keystonepartners/tevor/pkg/llm"
	"github.com/ted-keystonepartners/tevor/pkg/router"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

// newChatService builds the chat service over st. The returned cache is nil
// when caching is disabled.
func newChatService(cfg *config.Config, st store.Store, logger zerolog.Logger) (*chat.Service, *memory.Cache, error) {
	completer := llm.New(router.New(cfg),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.Chat.Timeout}),
		llm.WithLogger(logger.With().Str("component", "llm").Logger()),
	)

	opts := []chat.Option{chat.WithLogger(logger.With().Str("component", "chat").Logger())}

	var cache *memory.Cache
	if cfg.Cache.Enabled {
		var err error
		cache, err = memory.New(cfg.Cache.Capacity, cfg.Cache.TTL,
			memory.WithSimilarityThreshold(cfg.Cache.SimilarityThreshold),
			memory.WithLogger(logger.With().Str("component", "cache").Logger()),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("init cache: %w", err)
		}
		opts = append(opts, chat.WithCache(cache))
	}

	return chat.New(st, completer, cfg.Chat, opts...), cache, nil
}
