package handlers

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/bridge"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/stream"
	"github.com/troikatech/voicebridge/internal/sweeper"
	"github.com/troikatech/voicebridge/pkg/crypto"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/logger"
)

type Handler struct {
	cfg         *env.Config
	store       *store.Store
	bridge      *bridge.Bridge
	sweeper     *sweeper.Sweeper
	hub         *stream.Hub
	sealer      *crypto.Sealer
	redisClient *redis.Client
	logger      *zap.Logger
}

func NewHandler(
	cfg *env.Config,
	st *store.Store,
	br *bridge.Bridge,
	sw *sweeper.Sweeper,
	hub *stream.Hub,
	sealer *crypto.Sealer,
	redisClient *redis.Client,
) *Handler {
	return &Handler{
		cfg:         cfg,
		store:       st,
		bridge:      br,
		sweeper:     sw,
		hub:         hub,
		sealer:      sealer,
		redisClient: redisClient,
		logger:      logger.Named("api"),
	}
}
