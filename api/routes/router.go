package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/invitely-backend/api/controllers"
	"github.com/angelmondragon/invitely-backend/api/middleware"
	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/config"
	"github.com/angelmondragon/invitely-backend/pkg/db"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/redis"
)

// routerRedis is the slice of the redis client the router needs.
type routerRedis interface {
	redis.Pinger
	redis.IdempotencyStore
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient routerRedis,
	mediaService controllers.MediaService,
	staging controllers.UploadReceiver,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    dbP,
			"redis": redisClient,
		}))
	})

	eventPhotos := controllers.MediaRoute{Kind: enums.MediaKindEventPhoto, RefParam: "eventRef", SlotParam: "slot"}
	themeAsset := controllers.MediaRoute{Kind: enums.MediaKindThemeAsset, RefParam: "themeID", FixedSlot: media.SlotAsset}
	maxBytes := cfg.Media.MaxUploadBytes()

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		// inline so the full route pattern is resolved when the key is scoped
		idempotent := r.With(middleware.Idempotency(redisClient, logg))

		r.Get("/events/{eventRef}/photos/{slot}", controllers.MediaStatus(mediaService, eventPhotos, logg))
		idempotent.Post("/events/{eventRef}/photos/{slot}", controllers.MediaUpload(mediaService, staging, eventPhotos, maxBytes, logg))

		r.Get("/themes/{themeID}/asset", controllers.MediaStatus(mediaService, themeAsset, logg))
		idempotent.Post("/themes/{themeID}/asset", controllers.MediaUpload(mediaService, staging, themeAsset, maxBytes, logg))
	})

	return r
}
