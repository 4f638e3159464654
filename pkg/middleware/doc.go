// Package middleware provides the HTTP middleware that sits in front of the
// orderdesk API: actor resolution and rate limiting.
//
// # Actor resolution
//
// Authentication happens upstream. The gateway forwards the authenticated
// user as X-User-ID and X-User-Role headers and ActorMiddleware turns them
// into a models.Actor on the request context:
//
//	actors := middleware.NewActorMiddleware(userStore, false, logger)
//	router.Use(actors.Handler)
//
// With a user directory the role header is advisory: the stored role wins
// and inactive users are rejected with 401.
//
// # Rate limiting
//
// RateLimitMiddleware keys requests on "user:<id>" when an actor is present
// and on "ip:<client ip>" otherwise, so it must run after ActorMiddleware.
//
//	actorCfg, anonCfg := middleware.ConfigsFromSettings(cfg.RateLimit)
//	limiter := middleware.NewRateLimitMiddleware(
//	    middleware.NewDistributedRateLimiter(redisClient, actorCfg, "ratelimit:actor"),
//	    middleware.NewDistributedRateLimiter(redisClient, anonCfg, "ratelimit:anon"),
//	    logger, metrics)
//	router.Use(limiter.Handler)
//
// RateLimiter is the in-process token bucket used when Redis is disabled.
// Limiter errors fail open unless SetFallbackEnabled(false) is called.
//
// Default (anonymous): 60 req/min
// Per actor: 600 req/min
package middleware
