// Package config loads orderdesk configuration from environment variables.
//
// Every setting has a default except the database URL:
//
//	ORDERDESK_DATABASE_URL="postgres://orderdesk@localhost/orderdesk?sslmode=disable"
//	ORDERDESK_REDIS_URL="redis://localhost:6379/0"     # enables the Redis event bus
//	ORDERDESK_PERMISSION_CACHE_TTL="60s"
//	ORDERDESK_REMINDER_INTERVAL_HOURS="2"              # used until system config overrides it
//	ORDERDESK_S3_BUCKET="orderdesk-images"             # enables image cleanup on delete
//	ORDERDESK_CONFIG_SEED="/etc/orderdesk/seed.yaml"
//
// LoadConfig validates the result and returns an error describing the first
// invalid setting.
package config
