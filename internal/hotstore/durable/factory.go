package durable

import (
	"fmt"
	"os"

	"github.com/vexor/ingress/internal/errs"
)

// TierConfig selects and configures a durable tier backend.
type TierConfig struct {
	Backend         string // "file" or "spanner"
	FileDir         string
	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// NewTier constructs the configured durable tier.
func NewTier(cfg TierConfig) (Tier, error) {
	switch cfg.Backend {
	case "spanner":
		if cfg.SpannerProject == "" || cfg.SpannerInstance == "" || cfg.SpannerDatabase == "" {
			return nil, errs.New(errs.KindInitializationFailure, "durable.NewTier").With("reason", "spanner_config_incomplete")
		}
		return NewSpannerTier(cfg.SpannerProject, cfg.SpannerInstance, cfg.SpannerDatabase)

	case "file", "":
		dir := cfg.FileDir
		if dir == "" {
			dir = "hotstore-durable"
		}
		return NewFileTier(dir)

	default:
		return nil, fmt.Errorf("unknown durable backend: %s", cfg.Backend)
	}
}

// TierFromEnv constructs a durable tier from environment variables, for
// operators who do not wire Config programmatically.
func TierFromEnv() (Tier, error) {
	backend := os.Getenv("HOTSTORE_DURABLE_BACKEND")
	if backend == "" {
		backend = "file"
	}
	cfg := TierConfig{
		Backend:         backend,
		FileDir:         os.Getenv("HOTSTORE_DURABLE_DIR"),
		SpannerProject:  os.Getenv("SPANNER_PROJECT_ID"),
		SpannerInstance: os.Getenv("SPANNER_INSTANCE_ID"),
		SpannerDatabase: os.Getenv("SPANNER_DATABASE_ID"),
	}
	return NewTier(cfg)
}
