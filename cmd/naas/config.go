package main

import (
	"strings"

	"github.com/hubenschmidt/naas/internal/env"
	"github.com/hubenschmidt/naas/internal/model"
)

type config struct {
	port           string
	modelsDir      string
	tmpDir         string
	probesDir      string
	engineCmd      []string
	nrnivmodl      string
	objectStoreURL string
	downloadPool   int
	allowedOrigins []string
	allowedIPs     []string
	maxSessions    int
	oneShot        bool
	traceDSN       string
	logLevel       string
	watchModels    bool
}

func loadConfig() config {
	return config{
		port:           env.Str("NAAS_PORT", "8000"),
		modelsDir:      env.Str("NAAS_MODELS_DIR", "/opt/blue-naas/models"),
		tmpDir:         env.Str("NAAS_TMP_DIR", "/opt/blue-naas/tmp"),
		probesDir:      env.Str("NAAS_PROBES_DIR", "/opt/blue-naas/probes"),
		engineCmd:      strings.Fields(env.Str("NAAS_ENGINE_CMD", "python3 -m naas_worker")),
		nrnivmodl:      env.Str("NAAS_NRNIVMODL", "nrnivmodl"),
		objectStoreURL: env.Str("NAAS_OBJECT_STORE_URL", model.DefaultObjectStoreURL),
		downloadPool:   env.Int("NAAS_DOWNLOAD_POOL_SIZE", 4),
		allowedOrigins: env.List("ALLOWED_ORIGIN", "http://localhost:8080"),
		allowedIPs:     env.List("ALLOWED_IP", ""),
		maxSessions:    env.Int("NAAS_MAX_SESSIONS", 1),
		oneShot:        env.Bool("NAAS_ONE_SHOT", true),
		traceDSN:       env.Str("NAAS_TRACE_DSN", ""),
		logLevel:       env.Str("NAAS_LOG_LEVEL", "info"),
		watchModels:    env.Bool("NAAS_WATCH_MODELS", true),
	}
}
