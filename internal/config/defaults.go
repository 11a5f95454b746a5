package config

const (
	// MinMemoryLimitMB and MaxMemoryLimitMB bound the adjustable memory limit.
	MinMemoryLimitMB = 256
	MaxMemoryLimitMB = 4096

	defaultDataDir              = "~/.local/share/scribe/data"
	defaultLogDir               = "~/.local/share/scribe/logs"
	defaultMemoryLimitMB        = 1024
	defaultConversionWorkers    = 12
	defaultTranscriptionWorkers = 50
	defaultDetectionBatchSize   = 4
	defaultPreparationSlots     = 2
	defaultPreparationTimeout   = 120
	defaultBudgetWaitTimeout    = 90
	defaultLargeFileThresholdMB = 2048
	defaultDirectUploadMaxMB    = 512
	defaultMaxUploadBytes       = int64(1024 * 1024 * 1024)
	defaultStoreBackend         = "sqlite"
	defaultUserKey              = "default"
	defaultRedisAddr            = "127.0.0.1:6379"
	defaultUploadTimeout        = 600
	defaultUploadModel          = "universal-3-pro"
	defaultFFmpegBinary         = "ffmpeg"
	defaultFFprobeBinary        = "ffprobe"
	defaultExtractionTimeout    = 300
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Engine: Engine{
			MemoryLimitMB:        defaultMemoryLimitMB,
			ConversionWorkers:    defaultConversionWorkers,
			TranscriptionWorkers: defaultTranscriptionWorkers,
			DetectionBatchSize:   defaultDetectionBatchSize,
			PreparationSlots:     defaultPreparationSlots,
			PreparationTimeout:   defaultPreparationTimeout,
			BudgetWaitTimeout:    defaultBudgetWaitTimeout,
			LargeFileThresholdMB: defaultLargeFileThresholdMB,
			DirectUploadMaxMB:    defaultDirectUploadMaxMB,
			MaxUploadBytes:       defaultMaxUploadBytes,
		},
		Store: Store{
			Backend:   defaultStoreBackend,
			UserKey:   defaultUserKey,
			RedisAddr: defaultRedisAddr,
		},
		Upload: Upload{
			TimeoutSeconds: defaultUploadTimeout,
			DefaultModel:   defaultUploadModel,
		},
		Media: Media{
			FFmpegBinary:      defaultFFmpegBinary,
			FFprobeBinary:     defaultFFprobeBinary,
			ExtractionTimeout: defaultExtractionTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
