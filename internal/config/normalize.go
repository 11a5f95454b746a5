package config

import (
	"os"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}

	c.Engine.MemoryLimitMB = ClampMemoryLimitMB(c.Engine.MemoryLimitMB)
	if c.Engine.ConversionWorkers <= 0 {
		c.Engine.ConversionWorkers = defaultConversionWorkers
	}
	if c.Engine.TranscriptionWorkers <= 0 {
		c.Engine.TranscriptionWorkers = defaultTranscriptionWorkers
	}
	if c.Engine.DetectionBatchSize <= 0 {
		c.Engine.DetectionBatchSize = defaultDetectionBatchSize
	}
	if c.Engine.PreparationSlots <= 0 {
		c.Engine.PreparationSlots = defaultPreparationSlots
	}
	if c.Engine.PreparationTimeout <= 0 {
		c.Engine.PreparationTimeout = defaultPreparationTimeout
	}
	if c.Engine.BudgetWaitTimeout <= 0 {
		c.Engine.BudgetWaitTimeout = defaultBudgetWaitTimeout
	}
	if c.Engine.LargeFileThresholdMB <= 0 {
		c.Engine.LargeFileThresholdMB = defaultLargeFileThresholdMB
	}
	if c.Engine.DirectUploadMaxMB <= 0 {
		c.Engine.DirectUploadMaxMB = defaultDirectUploadMaxMB
	}
	if c.Engine.MaxUploadBytes <= 0 {
		c.Engine.MaxUploadBytes = defaultMaxUploadBytes
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = defaultStoreBackend
	}
	if strings.TrimSpace(c.Store.UserKey) == "" {
		c.Store.UserKey = defaultUserKey
	}
	if strings.TrimSpace(c.Store.RedisAddr) == "" {
		c.Store.RedisAddr = defaultRedisAddr
	}

	c.Upload.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upload.BaseURL), "/")
	c.Upload.APIKey = strings.TrimSpace(c.Upload.APIKey)
	if c.Upload.APIKey == "" {
		if value, ok := os.LookupEnv("ASSEMBLYAI_API_KEY"); ok {
			c.Upload.APIKey = strings.TrimSpace(value)
		}
	}
	if c.Upload.TimeoutSeconds <= 0 {
		c.Upload.TimeoutSeconds = defaultUploadTimeout
	}
	if strings.TrimSpace(c.Upload.DefaultModel) == "" {
		c.Upload.DefaultModel = defaultUploadModel
	}

	if strings.TrimSpace(c.Media.FFmpegBinary) == "" {
		c.Media.FFmpegBinary = defaultFFmpegBinary
	}
	if strings.TrimSpace(c.Media.FFprobeBinary) == "" {
		c.Media.FFprobeBinary = defaultFFprobeBinary
	}
	if c.Media.ExtractionTimeout <= 0 {
		c.Media.ExtractionTimeout = defaultExtractionTimeout
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}

	return nil
}
