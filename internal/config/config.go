// Package config loads the frozen, process-wide configuration record used
// by every other package. It is read once at startup from the environment
// (optionally seeded by a .env file) the same way the teacher's config
// package exposes a package-level record built once in main().
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var Version string

// Clock lets tests generate fixed timestamps instead of time.Now().
var Clock TimestampGenerator = RealTimestampGenerator{}

// Config is the immutable, process-wide settings record. It is built once
// at startup by Load and passed explicitly into every component that needs
// it, instead of components reaching for global state.
type Config struct {
	APIPort                 int
	APIKey                  string
	MaxVideosPerRequest     int
	PipelineMaxParallelJobs int
	VPMaxWorkers            int
	VPBatchSize             int
	VPSleepBetweenBatches   time.Duration
	VPMinFrames             int
	VPSceneThresh           float64
	VPDHashSize             int
	VPDownscale             float64
	VPSolidStd              float64

	VPCropProbes      int
	VPCropClipSecs    float64
	VPCropSafeMargin  int
	VPCropHWAccel     bool
	VPCropDetectArgs  string
	VPCropEncoder     string
	VPCropPreset      string
	VPCropTune        string
	VPCropCQ          int
	FFmpegWatchdog    time.Duration
	HTTPClientTimeout time.Duration

	VideoBucketURL   *url.URL
	FrameBucketURL   *url.URL
	ObjectStoreKey   string
	ObjectStoreSec   string
	VectorStoreAddr  string
	VectorStoreKey   string
	VectorCollection string
	VectorDimension  int

	EncoderURL string

	MetadataStoreDSN string

	MaxRetries int
}

// Default values per spec.md §6.
const (
	DefaultAPIPort                 = 8080
	DefaultMaxVideosPerRequest     = 1000
	DefaultPipelineMaxParallelJobs = 2
	DefaultVPMaxWorkers            = 4
	DefaultVPBatchSize             = 8
	DefaultVPSleepBetweenBatches   = 500 * time.Millisecond
	DefaultVPMinFrames             = 3
	DefaultVPSceneThresh           = 0.22
	DefaultVPDHashSize             = 8
	DefaultVPDownscale             = 0.5
	DefaultVPSolidStd              = 5.0
	DefaultVPCropProbes            = 3
	DefaultVPCropClipSecs          = 1.0
	DefaultVPCropSafeMargin        = 2
	DefaultVPCropEncoder           = "libx264"
	DefaultVPCropPreset            = "medium"
	DefaultVPCropTune              = "film"
	DefaultVPCropCQ                = 23
	DefaultFFmpegWatchdog          = 5 * time.Minute
	DefaultHTTPClientTimeout       = 15 * time.Second
	DefaultMaxRetries              = 2
	DefaultVectorCollection        = "watched_frames"
	DefaultVectorDimension         = 512
)

// Load reads a .env file if present (missing files are not an error, same
// as godotenv.Load's own semantics) and then builds the Config from the
// environment. No variable is required: unset or unparsable numeric,
// boolean and duration values fall back to their defaults. Load returns an
// error only when VIDEO_BUCKET_URL or FRAME_BUCKET_URL cannot be parsed.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; env vars always take precedence anyway

	c := &Config{
		APIPort:                 envInt("API_PORT", DefaultAPIPort),
		APIKey:                  os.Getenv("API_KEY"),
		MaxVideosPerRequest:     envInt("MAX_VIDEOS_PER_REQUEST", DefaultMaxVideosPerRequest),
		PipelineMaxParallelJobs: envInt("PIPELINE_MAX_PARALLEL_JOBS", DefaultPipelineMaxParallelJobs),
		VPMaxWorkers:            envInt("VP_MAX_WORKERS", DefaultVPMaxWorkers),
		VPBatchSize:             envInt("VP_BATCH_SIZE", DefaultVPBatchSize),
		VPSleepBetweenBatches:   envSeconds("VP_SLEEP_BETWEEN_BATCHES", DefaultVPSleepBetweenBatches),
		VPMinFrames:             envInt("VP_MIN_FRAMES", DefaultVPMinFrames),
		VPSceneThresh:           envFloat("VP_SCENE_THRESH", DefaultVPSceneThresh),
		VPDHashSize:             envInt("VP_DHASH_SIZE", DefaultVPDHashSize),
		VPDownscale:             envFloat("VP_DOWNSCALE", DefaultVPDownscale),
		VPSolidStd:              envFloat("VP_SOLID_STD", DefaultVPSolidStd),

		VPCropProbes:     envInt("VP_CROP_PROBES", DefaultVPCropProbes),
		VPCropClipSecs:   envFloat("VP_CROP_CLIP_SECS", DefaultVPCropClipSecs),
		VPCropSafeMargin: envInt("VP_CROP_SAFE_MARGIN", DefaultVPCropSafeMargin),
		VPCropHWAccel:    envBool("VP_CROP_HWACCEL", false),
		VPCropDetectArgs: envString("VP_CROP_DETECT_ARGS", "24:16:0"),
		VPCropEncoder:    envString("VP_CROP_ENCODER", DefaultVPCropEncoder),
		VPCropPreset:     envString("VP_CROP_PRESET", DefaultVPCropPreset),
		VPCropTune:       envString("VP_CROP_TUNE", DefaultVPCropTune),
		VPCropCQ:         envInt("VP_CROP_CQ", DefaultVPCropCQ),

		FFmpegWatchdog:    envSeconds("FFMPEG_WATCHDOG_SECS", DefaultFFmpegWatchdog),
		HTTPClientTimeout: envSeconds("HTTP_CLIENT_TIMEOUT_SECS", DefaultHTTPClientTimeout),

		ObjectStoreKey:   os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSec:   os.Getenv("OBJECT_STORE_SECRET_KEY"),
		VectorStoreAddr:  os.Getenv("VECTOR_STORE_ADDR"),
		VectorStoreKey:   os.Getenv("VECTOR_STORE_API_KEY"),
		VectorCollection: envString("VECTOR_COLLECTION", DefaultVectorCollection),
		VectorDimension:  envInt("VECTOR_DIMENSION", DefaultVectorDimension),

		EncoderURL: os.Getenv("ENCODER_URL"),

		MetadataStoreDSN: os.Getenv("METADATA_STORE_DSN"),

		MaxRetries: envInt("MAX_RETRIES", DefaultMaxRetries),
	}

	var err error
	c.VideoBucketURL, err = parseURLEnv("VIDEO_BUCKET_URL")
	if err != nil {
		return nil, err
	}
	c.FrameBucketURL, err = parseURLEnv("FRAME_BUCKET_URL")
	if err != nil {
		return nil, err
	}

	return c, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func parseURLEnv(key string) (*url.URL, error) {
	v := os.Getenv(key)
	if v == "" {
		return &url.URL{}, nil
	}
	u, err := url.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return u, nil
}
