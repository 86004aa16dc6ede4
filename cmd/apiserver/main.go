// Command apiserver is the HTTP job control plane (C9), grounded on the
// teacher's cmd/http-server.go: flag-parsed port, httprouter, ListenAndServe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/frameforge/pipeline/internal/api"
	"github.com/frameforge/pipeline/internal/batch"
	"github.com/frameforge/pipeline/internal/config"
	"github.com/frameforge/pipeline/internal/metastore"
	"github.com/frameforge/pipeline/internal/videopipe"
)

var version = "dev"

func main() {
	port := flag.Int("port", 0, "HTTP listen port (overrides API_PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if *port != 0 {
		cfg.APIPort = *port
	}

	store, err := metastore.Open(cfg.MetadataStoreDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	pipeline, err := buildPipeline(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := pipeline.VectorStore.EnsureCollection(context.Background(), cfg.VectorCollection, cfg.VectorDimension); err != nil {
		log.Fatal(err)
	}

	driver := batch.New(pipeline, store, batch.Config{
		MaxWorkers:          cfg.VPMaxWorkers,
		BatchSize:           cfg.VPBatchSize,
		SleepBetweenBatches: cfg.VPSleepBetweenBatches,
		MaxRetries:          cfg.MaxRetries,
		Collection:          cfg.VectorCollection,
		WorkDir:             "/tmp/frameforge",
	})

	registry := api.NewRegistry(cfg.PipelineMaxParallelJobs)
	server := api.NewServer(registry, driver, cfg.MaxVideosPerRequest)
	router := api.NewRouter(server, cfg.APIKey)

	listen := fmt.Sprintf(":%d", cfg.APIPort)
	log.Println("frameforge apiserver", version, "listening on", listen)
	log.Fatal(http.ListenAndServe(listen, router))
}

func buildPipeline(cfg *config.Config) (*videopipe.Pipeline, error) {
	vectorStore, err := videopipe.DialVectorStore(cfg.VectorStoreAddr, cfg.VectorStoreKey, false)
	if err != nil {
		return nil, err
	}

	return &videopipe.Pipeline{
		Cropper: videopipe.NewCropper(videopipe.CropConfig{
			Probes:     cfg.VPCropProbes,
			ClipSecs:   cfg.VPCropClipSecs,
			SafeMargin: cfg.VPCropSafeMargin,
			HWAccel:    cfg.VPCropHWAccel,
			DetectArgs: cfg.VPCropDetectArgs,
			Encoder:    cfg.VPCropEncoder,
			Preset:     cfg.VPCropPreset,
			Tune:       cfg.VPCropTune,
			CQ:         cfg.VPCropCQ,
			Watchdog:   cfg.FFmpegWatchdog,
		}),
		Extractor: videopipe.NewExtractor(videopipe.FrameConfig{
			SceneThresh: cfg.VPSceneThresh,
			MinFrames:   cfg.VPMinFrames,
			SolidStd:    cfg.VPSolidStd,
			Downscale:   cfg.VPDownscale,
			Watchdog:    cfg.FFmpegWatchdog,
		}),
		Deduper:     videopipe.NewDeduper(cfg.VPDHashSize),
		Encoder:     videopipe.NewEncoder(cfg.EncoderURL, cfg.VectorDimension, cfg.VPBatchSize, cfg.HTTPClientTimeout),
		VectorStore: vectorStore,
		ObjectStore: videopipe.NewObjectStore(cfg.VideoBucketURL, cfg.FrameBucketURL, cfg.ObjectStoreKey, cfg.ObjectStoreSec, cfg.HTTPClientTimeout),
		Collection:  cfg.VectorCollection,
	}, nil
}
