// Command batchctl runs the batch driver (C8) directly against the
// metadata store, for cron or operator-triggered reconciliation runs
// outside the HTTP control plane. Subcommands follow spf13/cobra, the same
// CLI library the rest of this corpus's standalone tools build on.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frameforge/pipeline/internal/batch"
	"github.com/frameforge/pipeline/internal/config"
	"github.com/frameforge/pipeline/internal/metastore"
	"github.com/frameforge/pipeline/internal/videopipe"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a terminal batchctl error to the process exit code: 1
// for a partialFailureError, 2 for any other error (configuration, store or
// driver failure); a command that returns nil exits 0. Only reconcile
// returns a partialFailureError. run returns nil even when individual items
// fail, so failed items do not change its exit code.
func exitCodeFor(err error) int {
	if fe, ok := err.(*partialFailureError); ok {
		_ = fe
		return 1
	}
	return 2
}

type partialFailureError struct{ failed int }

func (e *partialFailureError) Error() string {
	return fmt.Sprintf("%d item(s) failed permanently", e.failed)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "batchctl",
		Short: "Run or reconcile the frame extraction batch pipeline",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newReconcileCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var platform string
	var maxBatches int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Pull pending content rows from the metadata store and process them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := metastore.Open(cfg.MetadataStoreDSN)
			if err != nil {
				return err
			}
			defer store.Close()

			pipeline, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			driver := batch.New(pipeline, store, driverConfig(cfg))

			if err := driver.RunFromMetastore(context.Background(), platform, maxBatches); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform to pull pending content rows for (required)")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop after this many batches (0 = run until no pending rows remain)")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

// newReconcileCmd compares, for one platform/code, the number of content
// rows in the metadata store with the number of vector-store points whose
// video_code matches (VectorStore.CountByCode), and reports drift as a
// partial failure when rows exist but no points do. It does not page
// through points with VectorStore.Scroll and does not read the
// is_extracted/is_embedded flags; the point count filters on code only.
func newReconcileCmd() *cobra.Command {
	var platform, code string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Cross-check the vector-store point count against metadata-store content rows for one video",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := metastore.Open(cfg.MetadataStoreDSN)
			if err != nil {
				return err
			}
			defer store.Close()

			vectorStore, err := videopipe.DialVectorStore(cfg.VectorStoreAddr, cfg.VectorStoreKey, false)
			if err != nil {
				return err
			}
			defer vectorStore.Close()

			ctx := context.Background()
			contentCount, err := store.CountByPlatformCode(ctx, platform, code)
			if err != nil {
				return err
			}
			vectorCount, err := vectorStore.CountByCode(ctx, cfg.VectorCollection, code)
			if err != nil {
				return err
			}

			fmt.Printf("platform=%s code=%s content_rows=%d vector_points=%d\n", platform, code, contentCount, vectorCount)
			if contentCount > 0 && vectorCount == 0 {
				return &partialFailureError{failed: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform of the video to reconcile (required)")
	cmd.Flags().StringVar(&code, "code", "", "code of the video to reconcile (required)")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func driverConfig(cfg *config.Config) batch.Config {
	return batch.Config{
		MaxWorkers:          cfg.VPMaxWorkers,
		BatchSize:           cfg.VPBatchSize,
		SleepBetweenBatches: cfg.VPSleepBetweenBatches,
		MaxRetries:          cfg.MaxRetries,
		Collection:          cfg.VectorCollection,
		WorkDir:             "/tmp/frameforge",
	}
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
