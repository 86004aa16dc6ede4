package videopipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"github.com/livepeer/go-tools/drivers"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/model"
	"github.com/frameforge/pipeline/internal/obslog"
)

// ObjectStore is the C6 adapter: download a source video by (platform,
// code) and fire-and-forget upload of survived frames. It is a direct
// generalization of the teacher's clients.GetOSURL/UploadToOSURL pair onto
// per-platform source buckets, built on the same livepeer/go-tools/drivers
// session abstraction (lazy signed/unsigned selection on first use).
type ObjectStore struct {
	videoBucket   *url.URL
	frameBucket   *url.URL
	accessKey     string
	secretKey     string
	uploadTimeout time.Duration

	mu       sync.Mutex
	videoDrv drivers.OSDriver
	frameDrv drivers.OSDriver
}

func NewObjectStore(videoBucket, frameBucket *url.URL, accessKey, secretKey string, uploadTimeout time.Duration) *ObjectStore {
	return &ObjectStore{
		videoBucket:   videoBucket,
		frameBucket:   frameBucket,
		accessKey:     accessKey,
		secretKey:     secretKey,
		uploadTimeout: uploadTimeout,
	}
}

// withCredentials returns u unchanged when no access key is configured
// (unsigned public access), or with embedded userinfo credentials when one
// is (signed access). Selection happens lazily on first use, per spec.md
// §4.6, the same way clients.GetOSURL relies on credentials embedded in
// the OS URL rather than an explicit signed/unsigned switch.
func (o *ObjectStore) withCredentials(u *url.URL) *url.URL {
	if o.accessKey == "" {
		return u
	}
	signed := *u
	signed.User = url.UserPassword(o.accessKey, o.secretKey)
	return &signed
}

func (o *ObjectStore) videoDriver() (drivers.OSDriver, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.videoDrv != nil {
		return o.videoDrv, nil
	}
	drv, err := drivers.ParseOSURL(o.withCredentials(o.videoBucket).String(), true)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfig, fmt.Errorf("parse video bucket URL: %w", err))
	}
	o.videoDrv = drv
	return drv, nil
}

func (o *ObjectStore) frameDriver() (drivers.OSDriver, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.frameDrv != nil {
		return o.frameDrv, nil
	}
	drv, err := drivers.ParseOSURL(o.withCredentials(o.frameBucket).String(), true)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfig, fmt.Errorf("parse frame bucket URL: %w", err))
	}
	o.frameDrv = drv
	return drv, nil
}

// Download implements download(platform, code, workdir, overwrite) ->
// local_path|none. "local" platform short-circuits to a path under
// workdir that the caller is expected to have already populated (used by
// tests and local-filesystem deployments). 404/403 from the store are
// reported as a NotFound error the per-video pipeline turns into SKIPPED.
func (o *ObjectStore) Download(ctx context.Context, item model.WorkItem, workdir string, overwrite bool) (string, error) {
	localPath := path.Join(workdir, "source.mp4")

	if item.Platform == "local" {
		return localPath, nil
	}

	if !overwrite {
		if _, err := os.Stat(localPath); err == nil {
			return localPath, nil
		}
	}

	drv, err := o.videoDriver()
	if err != nil {
		return "", err
	}
	sess := drv.NewSession(path.Join(item.Platform, item.Code))

	reader, err := sess.ReadData(ctx, "video.mp4")
	if err != nil {
		if errors.Is(err, drivers.ErrNotExist) {
			return "", apierr.Wrap(apierr.KindNotFound, fmt.Errorf("source not found: %s", item))
		}
		return "", apierr.Wrap(apierr.KindTransient, fmt.Errorf("download %s: %w", item, err))
	}
	defer reader.Body.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return "", apierr.Wrap(apierr.KindTransient, fmt.Errorf("create %s: %w", localPath, err))
	}
	defer out.Close()

	if _, err := out.ReadFrom(reader.Body); err != nil {
		return "", apierr.Wrap(apierr.KindTransient, fmt.Errorf("write %s: %w", localPath, err))
	}
	return localPath, nil
}

// UploadFramesAsync fires a background goroutine that uploads every frame
// under frame_bucket/{platform}/{code}/ with Content-Type image/png. Its
// return is immediate; failures are logged per-file and never fail the job.
func (o *ObjectStore) UploadFramesAsync(item model.WorkItem, frames []model.Frame) {
	go func() {
		drv, err := o.frameDriver()
		if err != nil {
			obslog.LogError(item.String(), "frame upload: could not init frame driver", err)
			return
		}
		sess := drv.NewSession(path.Join(item.Platform, item.Code))

		for _, f := range frames {
			if err := o.uploadOne(sess, f); err != nil {
				obslog.LogError(item.String(), "frame upload failed", err, "path", f.Path)
			}
		}
	}()
}

func (o *ObjectStore) uploadOne(sess drivers.OSSession, f model.Frame) error {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Path, err)
	}
	_, err = sess.SaveData(context.Background(), f.FileName(), bytes.NewReader(data), &drivers.FileProperties{
		ContentType: "image/png",
	}, o.uploadTimeout)
	return err
}
