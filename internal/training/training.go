// Package training implements the Training Job: download-or-fallback the
// model's artifacts, query Druid at every fixed granularity over a
// one-day window, invoke the trainer, and upload the refreshed artifacts.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redborder-io/outlierscoord/internal/artifactstore"
	"github.com/redborder-io/outlierscoord/internal/druid"
	"github.com/redborder-io/outlierscoord/internal/trainer"
)

// Clock abstracts time.Now so tests can pin the query window.
type Clock func() time.Time

// Job runs one model's training cycle.
type Job struct {
	Store   artifactstore.Client
	Druid   *druid.Client
	Trainer trainer.Trainer
	Logger  *slog.Logger

	Epochs     int
	BatchSize  int
	BackupPath string

	// DryRun, when set, runs the download and Druid-query steps but skips
	// invoking the trainer and uploading artifacts back — used by the
	// supervisor's -dry-run flag to validate connectivity without mutating
	// the artifact store.
	DryRun bool

	Now Clock
}

func (j *Job) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// downloadOrFallback downloads key from the store, falling back to the
// fallback model's artifact when key is absent — mirroring the original
// download_file's copy-the-default-file behavior.
func (j *Job) downloadOrFallback(ctx context.Context, key, fallbackKey string) ([]byte, error) {
	ok, err := j.Store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("training: check %s: %w", key, err)
	}
	if ok {
		data, err := j.Store.Download(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("training: download %s: %w", key, err)
		}
		return data, nil
	}
	if j.Logger != nil {
		j.Logger.Info("artifact missing, using fallback", "key", key, "fallback", fallbackKey)
	}
	data, err := j.Store.Download(ctx, fallbackKey)
	if err != nil {
		return nil, fmt.Errorf("training: download fallback %s: %w", fallbackKey, err)
	}
	return data, nil
}

// Run executes the full Training Job protocol for model.
func (j *Job) Run(ctx context.Context, model string) error {
	weightsKey := artifactstore.WeightsKey(model)
	configKey := artifactstore.ConfigKey(model)
	fallbackWeightsKey := artifactstore.WeightsKey(artifactstore.FallbackModel)
	fallbackConfigKey := artifactstore.ConfigKey(artifactstore.FallbackModel)

	weights, err := j.downloadOrFallback(ctx, weightsKey, fallbackWeightsKey)
	if err != nil {
		return err
	}
	rawCfg, err := j.downloadOrFallback(ctx, configKey, fallbackConfigKey)
	if err != nil {
		return err
	}

	modelCfg, err := artifactstore.ParseModelConfig(rawCfg)
	if err != nil {
		return fmt.Errorf("training: parse config %s: %w", configKey, err)
	}

	epochs, batchSize := j.Epochs, j.BatchSize
	if v, ok := modelCfg.Get("General", "epochs"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			epochs = n
		}
	}
	if v, ok := modelCfg.Get("General", "batch_size"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batchSize = n
		}
	}
	cfg := modelCfg.Render()

	end := j.now().UTC()
	start := end.Add(-24 * time.Hour)

	var responses []druid.Response
	for _, gran := range druid.Granularities {
		rows, err := j.Druid.Query(ctx, druid.QueryRequest{
			DataSource:  model,
			Granularity: gran,
			Start:       start,
			End:         end,
		})
		if err != nil {
			return fmt.Errorf("training: query %s at %s: %w", model, gran, err)
		}
		responses = append(responses, rows...)
	}

	if j.DryRun {
		if j.Logger != nil {
			j.Logger.Info("dry run: skipping trainer invocation and upload", "model", model, "druid_rows", len(responses))
		}
		return nil
	}

	result, err := j.Trainer.Train(ctx, trainer.Request{
		Model:      model,
		Weights:    weights,
		Config:     cfg,
		Responses:  responses,
		Epochs:     epochs,
		BatchSize:  batchSize,
		BackupPath: j.BackupPath,
	})
	if err != nil {
		return fmt.Errorf("training: train %s: %w", model, err)
	}

	resultCfg, err := artifactstore.ParseModelConfig(result.Config)
	if err != nil {
		return fmt.Errorf("training: parse trainer config result for %s: %w", model, err)
	}

	if err := j.Store.Upload(ctx, weightsKey, result.Weights); err != nil {
		return fmt.Errorf("training: upload weights %s: %w", weightsKey, err)
	}
	if err := j.Store.Upload(ctx, configKey, resultCfg.Render()); err != nil {
		return fmt.Errorf("training: upload config %s: %w", configKey, err)
	}
	if j.Logger != nil {
		j.Logger.Info("training job completed", "model", model)
	}
	return nil
}
