package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hed1ad/kddbench/internal/config"
	kio "github.com/hed1ad/kddbench/pkg/io"
	"github.com/hed1ad/kddbench/pkg/io/jsonl"
	"github.com/hed1ad/kddbench/pkg/io/nslkdd"
	"github.com/hed1ad/kddbench/pkg/kdd"
	"github.com/hed1ad/kddbench/pkg/metrics"
)

// sliceReader streams records from memory.
type sliceReader struct {
	records []kdd.Record
}

func (s *sliceReader) Read() ([]kdd.Record, error) {
	return s.records, nil
}

func (s *sliceReader) Stream(ctx context.Context) (<-chan kdd.Record, <-chan error) {
	out := make(chan kdd.Record)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, r := range s.records {
			if err := ctx.Err(); err != nil {
				errc <- err
				return
			}
			select {
			case out <- r:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return out, errc
}

func (s *sliceReader) Close() error {
	return nil
}

func trainBundle(t *testing.T) *Bundle {
	t.Helper()

	records := generateRecords(rand.New(rand.NewSource(10)), 400)
	cfg := testConfig(t, writeDataset(t, records))
	cfg.Output = config.OutputConfig{PlotFormat: "png"}

	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	return res.Bundle
}

func TestScoreLabeled(t *testing.T) {
	bundle := trainBundle(t)
	records := generateRecords(rand.New(rand.NewSource(11)), 150)

	var lines strings.Builder
	for _, r := range records {
		lines.WriteString(r.String())
		lines.WriteByte('\n')
	}

	var out bytes.Buffer
	w := jsonl.NewWriter(&out)
	res, err := Score(context.Background(), bundle, nslkdd.NewReader(strings.NewReader(lines.String())), w, zap.NewNop(), metrics.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	assert.Equal(t, 150, res.Records)
	assert.True(t, res.Labeled)
	require.Len(t, res.Rows, 2)
	for _, row := range res.Rows {
		assert.True(t, math.IsNaN(row.Percentile))
		assert.Equal(t, bundle.Thresholds()[row.Detector], row.Threshold)
		assert.GreaterOrEqual(t, row.F1, 0.0)
		assert.LessOrEqual(t, row.F1, 1.0)
	}

	scanner := bufio.NewScanner(&out)
	n := 0
	for scanner.Scan() {
		var result kio.Result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &result))
		assert.Equal(t, n, result.Index)
		assert.Equal(t, records[n].Label, result.Label)
		assert.Contains(t, result.Scores, IsolationForest)
		assert.Contains(t, result.Scores, Autoencoder)
		n++
	}
	assert.Equal(t, 150, n)
}

func TestScoreUnlabeled(t *testing.T) {
	bundle := trainBundle(t)

	records := generateRecords(rand.New(rand.NewSource(12)), 20)
	for i := range records {
		records[i].Label = ""
	}

	var out bytes.Buffer
	res, err := Score(context.Background(), bundle, &sliceReader{records: records}, jsonl.NewWriter(&out), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 20, res.Records)
	assert.False(t, res.Labeled)
	assert.Empty(t, res.Rows)
}

// liveReader emits its records and then blocks like a live capture
// until ctx is cancelled. It calls stop, if set, after the last record
// has been received.
type liveReader struct {
	sliceReader
	stop func()
}

func (l *liveReader) Stream(ctx context.Context) (<-chan kdd.Record, <-chan error) {
	out := make(chan kdd.Record)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, r := range l.records {
			out <- r
		}
		if l.stop != nil {
			l.stop()
		}
		<-ctx.Done()
		errc <- ctx.Err()
	}()
	return out, errc
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), "\n")
}

func unlabeled(seed int64, n int) []kdd.Record {
	records := generateRecords(rand.New(rand.NewSource(seed)), n)
	for i := range records {
		records[i].Label = ""
	}
	return records
}

func TestScoreCancelled(t *testing.T) {
	bundle := trainBundle(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := generateRecords(rand.New(rand.NewSource(13)), 10)
	res, err := Score(ctx, bundle, &sliceReader{records: records}, jsonl.NewWriter(&bytes.Buffer{}), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.False(t, res.Labeled)
}

func TestScoreInterrupted(t *testing.T) {
	bundle := trainBundle(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	reader := &liveReader{sliceReader: sliceReader{records: unlabeled(14, 50)}, stop: cancel}
	res, err := Score(ctx, bundle, reader, jsonl.NewWriter(&out), zap.NewNop(), metrics.NewRegistry())
	require.NoError(t, err)

	assert.Equal(t, 50, res.Records)
	assert.Equal(t, 50, strings.Count(out.String(), "\n"))
}

func TestScoreFlushesPartialBatch(t *testing.T) {
	bundle := trainBundle(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	reader := &liveReader{sliceReader: sliceReader{records: unlabeled(15, 30)}}

	type outcome struct {
		res *ScoreResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := Score(ctx, bundle, reader, jsonl.NewWriter(out), nil, nil)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return out.Lines() == 30 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, 30, got.res.Records)
	assert.Equal(t, 30, out.Lines())
}
