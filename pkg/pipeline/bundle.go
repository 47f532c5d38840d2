package pipeline

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang/snappy"

	"github.com/hed1ad/kddbench/pkg/detectors/autoencoder"
	"github.com/hed1ad/kddbench/pkg/detectors/iforest"
	kio "github.com/hed1ad/kddbench/pkg/io"
	"github.com/hed1ad/kddbench/pkg/kdd"
	"github.com/hed1ad/kddbench/pkg/preprocess"
)

// Bundle is everything needed to score new records: the fitted encoder
// and both detectors with their selected thresholds.
type Bundle struct {
	RunID       string
	Created     time.Time
	Encoder     *preprocess.Encoder
	Forest      *iforest.IsolationForest
	Autoencoder *autoencoder.Autoencoder
}

// bundleState is the gob form of a Bundle.
type bundleState struct {
	RunID       string
	Created     time.Time
	Encoder     *preprocess.Encoder
	Forest      []byte
	Autoencoder []byte
}

// Marshal encodes the bundle as snappy compressed gob.
func (b *Bundle) Marshal() ([]byte, error) {
	if b.Encoder == nil || b.Forest == nil || b.Autoencoder == nil {
		return nil, errors.New("incomplete bundle")
	}

	forest, err := b.Forest.Save()
	if err != nil {
		return nil, fmt.Errorf("save isolation forest: %w", err)
	}
	ae, err := b.Autoencoder.Save()
	if err != nil {
		return nil, fmt.Errorf("save autoencoder: %w", err)
	}

	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(bundleState{
		RunID:       b.RunID,
		Created:     b.Created,
		Encoder:     b.Encoder,
		Forest:      forest,
		Autoencoder: ae,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}

	return snappy.Encode(nil, buf.Bytes()), nil
}

// UnmarshalBundle decodes a bundle produced by Marshal.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress bundle: %w", err)
	}

	var st bundleState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if st.Encoder == nil || !st.Encoder.Fitted {
		return nil, fmt.Errorf("decode bundle: %w", preprocess.ErrNotFitted)
	}

	forest := iforest.New()
	if err := forest.Load(st.Forest); err != nil {
		return nil, fmt.Errorf("load isolation forest: %w", err)
	}
	ae := autoencoder.New()
	if err := ae.Load(st.Autoencoder); err != nil {
		return nil, fmt.Errorf("load autoencoder: %w", err)
	}

	return &Bundle{
		RunID:       st.RunID,
		Created:     st.Created,
		Encoder:     st.Encoder,
		Forest:      forest,
		Autoencoder: ae,
	}, nil
}

// SaveBundle writes b to path.
func SaveBundle(path string, b *Bundle) error {
	data, err := b.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// LoadBundle reads a bundle written by SaveBundle.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return UnmarshalBundle(data)
}

// Thresholds returns the decision threshold of each detector.
func (b *Bundle) Thresholds() map[string]float64 {
	return map[string]float64{
		IsolationForest: b.Forest.Threshold(),
		Autoencoder:     b.Autoencoder.Threshold(),
	}
}

// Score encodes records and scores them with both detectors. Result
// indexes start at offset.
func (b *Bundle) Score(records []kdd.Record, offset int) ([]kio.Result, error) {
	x, err := b.Encoder.Transform(records)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	forest, err := b.Forest.Predict(x)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", IsolationForest, err)
	}
	ae, err := b.Autoencoder.Predict(x)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", Autoencoder, err)
	}

	thresholds := b.Thresholds()
	results := make([]kio.Result, len(records))
	for i, r := range records {
		results[i] = kio.Result{
			Index: offset + i,
			Label: r.Label,
			Scores: map[string]float64{
				IsolationForest: forest[i],
				Autoencoder:     ae[i],
			},
			IsAnomaly: map[string]bool{
				IsolationForest: forest[i] > thresholds[IsolationForest],
				Autoencoder:     ae[i] > thresholds[Autoencoder],
			},
			Connection: fmt.Sprintf("%s/%s/%s", r.Protocol, r.Service, r.Flag),
		}
	}

	return results, nil
}
