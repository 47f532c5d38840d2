package preprocess

import (
	"fmt"
	"math/rand"

	"github.com/hed1ad/kddbench/pkg/kdd"
)

// Split shuffles records with seed and holds out testFraction of them.
// The same seed and input always produce the same partition.
func Split(records []kdd.Record, testFraction float64, seed int64) (train, test []kdd.Record, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction %v: must be in (0, 1)", testFraction)
	}

	nTest := int(float64(len(records)) * testFraction)
	if nTest < 1 || nTest >= len(records) {
		return nil, nil, fmt.Errorf("split %d records with test fraction %v: empty partition", len(records), testFraction)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(len(records))

	test = make([]kdd.Record, 0, nTest)
	train = make([]kdd.Record, 0, len(records)-nTest)
	for i, idx := range perm {
		if i < nTest {
			test = append(test, records[idx])
		} else {
			train = append(train, records[idx])
		}
	}

	return train, test, nil
}

// Normal returns the records labeled normal.
func Normal(records []kdd.Record) []kdd.Record {
	out := make([]kdd.Record, 0, len(records))
	for _, r := range records {
		if !r.IsAnomaly() {
			out = append(out, r)
		}
	}
	return out
}

// Labels returns the binary anomaly labels of records.
func Labels(records []kdd.Record) []bool {
	labels := make([]bool, len(records))
	for i, r := range records {
		labels[i] = r.IsAnomaly()
	}
	return labels
}
