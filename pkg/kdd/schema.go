// Package kdd describes the NSL-KDD connection record schema.
package kdd

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FeatureNames lists the 41 NSL-KDD features in file column order.
var FeatureNames = []string{
	"duration",
	"protocol_type",
	"service",
	"flag",
	"src_bytes",
	"dst_bytes",
	"land",
	"wrong_fragment",
	"urgent",
	"hot",
	"num_failed_logins",
	"logged_in",
	"num_compromised",
	"root_shell",
	"su_attempted",
	"num_root",
	"num_file_creations",
	"num_shells",
	"num_access_files",
	"num_outbound_cmds",
	"is_host_login",
	"is_guest_login",
	"count",
	"srv_count",
	"serror_rate",
	"srv_serror_rate",
	"rerror_rate",
	"srv_rerror_rate",
	"same_srv_rate",
	"diff_srv_rate",
	"srv_diff_host_rate",
	"dst_host_count",
	"dst_host_srv_count",
	"dst_host_same_srv_rate",
	"dst_host_diff_srv_rate",
	"dst_host_same_src_port_rate",
	"dst_host_srv_diff_host_rate",
	"dst_host_serror_rate",
	"dst_host_srv_serror_rate",
	"dst_host_rerror_rate",
	"dst_host_srv_rerror_rate",
}

// Column positions of the categorical features and trailing fields.
const (
	ColProtocol   = 1
	ColService    = 2
	ColFlag       = 3
	ColLabel      = 41
	ColDifficulty = 42
)

// NumFeatures is the number of input features per record.
const NumFeatures = 41

// NumNumeric is the number of numeric (non-categorical) features.
const NumNumeric = NumFeatures - 3

// Numeric feature indexes into Record.Numeric.
const (
	Duration = iota
	SrcBytes
	DstBytes
	Land
	WrongFragment
	Urgent
	Hot
	NumFailedLogins
	LoggedIn
	NumCompromised
	RootShell
	SuAttempted
	NumRoot
	NumFileCreations
	NumShells
	NumAccessFiles
	NumOutboundCmds
	IsHostLogin
	IsGuestLogin
	Count
	SrvCount
	SerrorRate
	SrvSerrorRate
	RerrorRate
	SrvRerrorRate
	SameSrvRate
	DiffSrvRate
	SrvDiffHostRate
	DstHostCount
	DstHostSrvCount
	DstHostSameSrvRate
	DstHostDiffSrvRate
	DstHostSameSrcPortRate
	DstHostSrvDiffHostRate
	DstHostSerrorRate
	DstHostSrvSerrorRate
	DstHostRerrorRate
	DstHostSrvRerrorRate
)

// NumericNames lists the numeric features in Record.Numeric order.
var NumericNames = func() []string {
	names := make([]string, 0, NumNumeric)
	for i, name := range FeatureNames {
		if isCategorical(i) {
			continue
		}
		names = append(names, name)
	}
	return names
}()

// NormalLabel is the label of benign connections.
const NormalLabel = "normal"

// ErrFieldCount is returned when a row does not have 42 or 43 columns.
var ErrFieldCount = errors.New("unexpected field count")

// Record is one NSL-KDD connection observation.
type Record struct {
	Protocol   string
	Service    string
	Flag       string
	Numeric    [NumNumeric]float64

	// Label is empty for unlabeled records, such as connections built
	// from packet captures.
	Label      string
	Difficulty int
}

// Labeled reports whether the record carries a label.
func (r Record) Labeled() bool {
	return r.Label != ""
}

// IsAnomaly reports whether the record is labeled as an attack. Unlabeled
// records are never anomalies.
func (r Record) IsAnomaly() bool {
	return r.Labeled() && r.Label != NormalLabel
}

// Category returns the attack category of the record label.
func (r Record) Category() string {
	return Category(r.Label)
}

// Fields renders the record as NSL-KDD columns, including label and
// difficulty.
func (r Record) Fields() []string {
	fields := make([]string, 0, NumFeatures+2)
	n := 0
	for i := 0; i < NumFeatures; i++ {
		switch i {
		case ColProtocol:
			fields = append(fields, r.Protocol)
		case ColService:
			fields = append(fields, r.Service)
		case ColFlag:
			fields = append(fields, r.Flag)
		default:
			fields = append(fields, strconv.FormatFloat(r.Numeric[n], 'g', -1, 64))
			n++
		}
	}
	return append(fields, r.Label, strconv.Itoa(r.Difficulty))
}

// String returns the record as a comma separated NSL-KDD line.
func (r Record) String() string {
	return strings.Join(r.Fields(), ",")
}

// ParseRecord parses one NSL-KDD row. The difficulty column is optional
// and an empty label column yields an unlabeled record.
func ParseRecord(fields []string) (Record, error) {
	if len(fields) != NumFeatures+1 && len(fields) != NumFeatures+2 {
		return Record{}, fmt.Errorf("%w: got %d, want %d or %d",
			ErrFieldCount, len(fields), NumFeatures+1, NumFeatures+2)
	}

	var r Record
	n := 0
	for i := 0; i < NumFeatures; i++ {
		val := strings.TrimSpace(fields[i])
		switch i {
		case ColProtocol:
			r.Protocol = val
		case ColService:
			r.Service = val
		case ColFlag:
			r.Flag = val
		default:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Record{}, fmt.Errorf("column %s: %w", FeatureNames[i], err)
			}
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return Record{}, fmt.Errorf("column %s: non-finite value %q", FeatureNames[i], val)
			}
			r.Numeric[n] = f
			n++
		}
	}

	r.Label = strings.TrimSuffix(strings.TrimSpace(fields[ColLabel]), ".")

	if len(fields) == NumFeatures+2 {
		d, err := strconv.Atoi(strings.TrimSpace(fields[ColDifficulty]))
		if err != nil {
			return Record{}, fmt.Errorf("column difficulty: %w", err)
		}
		r.Difficulty = d
	}

	return r, nil
}

func isCategorical(col int) bool {
	return col == ColProtocol || col == ColService || col == ColFlag
}
