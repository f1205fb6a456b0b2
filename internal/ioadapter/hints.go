package ioadapter

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/benji-backup/benji/internal/berrors"
)

// hintEntry is one element of an external hints file: a JSON list of
// {"offset": <int>, "length": <int>, "exists": "true"|"false"},
// compatible with `rbd diff --format=json` output.
type hintEntry struct {
	Offset int64      `json:"offset"`
	Length int64      `json:"length"`
	Exists hintExists `json:"exists"`
}

// hintExists tolerates both the string form the hints-file contract
// documents ("true"/"false") and the bare bool some rbd builds emit.
type hintExists bool

func (e *hintExists) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"true"`, `true`:
		*e = true
	case `"false"`, `false`:
		*e = false
	default:
		return fmt.Errorf("hints: exists must be \"true\" or \"false\", got %s", data)
	}
	return nil
}

// LoadHintsFile parses path into a HintIterator for a differential
// backup driven by an externally produced diff.
func LoadHintsFile(path string) (HintIterator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading hints file %s: %v", berrors.ErrIO, path, err)
	}
	return ParseHints(raw)
}

// ParseHints parses the hints JSON document itself.
func ParseHints(raw []byte) (HintIterator, error) {
	var entries []hintEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: parsing hints: %v", berrors.ErrConfig, err)
	}
	hints := make([]Hint, len(entries))
	for i, e := range entries {
		if e.Offset < 0 || e.Length < 0 {
			return nil, fmt.Errorf("%w: hints: negative offset or length at entry %d", berrors.ErrConfig, i)
		}
		hints[i] = Hint{Offset: e.Offset, Length: e.Length, Used: bool(e.Exists)}
	}
	return &sliceHintIterator{hints: hints}, nil
}
