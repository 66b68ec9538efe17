package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// PhotoInfo is one annotated photo entry inside a PhotoMap. The fields are
// declared in the alphabetical order the canonical encoding emits.
type PhotoInfo struct {
	Caption *string `json:"caption"`
	Height  int     `json:"height"`
	URL     string  `json:"url"`
	Width   int     `json:"width"`
}

// PhotoMap maps a requested photo size to the annotated photos fetched at
// that size.
type PhotoMap map[int][]PhotoInfo

// Encode serializes the map canonically: object keys sorted, compact
// output. Equal maps always produce byte-equal JSON, which is what the
// applier's write-if-changed comparison relies on.
func (m PhotoMap) Encode() (string, error) {
	if m == nil {
		m = PhotoMap{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode photo map: %w", err)
	}
	return string(b), nil
}

// DecodePhotoMap parses a stored photo blob back into a PhotoMap. Sizes
// arrive as decimal object keys and are converted back to integers.
func DecodePhotoMap(data string) (PhotoMap, error) {
	if data == "" {
		return PhotoMap{}, nil
	}
	var raw map[string][]PhotoInfo
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("decode photo map: %w", err)
	}
	m := make(PhotoMap, len(raw))
	for k, photos := range raw {
		size, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("decode photo map: size key %q: %w", k, err)
		}
		m[size] = photos
	}
	return m, nil
}
