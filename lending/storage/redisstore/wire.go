package redisstore

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/librarysys/lending-go/lending/storage"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

const memberSeparator = "\x1f"

// storedRow is the hash field value of one row.
type storedRow struct {
	Values json.RawMessage `json:"v"`
	AgeNS  int64           `json:"a,omitempty"`
}

type casExpect struct {
	Field   string `json:"f"`
	Present bool   `json:"present"`
	Raw     string `json:"raw"`
}

type casWrite struct {
	Field  string `json:"f"`
	Delete bool   `json:"delete"`
	Raw    string `json:"raw"`
	Member string `json:"m"`
	Score  string `json:"score"`
}

type casPayload struct {
	Expect []casExpect `json:"expect"`
	Writes []casWrite  `json:"writes"`
}

func encodeRow(row storage.Row) (string, error) {
	values, err := storage.EncodeValues(row.Values)
	if err != nil {
		return "", err
	}

	stored := storedRow{Values: values}
	if !row.Age.IsZero() {
		stored.AgeNS = row.Age.UnixNano()
	}

	raw, err := wire.Marshal(stored)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func decodeRow(key storage.Key, raw string) (storage.Row, error) {
	var stored storedRow
	if err := wire.UnmarshalFromString(raw, &stored); err != nil {
		return storage.Row{}, err
	}

	values, err := storage.DecodeValues(stored.Values)
	if err != nil {
		return storage.Row{}, err
	}

	row := storage.Row{Key: key, Values: values}
	if stored.AgeNS != 0 {
		row.Age = time.Unix(0, stored.AgeNS).UTC()
	}

	return row, nil
}

func ageMember(partition, clustering string) string {
	return partition + memberSeparator + clustering
}

func splitAgeMember(member string) (partition, clustering string, ok bool) {
	return strings.Cut(member, memberSeparator)
}

// ageScore is the sorted-set score of an age in microseconds, exact in a float64.
func ageScore(age time.Time) string {
	if age.IsZero() {
		return ""
	}

	return strconv.FormatInt(age.UnixMicro(), 10)
}
