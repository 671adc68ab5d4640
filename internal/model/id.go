package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeTask  IDType = "task"
	IDTypeDraft IDType = "draft"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:  true,
	IDTypeDraft: true,
}

var idRegex = regexp.MustCompile(`^(task|draft)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID produces IDs of the form task_1722848400_9f3a2c1d: a typed
// prefix, a unix timestamp so logs sort chronologically, and a random
// suffix for uniqueness within the same second.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	suffix := uuid.NewString()
	suffix = suffix[:8]
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), suffix), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
