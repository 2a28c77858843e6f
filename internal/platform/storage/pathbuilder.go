package storage

import (
	"fmt"
	"strings"
	"time"
)

// ArchivePathParams identify a raw payload stored in the webhook archive bucket.
type ArchivePathParams struct {
	Prefix     string
	Gateway    string
	EventID    string
	ReceivedAt time.Time
}

// BuildArchivePath lays payloads out as {prefix}/{gateway}/{yyyy}/{mm}/{dd}/{eventID}.json so a
// bucket lifecycle rule can expire whole days.
func BuildArchivePath(params ArchivePathParams) (string, error) {
	gateway, err := validateSegment("gateway", strings.ToLower(params.Gateway))
	if err != nil {
		return "", err
	}
	eventID, err := validateSegment("eventID", params.EventID)
	if err != nil {
		return "", err
	}
	if params.ReceivedAt.IsZero() {
		return "", fmt.Errorf("storage: receivedAt is required")
	}
	day := params.ReceivedAt.UTC().Format("2006/01/02")
	prefix := strings.Trim(strings.TrimSpace(params.Prefix), "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.json", gateway, day, eventID), nil
	}
	if strings.Contains(prefix, "..") {
		return "", fmt.Errorf("storage: prefix contains invalid traversal sequence")
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", prefix, gateway, day, eventID), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
