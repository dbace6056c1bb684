package presenter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSONObject = errors.New("reply contains no JSON object")

// ExtractJSONObject returns the text between the first '{' and the last '}'
// of reply, which tolerates prose around the object.
func ExtractJSONObject(reply string) (string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSONObject
	}
	return reply[start : end+1], nil
}

// DecodeJSONObject extracts the object from reply and decodes it into v.
func DecodeJSONObject(reply string, v interface{}) error {
	raw, err := ExtractJSONObject(reply)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode reply object: %w", err)
	}
	return nil
}
