package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxDocumentBytes = 1 << 20 // 1 MiB encoded transcript
	MaxMessages      = 5000
)

// ValidateTranscript checks that a transcript submitted by a client can be
// stored: every message is a JSON object and the encoded document stays
// within MaxDocumentBytes.
func ValidateTranscript(t Transcript) error {
	if len(t.Messages) > MaxMessages {
		return fmt.Errorf("transcript exceeds %d messages", MaxMessages)
	}
	for i, m := range t.Messages {
		if !isObject(m) {
			return fmt.Errorf("message %d is not a JSON object", i)
		}
		if !utf8.Valid(m) {
			return fmt.Errorf("message %d contains invalid UTF-8", i)
		}
	}
	encoded, err := Encode(t)
	if err != nil {
		return err
	}
	if len(encoded) > MaxDocumentBytes {
		return fmt.Errorf("transcript exceeds %d byte limit", MaxDocumentBytes)
	}
	return nil
}
