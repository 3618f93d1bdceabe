package hipaa

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// sealedPrefix marks a payload sealed at rest; the key version follows it:
// "enc:v1:<base64>".
const sealedPrefix = "enc:v"

// RecordSealer encrypts medical record payloads at rest. It implements
// records.Sealer. Payloads that do not parse as sealed, or whose version has
// no key, are returned as stored, so records written before a key was
// configured stay readable even when they happen to start with the prefix.
type RecordSealer struct {
	mu         sync.RWMutex
	current    *aesGCM
	currentVer int
	previous   map[int]*aesGCM
}

// NewRecordSealer builds a sealer from a 64-character hex key sealing under
// version. An empty key returns nil, which callers treat as "store payloads
// as given".
func NewRecordSealer(hexKey string, version int, logger zerolog.Logger) (*RecordSealer, error) {
	if hexKey == "" {
		logger.Warn().Msg("record encryption disabled: RECORD_ENCRYPTION_KEY is not set")
		return nil, nil
	}
	key, err := decodeKey("RECORD_ENCRYPTION_KEY", hexKey)
	if err != nil {
		return nil, err
	}
	s, err := NewVersionedSealer(key, version)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("key_version", version).Msg("record encryption at rest enabled")
	return s, nil
}

func decodeKey(name, hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(key))
	}
	return key, nil
}

// ParsePreviousKeys parses a comma-separated list of "version:hexkey" pairs,
// the format of RECORD_ENCRYPTION_PREVIOUS_KEYS. An empty list is valid.
func ParsePreviousKeys(list string) (map[int][]byte, error) {
	out := make(map[int][]byte)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		verStr, hexKey, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("RECORD_ENCRYPTION_PREVIOUS_KEYS: entry %q is not version:hexkey", entry)
		}
		version, err := strconv.Atoi(strings.TrimSpace(verStr))
		if err != nil || version < 1 {
			return nil, fmt.Errorf("RECORD_ENCRYPTION_PREVIOUS_KEYS: version %q must be a positive integer", verStr)
		}
		if _, dup := out[version]; dup {
			return nil, fmt.Errorf("RECORD_ENCRYPTION_PREVIOUS_KEYS: version %d listed twice", version)
		}
		key, err := decodeKey(fmt.Sprintf("RECORD_ENCRYPTION_PREVIOUS_KEYS v%d", version), strings.TrimSpace(hexKey))
		if err != nil {
			return nil, err
		}
		out[version] = key
	}
	return out, nil
}

// NewVersionedSealer seals with key under the given version number.
func NewVersionedSealer(key []byte, version int) (*RecordSealer, error) {
	if version < 1 {
		return nil, fmt.Errorf("record sealer: key version must be positive, got %d", version)
	}
	enc, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	return &RecordSealer{current: enc, currentVer: version, previous: make(map[int]*aesGCM)}, nil
}

// AddPreviousKey keeps an older key available for opening payloads sealed
// before a rotation.
func (s *RecordSealer) AddPreviousKey(key []byte, version int) error {
	if version == s.currentVer {
		return fmt.Errorf("previous key v%d: version is the current key's", version)
	}
	enc, err := newAESGCM(key)
	if err != nil {
		return fmt.Errorf("previous key v%d: %w", version, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous[version] = enc
	return nil
}

func (s *RecordSealer) Seal(plaintext string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ct, err := s.current.encrypt(plaintext, nil)
	if err != nil {
		return "", err
	}
	return sealedPrefix + strconv.Itoa(s.currentVer) + ":" + ct, nil
}

// Open fails only when a payload is well formed for a known key version and
// still does not authenticate.
func (s *RecordSealer) Open(stored string) (string, error) {
	version, ct, ok := parseSealed(stored)
	if !ok {
		return stored, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	enc := s.current
	if version != s.currentVer {
		if enc, ok = s.previous[version]; !ok {
			return stored, nil
		}
	}
	plaintext, err := enc.decrypt(ct, nil)
	if errors.Is(err, errMalformed) {
		return stored, nil
	}
	return plaintext, err
}

func parseSealed(s string) (int, string, bool) {
	if !strings.HasPrefix(s, sealedPrefix) {
		return 0, "", false
	}
	verStr, rest, ok := strings.Cut(s[len(sealedPrefix):], ":")
	if !ok {
		return 0, "", false
	}
	version, err := strconv.Atoi(verStr)
	if err != nil {
		return 0, "", false
	}
	return version, rest, true
}
