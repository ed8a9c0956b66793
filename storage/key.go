package storage

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"unicode"

	"audioingest/apperr"

	"github.com/google/uuid"
)

// UploadPrefix is the namespace every client upload lives under.
const UploadPrefix = "uploads"

const maxFilenameLen = 150

// UploadKey is the parsed form of uploads/{owner_id}/{uuid}_{filename}.
type UploadKey struct {
	OwnerID  int64
	UUID     string
	Filename string
}

func (k UploadKey) String() string {
	return fmt.Sprintf("%s/%d/%s_%s", UploadPrefix, k.OwnerID, k.UUID, k.Filename)
}

// NewUploadKey builds a fresh key for ownerID. Every call draws a new UUID.
func NewUploadKey(ownerID int64, filename string) string {
	return UploadKey{
		OwnerID:  ownerID,
		UUID:     uuid.NewString(),
		Filename: SanitizeFilename(filename),
	}.String()
}

// OwnerPrefix is the listing prefix for one owner's uploads.
func OwnerPrefix(ownerID int64) string {
	return fmt.Sprintf("%s/%d/", UploadPrefix, ownerID)
}

// SanitizeFilename keeps the base name, maps whitespace to '_' and drops
// everything outside [A-Za-z0-9._-].
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-'):
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ".")
	if len(out) > maxFilenameLen {
		out = out[:maxFilenameLen]
	}
	if out == "" {
		return "audio"
	}
	return out
}

// ValidateKey rejects keys that are empty, absolute or able to escape their prefix.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("empty key: %w", apperr.ErrKeyValidation)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("absolute key %q: %w", key, apperr.ErrKeyValidation)
	case strings.ContainsAny(key, "\\\x00"):
		return fmt.Errorf("key %q contains a forbidden character: %w", key, apperr.ErrKeyValidation)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("key %q contains a relative segment: %w", key, apperr.ErrKeyValidation)
		}
	}
	return nil
}

// ParseUploadKey splits a client upload key into its owner, UUID and filename.
func ParseUploadKey(key string) (UploadKey, error) {
	if err := ValidateKey(key); err != nil {
		return UploadKey{}, err
	}
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != UploadPrefix {
		return UploadKey{}, fmt.Errorf("key %q is not an upload key: %w", key, apperr.ErrKeyValidation)
	}

	owner, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || owner <= 0 || strconv.FormatInt(owner, 10) != parts[1] {
		return UploadKey{}, fmt.Errorf("key %q has a malformed owner segment: %w", key, apperr.ErrKeyValidation)
	}

	id, name, ok := strings.Cut(parts[2], "_")
	if !ok || name == "" {
		return UploadKey{}, fmt.Errorf("key %q is missing its filename: %w", key, apperr.ErrKeyValidation)
	}
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return UploadKey{}, fmt.Errorf("key %q has a malformed uuid: %w", key, apperr.ErrKeyValidation)
	}
	return UploadKey{OwnerID: owner, UUID: id, Filename: name}, nil
}
