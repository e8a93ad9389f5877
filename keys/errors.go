package keys

import (
	"encoding/hex"

	apperrors "github.com/goliatone/go-errors"
)

// CodeKeyDecode marks malformed or unknown packed keys and values.
const CodeKeyDecode = "KEY_DECODE"

func decodeError(msg string, raw []byte) error {
	return apperrors.New("key decode: "+msg, apperrors.CategoryBadInput).
		WithTextCode(CodeKeyDecode).
		WithMetadata(map[string]any{
			"key": hex.EncodeToString(raw),
		})
}

func shapeError(kind string, t Tuple) error {
	return apperrors.New("key decode: unexpected tuple shape for "+kind, apperrors.CategoryBadInput).
		WithTextCode(CodeKeyDecode).
		WithMetadata(map[string]any{
			"kind":   kind,
			"length": len(t),
		})
}

func valueError(kind string, err error) error {
	return apperrors.Wrap(err, apperrors.CategoryBadInput, "value decode for "+kind).
		WithTextCode(CodeKeyDecode)
}
